// Package storage contains integration tests for the Postgres persistence
// layer. They run against a throwaway pgvector container and are skipped
// when Docker is not available.
package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/devmesh/devmesh/internal/storage"
)

const embeddingDim = 4096

// TestHarness manages a pgvector container and a Store connected to it.
type TestHarness struct {
	Store     *storage.Store
	container testcontainers.Container
}

// NewTestHarness starts a fresh pgvector container, connects a Store and
// applies migrations. Skips the calling test when Docker is unavailable.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "devmesh",
			"POSTGRES_PASSWORD": "devmesh",
			"POSTGRES_DB":       "devmesh_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("could not start pgvector container (is Docker running?): %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://devmesh:devmesh@%s:%d/devmesh_test?sslmode=disable",
		host, port.Int())

	store, err := storage.NewStore(storage.Config{
		DSN:           dsn,
		MaxConns:      5,
		MinConns:      1,
		CacheCapacity: 1000,
	})
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("create store: %v", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := store.Start(startCtx); err != nil {
		container.Terminate(ctx)
		t.Fatalf("start store: %v", err)
	}

	h := &TestHarness{Store: store, container: container}
	t.Cleanup(func() {
		h.Cleanup(context.Background())
	})
	return h
}

// Truncate empties both tables so tests can share one container.
func (h *TestHarness) Truncate(ctx context.Context, t *testing.T) {
	t.Helper()
	_, err := h.Store.DB().ExecContext(ctx,
		`TRUNCATE log_events, log_templates RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// Cleanup stops the store and terminates the container.
func (h *TestHarness) Cleanup(ctx context.Context) {
	if h.Store != nil {
		h.Store.Stop(ctx)
	}
	if h.container != nil {
		h.container.Terminate(ctx)
	}
}

// testVector builds a deterministic full-dimension vector. Different seeds
// produce vectors that are far apart under cosine distance.
func testVector(seed int) []float32 {
	vec := make([]float32, embeddingDim)
	for i := range vec {
		vec[i] = float32((i*31+seed*7)%97) / 97.0
	}
	vec[seed%embeddingDim] = 50
	return vec
}
