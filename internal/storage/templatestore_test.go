package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/models"
)

func newMockTemplateStore(t *testing.T) (*TemplateStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewTemplateStore(sqlx.NewDb(mockDB, "sqlmock")), mock
}

var templateTestColumns = []string{
	"id", "template_hash", "canonical_text", "service", "level",
	"embedded", "embedding_model", "embedding_dim",
	"canon_version", "chunk_version", "event_count", "first_seen", "last_seen", "source_hosts",
}

func TestLookupFillsCache(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	mock.ExpectQuery(`SELECT id, service, level FROM log_templates WHERE template_hash = \$1`).
		WithArgs("hash-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "service", "level"}).
			AddRow(int64(4), "nginx", "INFO"))

	id, err := store.Lookup(context.Background(), "hash-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)

	// Second lookup is served from the cache; no further SQL expected.
	id, err = store.Lookup(context.Background(), "hash-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupMiss(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	mock.ExpectQuery(`SELECT id, service, level FROM log_templates`).
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"id", "service", "level"}))

	_, err := store.Lookup(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateIfAbsentCreates(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	mock.ExpectQuery(`INSERT INTO log_templates .* ON CONFLICT \(template_hash\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))

	tpl := &models.Template{
		TemplateHash:  "hash-new",
		CanonicalText: "hello <N>",
		Service:       "nginx",
		Level:         models.LevelInfo,
		CanonVersion:  "v1",
	}
	id, created, err := store.CreateIfAbsent(context.Background(), tpl)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(21), id)
	assert.Equal(t, int64(21), tpl.ID)

	// The freshly created row must be resolvable from the cache.
	cached, ok := store.Cache().Get("hash-new")
	require.True(t, ok)
	assert.Equal(t, int64(21), cached.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIfAbsentConvergesOnRace(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	// Conflict: no row returned. The store retries the lookup and
	// converges on the winner's row.
	mock.ExpectQuery(`INSERT INTO log_templates .* ON CONFLICT \(template_hash\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id, service, level FROM log_templates WHERE template_hash = \$1`).
		WithArgs("hash-race").
		WillReturnRows(sqlmock.NewRows([]string{"id", "service", "level"}).
			AddRow(int64(33), "nginx", "INFO"))

	tpl := &models.Template{TemplateHash: "hash-race", CanonVersion: "v1"}
	id, created, err := store.CreateIfAbsent(context.Background(), tpl)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(33), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachEmbeddingValidatesDimension(t *testing.T) {
	store, _ := newMockTemplateStore(t)

	err := store.AttachEmbedding(context.Background(), 1, []float32{1, 2, 3}, "m", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension 3, want 4")
}

func TestAttachEmbeddingGuardsGeneration(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	mock.ExpectExec(`UPDATE log_templates\s+SET embedding = \$2::vector, embedding_model = \$3, embedding_dim = \$4\s+WHERE id = \$1 AND \(embedding IS NULL OR \(embedding_model = \$3 AND embedding_dim = \$4\)\)`).
		WithArgs(int64(8), "[1,0]", "test-model", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AttachEmbedding(context.Background(), 8, []float32{1, 0}, "test-model", 2)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpCountersWidensInterval(t *testing.T) {
	store, mock := newMockTemplateStore(t)
	firstSeen := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	lastSeen := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// The bounds travel separately: LEAST gets the batch minimum, GREATEST
	// the batch maximum, so a batch of late-arriving old events can pull
	// first_seen backwards.
	mock.ExpectExec(`SET event_count = event_count \+ \$2,\s+first_seen = LEAST\(first_seen, \$3\),\s+last_seen = GREATEST\(last_seen, \$4\)`).
		WithArgs(int64(9), 3, firstSeen, lastSeen, "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.BumpCounters(context.Background(), 9, firstSeen, lastSeen, "node-1", 3))
	assert.NoError(t, mock.ExpectationsWereMet())

	// Zero accepted events never touch the row.
	require.NoError(t, store.BumpCounters(context.Background(), 9, firstSeen, lastSeen, "node-1", 0))
}

func TestVectorSearchOrderingAndFilters(t *testing.T) {
	store, mock := newMockTemplateStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`WHERE embedding IS NOT NULL AND service = \$2\s+ORDER BY distance ASC, last_seen DESC, id ASC LIMIT \$3`).
		WithArgs("[1,0]", "nginx", 10).
		WillReturnRows(sqlmock.NewRows(append(templateTestColumns, "distance")).
			AddRow(int64(1), "h1", "conn refused to <IPV4>", "nginx", "ERROR",
				true, "test-model", 2, "v1", 1, int64(40), now, now, []byte(`["node-1"]`), 0.12).
			AddRow(int64(2), "h2", "timeout after <DUR>", "nginx", "ERROR",
				true, "test-model", 2, "v1", 1, int64(7), now, now, []byte(`[]`), 0.34))

	matches, err := store.VectorSearch(context.Background(), []float32{1, 0}, 10,
		TemplateFilter{Service: "nginx"})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, 0.12, matches[0].Distance)
	assert.True(t, matches[0].Template.Embedded)
	assert.Equal(t, []string{"node-1"}, matches[0].Template.SourceHosts)
	assert.Equal(t, "timeout after <DUR>", matches[1].Template.CanonicalText)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindStaleScanShape(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	mock.ExpectQuery(`WHERE id > \$1 AND \(\s+embedding IS NULL\s+OR canon_version <> \$2\s+OR embedding_model IS DISTINCT FROM \$3\s+\)\s+ORDER BY id ASC LIMIT \$4`).
		WithArgs(int64(0), "v1", "test-model", 100).
		WillReturnRows(sqlmock.NewRows(templateTestColumns))

	_, err := store.FindStale(context.Background(), 0, 100, "v1", "test-model")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUnreferencedProtectsReferenced(t *testing.T) {
	store, mock := newMockTemplateStore(t)
	cutoff := time.Now()

	mock.ExpectExec(`DELETE FROM log_templates t\s+WHERE t.last_seen < \$1\s+AND NOT EXISTS \(SELECT 1 FROM log_events e WHERE e.template_id = t.id\)`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.DeleteUnreferenced(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarmCachePreloads(t *testing.T) {
	store, mock := newMockTemplateStore(t)

	mock.ExpectQuery(`SELECT id, template_hash, service, level FROM log_templates\s+ORDER BY last_seen DESC LIMIT \$1`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "template_hash", "service", "level"}).
			AddRow(int64(1), "h1", "nginx", "INFO").
			AddRow(int64(2), "h2", "sshd", "WARNING"))

	n, err := store.WarmCache(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cached, ok := store.Cache().Get("h2")
	require.True(t, ok)
	assert.Equal(t, int64(2), cached.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
