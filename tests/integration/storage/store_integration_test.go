package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/canon"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/storage"
)

func makeEvent(ts time.Time, host, service, message string) *models.Event {
	return &models.Event{
		Timestamp: ts,
		Source:    "journal",
		Service:   service,
		Host:      host,
		Level:     models.LevelError,
		Message:   message,
		LogHash:   canon.EventHash(ts, host, service, message),
	}
}

func makeTemplate(message, service string) *models.Template {
	canonical, hash := canon.TemplateKey(message, service, string(models.LevelError))
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Template{
		TemplateHash:  hash,
		CanonicalText: canonical,
		Service:       service,
		Level:         models.LevelError,
		CanonVersion:  canon.Version,
		EventCount:    1,
		FirstSeen:     now,
		LastSeen:      now,
	}
}

func TestEventInsertDedupAndQuery(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	h.Truncate(ctx, t)

	ts := time.Now().UTC().Truncate(time.Microsecond)
	batch := []*models.Event{
		makeEvent(ts, "node-a", "sshd", "connection refused"),
		makeEvent(ts.Add(time.Second), "node-a", "sshd", "connection refused"),
	}

	ids, dups, err := h.Store.Events.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, dups)
	require.Len(t, ids, 2)
	assert.NotZero(t, ids[0])
	assert.NotZero(t, ids[1])

	// Replaying the same batch inserts nothing.
	ids, dups, err = h.Store.Events.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, dups)
	assert.Zero(t, ids[0])
	assert.Zero(t, ids[1])

	existing, err := h.Store.Events.FilterExistingHashes(ctx,
		[]string{batch[0].LogHash, "no-such-hash"})
	require.NoError(t, err)
	assert.True(t, existing[batch[0].LogHash])
	assert.False(t, existing["no-such-hash"])

	events, err := h.Store.Events.Query(ctx, storage.EventFilter{
		Service: "sshd",
		Host:    "node-a",
		Level:   "ERROR",
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.True(t, !events[0].Timestamp.Before(events[1].Timestamp))
	assert.Equal(t, "connection refused", events[0].Message)
}

func TestTemplateLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	h.Truncate(ctx, t)

	tmpl := makeTemplate("disk /dev/sda1 is 91% full", "smartd")

	id, created, err := h.Store.Templates.CreateIfAbsent(ctx, tmpl)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotZero(t, id)

	// Second create with the same hash resolves to the existing row.
	id2, created, err := h.Store.Templates.CreateIfAbsent(ctx, tmpl)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)

	got, err := h.Store.Templates.Lookup(ctx, tmpl.TemplateHash)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = h.Store.Templates.Lookup(ctx, "missing-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	earlier := tmpl.FirstSeen.Add(-time.Hour)
	later := tmpl.LastSeen.Add(time.Hour)
	require.NoError(t, h.Store.Templates.BumpCounters(ctx, id, earlier, later, "node-b", 3))

	full, err := h.Store.Templates.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), full.EventCount)
	assert.WithinDuration(t, earlier, full.FirstSeen, time.Millisecond)
	assert.WithinDuration(t, later, full.LastSeen, time.Millisecond)
	assert.Contains(t, full.SourceHosts, "node-b")
	assert.False(t, full.Embedded)

	require.NoError(t, h.Store.Templates.AttachEmbedding(ctx, id,
		testVector(1), "test-model", embeddingDim))
	full, err = h.Store.Templates.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, full.Embedded)
	assert.Equal(t, "test-model", full.EmbeddingModel)
}

func TestAssignTemplateIsWriteOnce(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	h.Truncate(ctx, t)

	ts := time.Now().UTC().Truncate(time.Microsecond)
	ids, _, err := h.Store.Events.InsertBatch(ctx,
		[]*models.Event{makeEvent(ts, "node-a", "cron", "job failed")})
	require.NoError(t, err)

	tid, _, err := h.Store.Templates.CreateIfAbsent(ctx, makeTemplate("job failed", "cron"))
	require.NoError(t, err)
	tid2, _, err := h.Store.Templates.CreateIfAbsent(ctx, makeTemplate("job failed again", "cron"))
	require.NoError(t, err)

	won, err := h.Store.Events.AssignTemplate(ctx, ids[0], tid)
	require.NoError(t, err)
	assert.True(t, won)

	// A second writer loses; the first assignment sticks.
	won, err = h.Store.Events.AssignTemplate(ctx, ids[0], tid2)
	require.NoError(t, err)
	assert.False(t, won)

	unassigned, err := h.Store.Events.FindUnassigned(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, unassigned)
}

func TestVectorSearchRanksByDistance(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	h.Truncate(ctx, t)

	near := makeTemplate("oom killed process <N>", "kernel")
	far := makeTemplate("link up on eth0", "networkd")
	unembedded := makeTemplate("started session", "logind")

	nearID, _, err := h.Store.Templates.CreateIfAbsent(ctx, near)
	require.NoError(t, err)
	farID, _, err := h.Store.Templates.CreateIfAbsent(ctx, far)
	require.NoError(t, err)
	_, _, err = h.Store.Templates.CreateIfAbsent(ctx, unembedded)
	require.NoError(t, err)

	require.NoError(t, h.Store.Templates.AttachEmbedding(ctx, nearID,
		testVector(1), "test-model", embeddingDim))
	require.NoError(t, h.Store.Templates.AttachEmbedding(ctx, farID,
		testVector(900), "test-model", embeddingDim))

	matches, err := h.Store.Templates.VectorSearch(ctx, testVector(1), 10,
		storage.TemplateFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 2, "templates without embeddings never match")
	assert.Equal(t, nearID, matches[0].Template.ID)
	assert.Equal(t, farID, matches[1].Template.ID)
	assert.Less(t, matches[0].Distance, matches[1].Distance)

	// Service filter narrows the candidate set.
	matches, err = h.Store.Templates.VectorSearch(ctx, testVector(1), 10,
		storage.TemplateFilter{Service: "networkd"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, farID, matches[0].Template.ID)
}

func TestRetentionDeletesEventsThenOrphanedTemplates(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	h.Truncate(ctx, t)

	cutoff := time.Now().UTC().Truncate(time.Microsecond)
	oldTS := cutoff.Add(-48 * time.Hour)
	newTS := cutoff.Add(time.Hour)

	ids, _, err := h.Store.Events.InsertBatch(ctx, []*models.Event{
		makeEvent(oldTS, "node-a", "sshd", "expired event"),
		makeEvent(newTS, "node-a", "sshd", "live event"),
	})
	require.NoError(t, err)

	orphan := makeTemplate("expired event", "sshd")
	orphan.FirstSeen = oldTS
	orphan.LastSeen = oldTS
	orphanID, _, err := h.Store.Templates.CreateIfAbsent(ctx, orphan)
	require.NoError(t, err)

	kept := makeTemplate("live event", "sshd")
	kept.FirstSeen = oldTS
	kept.LastSeen = oldTS
	keptID, _, err := h.Store.Templates.CreateIfAbsent(ctx, kept)
	require.NoError(t, err)

	// The live event still references its template, so even though the
	// template itself is past the cutoff it must survive.
	_, err = h.Store.Events.AssignTemplate(ctx, ids[1], keptID)
	require.NoError(t, err)

	n, err := h.Store.Events.CountOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := h.Store.Events.DeleteOlderThan(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = h.Store.Templates.DeleteUnreferenced(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = h.Store.Templates.Get(ctx, orphanID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.Store.Templates.Get(ctx, keptID)
	assert.NoError(t, err)
}

func TestFindStaleReturnsVectorlessAndOldVersions(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	h.Truncate(ctx, t)

	vectorless := makeTemplate("no vector yet", "app")
	vectorlessID, _, err := h.Store.Templates.CreateIfAbsent(ctx, vectorless)
	require.NoError(t, err)

	oldVersion := makeTemplate("old canon rules", "app")
	oldVersion.CanonVersion = "v0"
	oldVersionID, _, err := h.Store.Templates.CreateIfAbsent(ctx, oldVersion)
	require.NoError(t, err)

	current := makeTemplate("fully processed", "app")
	currentID, _, err := h.Store.Templates.CreateIfAbsent(ctx, current)
	require.NoError(t, err)
	require.NoError(t, h.Store.Templates.AttachEmbedding(ctx, currentID,
		testVector(3), "test-model", embeddingDim))

	stale, err := h.Store.Templates.FindStale(ctx, 0, 10, canon.Version, "test-model")
	require.NoError(t, err)

	staleIDs := make([]int64, 0, len(stale))
	for _, s := range stale {
		staleIDs = append(staleIDs, s.ID)
	}
	assert.Contains(t, staleIDs, vectorlessID)
	assert.Contains(t, staleIDs, oldVersionID)
	assert.NotContains(t, staleIDs, currentID)
}

func TestStoreHealthy(t *testing.T) {
	h := NewTestHarness(t)
	assert.True(t, h.Store.Healthy(context.Background()))
}
