package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/WayShare/wayshare-go/internal/kv"
	"github.com/WayShare/wayshare-go/internal/model"
)

type brokenStore struct {
	*kv.Memory
}

func (b brokenStore) Set(context.Context, string, string) error {
	return errors.New("quota exceeded")
}

func (b brokenStore) Update(context.Context, string, kv.UpdateFunc) error {
	return errors.New("quota exceeded")
}

func newReport(t *testing.T, typ model.IncidentType, media *model.Media) model.PendingReport {
	t.Helper()
	draft := model.ReportDraft{
		IncidentType: typ,
		LicensePlate: "ABC-123",
		Location:     &model.Location{Lat: 40.7128, Lng: -74.006},
		Media:        media,
	}
	r, err := model.NewPendingReport(draft, "session_1_abcdefghi")
	require.NoError(t, err)
	return r
}

func TestEnqueueSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	q := New(store, nil)
	first := newReport(t, model.IncidentSpeeding, nil)
	second := newReport(t, model.IncidentPothole, nil)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	reloaded := New(store, nil)
	require.NoError(t, reloaded.Load(ctx))

	items := reloaded.List()
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
	assert.Equal(t, "ABC-123", items[0].LicensePlate)
	assert.Equal(t, model.StatusPending, items[0].Status)
	assert.InDelta(t, 40.7128, items[0].Location.Lat, 1e-9)
}

func TestEnqueueRejectsIncompleteReport(t *testing.T) {
	q := New(kv.NewMemory(), nil)
	err := q.Enqueue(context.Background(), model.PendingReport{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidReport)
	assert.Zero(t, q.Len())
}

func TestRemoveAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil)

	a := newReport(t, model.IncidentSpeeding, nil)
	b := newReport(t, model.IncidentDebris, nil)
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	q.Remove(ctx, "unknown")
	assert.Equal(t, 2, q.Len())

	b.Attempts = 3
	b.LastError = "server unavailable"
	q.Update(ctx, b)
	q.Remove(ctx, a.ID)

	reloaded := New(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	items := reloaded.List()
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].ID)
	assert.Equal(t, 3, items[0].Attempts)
}

func TestClearDeletesKey(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil)
	require.NoError(t, q.Enqueue(ctx, newReport(t, model.IncidentFlooding, nil)))
	require.True(t, store.Has(kv.KeyPendingReports))

	require.NoError(t, q.Clear(ctx))
	assert.Empty(t, q.List())
	assert.False(t, store.Has(kv.KeyPendingReports))
}

func TestLoadTreatsCorruptDataAsEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, kv.KeyPendingReports, "{not json"))

	core, logs := observer.New(zapcore.WarnLevel)
	q := New(store, zap.New(core))
	require.NoError(t, q.Load(ctx))
	assert.Empty(t, q.List())
	assert.Equal(t, 1, logs.FilterMessage("discarding unreadable queue data").Len())
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.ErrorLevel)
	q := New(brokenStore{kv.NewMemory()}, zap.New(core))

	r := newReport(t, model.IncidentSpeeding, nil)
	require.NoError(t, q.Enqueue(ctx, r))

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, logs.FilterMessage("failed to persist queue").Len())
}

func TestQueueNeverLogsPlate(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	q := New(kv.NewMemory(), zap.New(core))
	require.NoError(t, q.Enqueue(ctx, newReport(t, model.IncidentSpeeding, nil)))

	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, "ABC-123")
		for _, v := range entry.ContextMap() {
			assert.NotEqual(t, "ABC-123", v)
		}
	}
}

func TestMediaDroppedAfterReloadWithoutBlobStore(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil)

	media := &model.Media{Filename: "crash.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}
	r := newReport(t, model.IncidentSpeeding, media)
	require.NoError(t, q.Enqueue(ctx, r))

	got, err := q.Media(ctx, q.List()[0])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, media.Data, got.Data)

	reloaded := New(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	items := reloaded.List()
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Media)
	assert.Equal(t, "crash.jpg", items[0].MediaName)

	got, err = reloaded.Media(ctx, items[0])
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMediaRestoredFromBlobStore(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil, WithBlobStore(store))

	media := &model.Media{Filename: "crash.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}
	r := newReport(t, model.IncidentSpeeding, media)
	require.NoError(t, q.Enqueue(ctx, r))

	reloaded := New(store, nil, WithBlobStore(store))
	require.NoError(t, reloaded.Load(ctx))
	item := reloaded.List()[0]
	assert.Equal(t, r.ID, item.MediaKey)

	got, err := reloaded.Media(ctx, item)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, media.Data, got.Data)
	assert.Equal(t, "image/jpeg", got.ContentType)

	reloaded.Remove(ctx, item.ID)
	_, err = store.GetBlob(ctx, item.MediaKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestQuarantine(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil)
	r := newReport(t, model.IncidentSpeeding, nil)
	require.NoError(t, q.Enqueue(ctx, r))

	assert.False(t, q.Quarantine(ctx, "missing", "nope"))
	assert.True(t, q.Quarantine(ctx, r.ID, "validation: licensePlate is invalid"))
	assert.Zero(t, q.Len())

	reloaded := New(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Empty(t, reloaded.List())
	quarantined := reloaded.Quarantined()
	require.Len(t, quarantined, 1)
	assert.Equal(t, "validation: licensePlate is invalid", quarantined[0].LastError)
}

func TestSharedStoreKeepsOtherAgentsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")

	daemonStore, err := kv.OpenSQLite(path)
	require.NoError(t, err)
	defer daemonStore.Close()
	cliStore, err := kv.OpenSQLite(path)
	require.NoError(t, err)
	defer cliStore.Close()

	daemon := New(daemonStore, nil)
	require.NoError(t, daemon.Load(ctx))
	old := newReport(t, model.IncidentSpeeding, nil)
	require.NoError(t, daemon.Enqueue(ctx, old))

	cli := New(cliStore, nil)
	require.NoError(t, cli.Load(ctx))
	fresh := newReport(t, model.IncidentPothole, nil)
	require.NoError(t, cli.Enqueue(ctx, fresh))

	// the daemon never reloaded before writing its retry bookkeeping
	old.Attempts = 1
	daemon.Update(ctx, old)

	reloaded := New(cliStore, nil)
	require.NoError(t, reloaded.Load(ctx))
	items := reloaded.List()
	require.Len(t, items, 2)
	assert.Equal(t, old.ID, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, fresh.ID, items[1].ID)

	// the daemon's own view caught up with the write
	assert.Len(t, daemon.List(), 2)

	daemon.Remove(ctx, fresh.ID)
	require.NoError(t, cli.Load(ctx))
	require.Len(t, cli.List(), 1)
	assert.Equal(t, old.ID, cli.List()[0].ID)
}

func TestConcurrentChangesAllReachStore(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil)

	first := newReport(t, model.IncidentSpeeding, nil)
	require.NoError(t, q.Enqueue(ctx, first))

	var wg sync.WaitGroup
	added := make([]model.PendingReport, 8)
	for i := range added {
		added[i] = newReport(t, model.IncidentDebris, nil)
	}
	for i := range added {
		wg.Add(2)
		go func(r model.PendingReport) {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(ctx, r))
		}(added[i])
		go func(n int) {
			defer wg.Done()
			bumped := first
			bumped.Attempts = n
			q.Update(ctx, bumped)
		}(i + 1)
	}
	wg.Wait()

	reloaded := New(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	stored := reloaded.List()
	require.Len(t, stored, 1+len(added))
	ids := map[string]bool{}
	for _, r := range stored {
		ids[r.ID] = true
	}
	for _, r := range added {
		assert.True(t, ids[r.ID], "entry %s lost", r.ID)
	}
	assert.Equal(t, first.ID, stored[0].ID)
	assert.Len(t, q.List(), len(stored))
}

func TestEntryQueuedDuringOutageIsWrittenLater(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(brokenStore{store}, nil)

	lost := newReport(t, model.IncidentSpeeding, nil)
	require.NoError(t, q.Enqueue(ctx, lost))
	require.False(t, store.Has(kv.KeyPendingReports))

	// the store recovers; the next change carries the earlier entry along
	q.store = store
	next := newReport(t, model.IncidentPothole, nil)
	require.NoError(t, q.Enqueue(ctx, next))

	reloaded := New(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	items := reloaded.List()
	require.Len(t, items, 2)
	assert.Equal(t, lost.ID, items[0].ID)
	assert.Equal(t, next.ID, items[1].ID)
}

func TestMemoryAttachmentSurvivesRefresh(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := New(store, nil)

	media := &model.Media{Filename: "clip.mp4", ContentType: "video/mp4", Data: []byte("mp4")}
	r := newReport(t, model.IncidentSpeeding, media)
	require.NoError(t, q.Enqueue(ctx, r))
	require.NoError(t, q.Load(ctx))

	got, err := q.Media(ctx, q.List()[0])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, media.Data, got.Data)
}
