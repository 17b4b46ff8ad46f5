package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayShare/wayshare-go/internal/config"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/syncer"
)

func acceptingBackend(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"reportId":"01HZXSERVER","sessionId":"` +
			r.Header.Get("x-session-id") + `"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := OpenStore(ctx, config.AgentConfig{Store: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "a.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	mr := miniredis.RunT(t)
	store, err = OpenStore(ctx, config.AgentConfig{Store: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = OpenStore(ctx, config.AgentConfig{Store: "floppy"})
	assert.Error(t, err)
}

func TestRuntimeQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	var hits int32
	backend := acceptingBackend(t, &hits)
	cfg := config.AgentConfig{
		APIURL:       backend.URL,
		Store:        "sqlite",
		SQLitePath:   filepath.Join(t.TempDir(), "agent.db"),
		PersistMedia: true,
		SyncInterval: time.Hour,
	}

	store, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	rt, err := Open(ctx, cfg, store, nil, nil, syncer.Offline)
	require.NoError(t, err)

	draft := speedingDraft()
	draft.Media = &model.Media{Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte("jpeg")}
	out, err := rt.Submit(ctx, draft)
	require.NoError(t, err)
	require.True(t, out.Queued)
	sessionID, err := rt.SessionID(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.Close())
	assert.Zero(t, atomic.LoadInt32(&hits))

	store, err = OpenStore(ctx, cfg)
	require.NoError(t, err)
	rt, err = Open(ctx, cfg, store, nil, nil, syncer.Online)
	require.NoError(t, err)
	defer rt.Close()

	again, err := rt.SessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessionID, again)
	require.Len(t, rt.Pending(), 1)

	result := rt.Sync(ctx)
	assert.Equal(t, 1, result.Submitted)
	assert.Empty(t, rt.Pending())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRuntimeWithRedis(t *testing.T) {
	ctx := context.Background()
	var hits int32
	backend := acceptingBackend(t, &hits)
	mr := miniredis.RunT(t)
	cfg := config.AgentConfig{APIURL: backend.URL, Store: "redis", RedisAddr: mr.Addr(), SyncInterval: time.Hour}

	store, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	rt, err := Open(ctx, cfg, store, nil, nil, syncer.Online)
	require.NoError(t, err)
	defer rt.Close()

	out, err := rt.Submit(ctx, speedingDraft())
	require.NoError(t, err)
	assert.True(t, out.Sent)
	assert.Equal(t, "01HZXSERVER", out.ServerID)
}
