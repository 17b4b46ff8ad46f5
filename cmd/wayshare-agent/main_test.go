package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/config"
)

func TestSubmitOfflineThenSync(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/healthz" {
			_, _ = w.Write([]byte("ok"))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"reportId":"01HZXSERVER","sessionId":"s"}}`))
	}))
	defer backend.Close()

	cfg := config.AgentConfig{
		APIURL:       backend.URL,
		Store:        "sqlite",
		SQLitePath:   filepath.Join(t.TempDir(), "agent.db"),
		SyncInterval: time.Hour,
	}
	ctx := context.Background()
	logger := zap.NewNop()
	var out bytes.Buffer

	err := dispatch(ctx, cfg, logger, "submit", []string{"-offline", "-type", "pothole", "-lat", "52.52", "-lng", "13.405"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "queued ")
	assert.Contains(t, out.String(), "Saved, will send later")

	out.Reset()
	require.NoError(t, dispatch(ctx, cfg, logger, "queue", nil, &out))
	assert.Contains(t, out.String(), "1 pending")

	out.Reset()
	require.NoError(t, dispatch(ctx, cfg, logger, "sync", nil, &out))
	assert.Contains(t, out.String(), "submitted=1")

	out.Reset()
	require.NoError(t, dispatch(ctx, cfg, logger, "queue", nil, &out))
	assert.Contains(t, out.String(), "0 pending")
}

func TestSubmitRejectsIncompleteReport(t *testing.T) {
	cfg := config.AgentConfig{Store: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "agent.db"), SyncInterval: time.Hour}
	var out bytes.Buffer
	err := dispatch(context.Background(), cfg, zap.NewNop(), "submit", []string{"-offline", "-type", "speeding", "-lat", "1", "-lng", "1"}, &out)
	assert.ErrorContains(t, err, "licensePlate")
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := dispatch(context.Background(), config.AgentConfig{}, zap.NewNop(), "teleport", nil, &out)
	assert.Error(t, err)
}
