// Package conformance boots a complete backend for black-box tests and runs
// the API and anonymization contract checks against it.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/WayShare/wayshare-go/internal/anonymize"
	"github.com/WayShare/wayshare-go/internal/auth"
	"github.com/WayShare/wayshare-go/internal/event"
	"github.com/WayShare/wayshare-go/internal/media"
	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/schema"
	"github.com/WayShare/wayshare-go/internal/server"
	"github.com/WayShare/wayshare-go/internal/storage"
)

// Config holds configuration for the harness.
type Config struct {
	// PostgresDSN selects PostgreSQL storage; empty uses the in-memory store.
	PostgresDSN string

	// MaxMediaSize caps attachments; zero means 1 MiB.
	MaxMediaSize int64
}

// Harness is a running backend with observable side effects.
type Harness struct {
	server *httptest.Server
	Store  storage.Store
	Events *event.Recorder
	Media  *media.MemoryStore
	Logs   *observer.ObservedLogs

	mu        sync.Mutex
	dropNext  int // responses to replace with 502 after the handler ran
	available bool
}

// NewHarness starts a backend.
func NewHarness(cfg Config) (*Harness, error) {
	var store storage.Store
	if cfg.PostgresDSN != "" {
		pg, err := storage.NewPostgres(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to test database: %w", err)
		}
		store = pg
	} else {
		store = storage.NewMemory()
	}
	if cfg.MaxMediaSize == 0 {
		cfg.MaxMediaSize = 1 << 20
	}

	m := metrics.NewMetrics()
	validator, err := schema.NewValidator(m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	hasher, err := anonymize.NewHasher("conformance-salt-0123456789")
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer("conformance-secret", "wayshare-conformance")
	if err != nil {
		return nil, err
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	h := &Harness{
		Store:     store,
		Events:    &event.Recorder{},
		Media:     media.NewMemoryStore(),
		Logs:      logs,
		available: true,
	}
	handler := server.NewMux(server.Deps{
		Store:      store,
		Publisher:  h.Events,
		Validator:  validator,
		Anonymizer: anonymize.New(hasher),
		Accounts:   auth.NewAccounts(store, issuer, logger),
		Media:      h.Media,
		Metrics:    m,
		Logger:     logger,
	}, server.Options{
		Env:              "conformance",
		MaxMediaSize:     cfg.MaxMediaSize,
		AllowedMimeTypes: []string{"image/jpeg", "image/png", "video/mp4"},
	})
	h.server = httptest.NewServer(h.faults(handler))
	return h, nil
}

// faults lets tests take the backend down or lose responses after the
// request was fully processed.
func (h *Harness) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		available := h.available
		drop := h.dropNext > 0 && r.Method == http.MethodPost
		if drop {
			h.dropNext--
		}
		h.mu.Unlock()

		if !available {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if drop {
			next.ServeHTTP(httptest.NewRecorder(), r)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetAvailable toggles whether the backend answers at all.
func (h *Harness) SetAvailable(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = ok
}

// DropResponses makes the next n POST requests succeed server side while the
// client sees a 502.
func (h *Harness) DropResponses(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropNext = n
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.Store.Close()
}

// Reports returns every report stored for sessionID.
func (h *Harness) Reports(t *testing.T, sessionID string) []model.Report {
	t.Helper()
	var all []model.Report
	cursor := ""
	for {
		page, err := h.Store.ListReports(context.Background(), model.ListReportsQuery{SessionID: sessionID, Limit: 100, Cursor: cursor})
		require.NoError(t, err)
		all = append(all, page.Reports...)
		if page.NextCursor == "" {
			return all
		}
		cursor = page.NextCursor
	}
}

// AssertNoLeak fails t when a raw plate or an unrounded coordinate appears
// in stored reports, published events or captured logs.
func (h *Harness) AssertNoLeak(t *testing.T, sessionID string, plates []string, coords []float64) {
	t.Helper()

	var haystack []string
	for _, r := range h.Reports(t, sessionID) {
		b, _ := json.Marshal(r)
		haystack = append(haystack, string(b))
		assert.Equal(t, anonymize.RoundCoordinate(r.Lat), r.Lat, "stored latitude off grid")
		assert.Equal(t, anonymize.RoundCoordinate(r.Lng), r.Lng, "stored longitude off grid")
	}
	for _, e := range h.Events.Events() {
		b, _ := json.Marshal(e)
		haystack = append(haystack, string(b))
	}
	for _, entry := range h.Logs.All() {
		haystack = append(haystack, fmt.Sprintf("%s %v", entry.Message, entry.ContextMap()))
	}

	for _, text := range haystack {
		upper := strings.ToUpper(text)
		for _, p := range plates {
			assert.NotContains(t, upper, strings.ToUpper(p), "raw plate leaked")
			assert.NotContains(t, upper, anonymize.NormalizePlate(p), "normalized plate leaked")
		}
		for _, c := range coords {
			if anonymize.RoundCoordinate(c) == c {
				continue
			}
			assert.NotContains(t, text, fmt.Sprint(c), "exact coordinate leaked")
		}
	}
}

// RunConformanceTests runs the API contract checks against the harness.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("SubmitContract", h.testSubmitContract)
	t.Run("ValidationContract", h.testValidationContract)
	t.Run("Anonymization", h.testAnonymization)
	t.Run("Heatmap", h.testHeatmap)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.URL() + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

// submit posts a multipart report and decodes the envelope.
func (h *Harness) submit(t *testing.T, sessionID string, fields map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.URL()+"/api/v1/reports", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sessionID != "" {
		req.Header.Set(server.HeaderSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	return resp.StatusCode, decoded
}

func (h *Harness) testSubmitContract(t *testing.T) {
	status, body := h.submit(t, "session_1_contract", map[string]string{
		"incidentType": "debris", "location[lat]": "10.5", "location[lng]": "20.25",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.NotEmpty(t, data["reportId"])
	assert.Equal(t, "session_1_contract", data["sessionId"])

	status, body = h.submit(t, "", map[string]string{
		"incidentType": "debris", "location[lat]": "10.5", "location[lng]": "20.25",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
}

func (h *Harness) testValidationContract(t *testing.T) {
	status, body := h.submit(t, "session_1_validation", map[string]string{
		"incidentType": "red_light_violation", "location[lat]": "10.5", "location[lng]": "20.25",
	})
	require.Equal(t, http.StatusBadRequest, status)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "WS_VALIDATION", errBody["code"])
	assert.Contains(t, errBody["details"], "licensePlate")
}

func (h *Harness) testAnonymization(t *testing.T) {
	const session = "session_1_anon"
	plate, lat, lng := "wx-99 zq", 37.774929, -122.419416
	status, _ := h.submit(t, session, map[string]string{
		"incidentType":  "speeding",
		"licensePlate":  plate,
		"location[lat]": fmt.Sprint(lat),
		"location[lng]": fmt.Sprint(lng),
	})
	require.Equal(t, http.StatusOK, status)

	reports := h.Reports(t, session)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].PlateHash, 64)
	assert.InDelta(t, lat, reports[0].Lat, 0.0005+1e-9)
	assert.InDelta(t, lng, reports[0].Lng, 0.0005+1e-9)
	h.AssertNoLeak(t, session, []string{plate}, []float64{lat, lng})
}

func (h *Harness) testHeatmap(t *testing.T) {
	resp, err := http.Get(h.URL() + "/api/v1/reports/heatmap?incidentType=speeding")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded model.HeatmapResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotEmpty(t, decoded.Data)
	for _, p := range decoded.Data {
		assert.Equal(t, anonymize.RoundCoordinate(p.Lat), p.Lat)
		assert.Positive(t, p.Count)
	}
}
