package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/model"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", zap.NewNop(), nil)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.PublishReportCreated(context.Background(), model.Report{ID: "r1"}))
	assert.NoError(t, p.Close())
}

func TestNewPublisherUnreachableFallsBackToNoop(t *testing.T) {
	p := NewPublisher("nats://127.0.0.1:1", zap.NewNop(), nil)
	assert.IsType(t, Noop{}, p)
}

func TestEnvelopeCarriesOnlyAnonymizedFields(t *testing.T) {
	report := model.Report{
		ID:           "01HX",
		SessionID:    "session_1_abc",
		IncidentType: model.IncidentSpeeding,
		PlateHash:    "deadbeef",
		Lat:          40.713,
		Lng:          -74.006,
		CreatedAt:    time.Now().UTC(),
	}
	assert.Equal(t, "wayshare.reports.speeding.created", Subject(report))

	b, err := json.Marshal(NewEnvelope(report))
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "deadbeef", payload["plateHash"])
	assert.NotContains(t, payload, "licensePlate")
	assert.Equal(t, "1.0.0", decoded["version"])
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.PublishReportCreated(context.Background(), model.Report{ID: "a"}))
	require.NoError(t, r.PublishReportCreated(context.Background(), model.Report{ID: "b"}))
	events := r.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Payload.(model.Report).ID)
}
