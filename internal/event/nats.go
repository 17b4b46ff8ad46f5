// Package event publishes report events to NATS JetStream so downstream
// consumers (heat map refreshers, moderation) can react to new reports.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/model"
)

// Stream settings.
const (
	StreamName     = "WS_REPORTS"
	subjectPattern = "wayshare.reports.>"
	dedupWindow    = 2 * time.Minute
)

// Publisher emits report events.
type Publisher interface {
	PublishReportCreated(ctx context.Context, report model.Report) error
	Close() error
}

// Envelope wraps every published event.
type Envelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Subject returns the subject a report event is published on.
func Subject(report model.Report) string {
	return fmt.Sprintf("wayshare.reports.%s.created", report.IncidentType)
}

// NewEnvelope wraps an anonymized report. The report is the only payload
// and it carries no plate or precise location.
func NewEnvelope(report model.Report) Envelope {
	return Envelope{
		Type:          "wayshare.reports.created",
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Payload:       report,
	}
}

// Noop drops every event. It is used when NATS is not configured.
type Noop struct{}

func (Noop) PublishReportCreated(ctx context.Context, report model.Report) error { return nil }
func (Noop) Close() error                                                        { return nil }

type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	dedup map[string]time.Time // report id -> last publish
}

// NewPublisher connects to url and ensures the report stream exists. An empty
// url or any connection failure yields a Noop publisher.
func NewPublisher(url string, logger *zap.Logger, m *metrics.Metrics) Publisher {
	if url == "" {
		return Noop{}
	}

	nc, err := nats.Connect(url, nats.Name("wayshared"))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", zap.Error(err))
		return Noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", zap.Error(err))
		nc.Close()
		return Noop{}
	}
	if err := initStream(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", zap.Error(err))
		nc.Close()
		return Noop{}
	}

	return &natsPub{nc: nc, js: js, logger: logger, metrics: m, dedup: make(map[string]time.Time)}
}

func initStream(js nats.JetStreamContext) error {
	cfg := &nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPattern},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	}
	if _, err := js.StreamInfo(StreamName); err == nil {
		_, err = js.UpdateStream(cfg)
		return err
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) seenRecently(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.dedup[id]
	return ok && time.Since(last) < dedupWindow
}

func (p *natsPub) markPublished(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-2 * dedupWindow)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[id] = time.Now()
}

// PublishReportCreated publishes report on its incident-type subject.
// The report id doubles as the JetStream message id.
func (p *natsPub) PublishReportCreated(ctx context.Context, report model.Report) error {
	if p.seenRecently(report.ID) {
		return nil
	}

	start := time.Now()
	status := "success"
	defer func() {
		if p.metrics != nil {
			p.metrics.EventPublishTotal.WithLabelValues("report_created", status).Inc()
			p.metrics.EventPublishDuration.WithLabelValues("report_created", status).Observe(time.Since(start).Seconds())
		}
	}()

	b, err := json.Marshal(NewEnvelope(report))
	if err != nil {
		status = "error"
		return err
	}
	if _, err := p.js.Publish(Subject(report), b, nats.MsgId(report.ID), nats.Context(ctx)); err != nil {
		status = "error"
		return err
	}
	p.markPublished(report.ID)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) PublishReportCreated(ctx context.Context, report model.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, NewEnvelope(report))
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}
