// Package agent wires the reporting client together: session identity,
// pending queue, submission client and synchronizer behind one object.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/queue"
	"github.com/WayShare/wayshare-go/internal/session"
	"github.com/WayShare/wayshare-go/internal/syncer"
)

// MsgQueued is shown when a report is kept for later delivery.
const MsgQueued = "Saved, will send later"

// Deps are the collaborators a Service needs.
type Deps struct {
	Identity *session.Identity
	Queue    *queue.Queue
	Client   syncer.Submitter
	Sync     *syncer.Synchronizer
	Notifier syncer.Notifier
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Outcome tells the caller what happened to a submitted draft.
type Outcome struct {
	Sent      bool   // Accepted by the backend now
	Queued    bool   // Stored for a later sweep
	ServerID  string // Backend id when Sent
	PendingID string // Local id when Queued
	Cause     error  // Failure that forced queueing, nil when offline
}

// Service is the reporting client.
type Service struct {
	identity *session.Identity
	queue    *queue.Queue
	client   syncer.Submitter
	sync     *syncer.Synchronizer
	notifier syncer.Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a Service from deps.
func New(deps Deps) *Service {
	s := &Service{
		identity: deps.Identity,
		queue:    deps.Queue,
		client:   deps.Client,
		sync:     deps.Sync,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.notifier == nil {
		s.notifier = syncer.NotifierFunc(func(string) {})
	}
	return s
}

// Submit validates draft and sends it when online. When offline, or when
// sending fails for any reason, the report is queued and Submit still succeeds.
func (s *Service) Submit(ctx context.Context, draft model.ReportDraft) (Outcome, error) {
	if err := draft.Validate(); err != nil {
		return Outcome{}, err
	}

	sessionID, err := s.identity.GetOrCreate(ctx)
	if err != nil {
		return Outcome{}, err
	}
	report, err := model.NewPendingReport(draft, sessionID)
	if err != nil {
		return Outcome{}, err
	}

	var cause error
	if s.sync.State() == syncer.Online {
		receipt, err := s.client.Submit(ctx, report)
		if err == nil {
			s.notifier.Notify(syncer.MsgSubmitted)
			return Outcome{Sent: true, ServerID: receipt.ServerID}, nil
		}
		cause = err
		s.logger.Info("submission failed, queueing report",
			zap.String("report_id", report.ID), zap.Error(err))
	}

	if err := s.queue.Enqueue(ctx, report); err != nil {
		return Outcome{}, fmt.Errorf("queue report: %w", err)
	}
	s.observeQueue()
	s.notifier.Notify(MsgQueued)
	return Outcome{Queued: true, PendingID: report.ID, Cause: cause}, nil
}

// SessionID returns the current session id, creating one if needed.
func (s *Service) SessionID(ctx context.Context) (string, error) {
	return s.identity.GetOrCreate(ctx)
}

// ResetSession discards every pending report and starts a new session.
func (s *Service) ResetSession(ctx context.Context) (string, error) {
	id, err := s.identity.Reset(ctx)
	if err != nil {
		return "", err
	}
	s.observeQueue()
	return id, nil
}

// Pending lists queued reports.
func (s *Service) Pending() []model.PendingReport {
	return s.queue.List()
}

// Quarantined lists reports set aside after a permanent rejection.
func (s *Service) Quarantined() []model.PendingReport {
	return s.queue.Quarantined()
}

// SetOnline forwards a connectivity signal to the synchronizer.
func (s *Service) SetOnline(ctx context.Context, online bool) {
	s.sync.SetOnline(ctx, online)
}

// Sync runs one sweep now.
func (s *Service) Sync(ctx context.Context) syncer.SweepResult {
	return s.sync.Sweep(ctx)
}

// Run follows connectivity signals until ctx is done.
func (s *Service) Run(ctx context.Context, signals <-chan bool) error {
	return s.sync.Run(ctx, signals)
}

// Close stops the periodic sweep and waits for a running one.
func (s *Service) Close() {
	s.sync.Stop()
}

func (s *Service) observeQueue() {
	if s.metrics != nil {
		s.metrics.PendingReports.Set(float64(s.queue.Len()))
	}
}
