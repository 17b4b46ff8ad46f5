// Package syncer tracks connectivity and drains the pending report queue
// while the backend is reachable.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/submit"
)

// User-facing notifications.
const (
	MsgOffline   = "You are offline. Reports will be saved and sent later."
	MsgOnline    = "Back online, syncing pending reports"
	MsgSubmitted = "Report submitted successfully"
	MsgRejected  = "A pending report was rejected and set aside"
)

// DefaultInterval is the periodic sweep interval while online.
const DefaultInterval = 30 * time.Second

// State is the connectivity state.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Notifier shows a short message to the reporter.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// Submitter sends one report.
type Submitter interface {
	Submit(ctx context.Context, report model.PendingReport) (submit.Receipt, error)
}

// Queue is the part of the pending report queue a sweep needs.
type Queue interface {
	Load(ctx context.Context) error
	List() []model.PendingReport
	Len() int
	Remove(ctx context.Context, id string)
	Update(ctx context.Context, report model.PendingReport)
	Quarantine(ctx context.Context, id, reason string) bool
	Media(ctx context.Context, report model.PendingReport) (*model.Media, error)
}

// SweepResult summarizes one pass over the queue.
type SweepResult struct {
	Attempted   int
	Submitted   int
	Failed      int
	Quarantined int
	Skipped     bool // Another sweep was already running
}

// Synchronizer is the connectivity monitor and the queue drainer.
type Synchronizer struct {
	queue      Queue
	client     Submitter
	notifier   Notifier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	quarantine bool

	sweeping sync.Mutex
	inflight sync.WaitGroup

	mu    sync.Mutex
	state State
	cron  *cron.Cron
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithInterval sets the periodic sweep interval. cron schedules at one-second granularity.
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithNotifier sets where user-facing messages go.
func WithNotifier(n Notifier) Option {
	return func(s *Synchronizer) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithQuarantine moves reports that fail with a non-retryable error out of the
// retry queue instead of retrying them forever.
func WithQuarantine(enabled bool) Option {
	return func(s *Synchronizer) { s.quarantine = enabled }
}

// WithMetrics records sweep outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithInitialState sets the state assumed before the first signal.
func WithInitialState(state State) Option {
	return func(s *Synchronizer) { s.state = state }
}

// New creates a Synchronizer. It starts Offline unless WithInitialState says otherwise;
// no sweep runs until the first transition to Online.
func New(q Queue, client Submitter, logger *zap.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		queue:    q,
		client:   client,
		notifier: NotifierFunc(func(string) {}),
		logger:   logger,
		interval: DefaultInterval,
		state:    Offline,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connectivity state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run consumes connectivity signals until ctx is done or signals is closed.
// If the initial state is Online the online transition runs first.
func (s *Synchronizer) Run(ctx context.Context, signals <-chan bool) error {
	if s.State() == Online {
		s.enterOnline(ctx, false)
	}
	defer s.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online, ok := <-signals:
			if !ok {
				return nil
			}
			s.SetOnline(ctx, online)
		}
	}
}

// SetOnline applies a connectivity signal. Repeating the current state is a no-op.
// Sweeps started by the transition use ctx.
func (s *Synchronizer) SetOnline(ctx context.Context, online bool) {
	next := Offline
	if online {
		next = Online
	}

	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Info("connectivity changed", zap.Stringer("state", next))
	if next == Online {
		s.enterOnline(ctx, true)
	} else {
		s.enterOffline()
	}
}

func (s *Synchronizer) enterOnline(ctx context.Context, announce bool) {
	s.setGauge(1)
	if announce {
		s.notifier.Notify(MsgOnline)
	}
	s.goSweep(ctx)

	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.goSweep(ctx) }))

	s.mu.Lock()
	old := s.cron
	s.cron = c
	s.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
	c.Start()
}

// enterOffline stops the periodic timer. A sweep already running finishes.
func (s *Synchronizer) enterOffline() {
	s.setGauge(0)
	s.notifier.Notify(MsgOffline)
	s.stopTimer()
}

func (s *Synchronizer) stopTimer() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		// Waits for a job that is handing off a sweep, not for the sweep itself.
		<-c.Stop().Done()
	}
}

func (s *Synchronizer) goSweep(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.Sweep(ctx)
	}()
}

// Stop halts the periodic timer and waits for running sweeps.
func (s *Synchronizer) Stop() {
	s.stopTimer()
	s.inflight.Wait()
}

// Wait blocks until every sweep started by a transition or the timer has returned.
func (s *Synchronizer) Wait() {
	s.inflight.Wait()
}

// Sweep tries every queued report once, in insertion order. Successful
// reports leave the queue; failed ones stay with their attempt count raised.
// A sweep requested while another runs is skipped.
func (s *Synchronizer) Sweep(ctx context.Context) SweepResult {
	if !s.sweeping.TryLock() {
		s.logger.Debug("sweep already running, skipping")
		s.countSweep("skipped")
		return SweepResult{Skipped: true}
	}
	defer s.sweeping.Unlock()

	// Another agent on the same store may have queued or sent reports.
	if err := s.queue.Load(ctx); err != nil {
		s.logger.Warn("queue reload failed, sweeping cached entries", zap.Error(err))
	}

	var res SweepResult
	pending := s.queue.List()
	if len(pending) == 0 {
		s.countSweep("empty")
		return res
	}
	s.logger.Info("sweeping pending reports", zap.Int("pending", len(pending)))

	for _, report := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		media, err := s.queue.Media(ctx, report)
		if err != nil {
			s.logger.Warn("attachment unavailable, sending without it",
				zap.String("report_id", report.ID), zap.Error(err))
		}
		report.Media = media

		if _, err := s.client.Submit(ctx, report); err != nil {
			if s.quarantine && !submit.IsRetryable(err) && s.queue.Quarantine(ctx, report.ID, err.Error()) {
				res.Quarantined++
				s.countReport("quarantined")
				s.notifier.Notify(MsgRejected)
				continue
			}
			report.Attempts++
			report.LastError = err.Error()
			s.queue.Update(ctx, report)
			res.Failed++
			s.countReport("failed")
			s.logger.Warn("pending report not sent",
				zap.String("report_id", report.ID),
				zap.Int("attempts", report.Attempts),
				zap.Error(err))
			continue
		}

		s.queue.Remove(ctx, report.ID)
		res.Submitted++
		s.countReport("submitted")
		s.notifier.Notify(MsgSubmitted)
	}

	s.countSweep("completed")
	if s.metrics != nil {
		s.metrics.PendingReports.Set(float64(s.queue.Len()))
	}
	s.logger.Info("sweep finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("submitted", res.Submitted),
		zap.Int("failed", res.Failed),
		zap.Int("quarantined", res.Quarantined))
	return res
}

func (s *Synchronizer) countSweep(status string) {
	if s.metrics != nil {
		s.metrics.SyncSweepTotal.WithLabelValues(status).Inc()
	}
}

func (s *Synchronizer) countReport(outcome string) {
	if s.metrics != nil {
		s.metrics.SyncReportsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Synchronizer) setGauge(v float64) {
	if s.metrics != nil {
		s.metrics.ConnectivityOnline.Set(v)
	}
}
