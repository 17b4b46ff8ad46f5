package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pinger checks whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober turns periodic health checks into connectivity signals.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber creates a Prober checking every interval.
func NewProber(pinger Pinger, interval time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{pinger: pinger, interval: interval, timeout: timeout, logger: logger}
}

// Run probes immediately and then every interval, sending each result on
// the returned channel. The channel closes when ctx is done.
func (p *Prober) Run(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case out <- p.probe(ctx):
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(ctx); err != nil {
		p.logger.Debug("backend unreachable", zap.Error(err))
		return false
	}
	return true
}
