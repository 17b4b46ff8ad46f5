package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flakyPinger struct {
	up atomic.Bool
}

func (p *flakyPinger) Ping(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func TestProberReportsReachability(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pinger := &flakyPinger{}
	signals := NewProber(pinger, 20*time.Millisecond, nil).Run(ctx)

	assert.False(t, <-signals)

	pinger.up.Store(true)
	assert.Eventually(t, func() bool { return <-signals }, time.Second, time.Millisecond)

	cancel()
	for range signals {
	}
}
