// Package session manages the anonymous session identity that correlates a
// reporter's submissions without identifying them.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/kv"
)

const (
	idPrefix     = "session_"
	suffixLength = 9
	base36       = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Clearer empties the pending report queue. Resetting a session discards the
// reports that belonged to the old identity.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Identity reads and rotates the session id kept under kv.KeySessionID.
type Identity struct {
	store  kv.Store
	queue  Clearer
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewIdentity creates an Identity over store. queue may be nil when no
// pending queue exists yet.
func NewIdentity(store kv.Store, queue Clearer, logger *zap.Logger) *Identity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Identity{
		store:  store,
		queue:  queue,
		logger: logger,
		now:    time.Now,
	}
}

// GetOrCreate returns the stored session id, generating and persisting one on
// first use. It never returns an empty id without an error.
func (i *Identity) GetOrCreate(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	id, err := i.store.Get(ctx, kv.KeySessionID)
	switch {
	case err == nil && id != "":
		return id, nil
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		return "", fmt.Errorf("read session id: %w", err)
	}

	id, err = i.generate()
	if err != nil {
		return "", err
	}
	if err := i.store.Set(ctx, kv.KeySessionID, id); err != nil {
		return "", fmt.Errorf("persist session id: %w", err)
	}
	i.logger.Info("created session identity", zap.String("session_id", id))
	return id, nil
}

// Reset persists a fresh session id and then clears the pending queue. If the
// new id cannot be written nothing changes. If clearing fails the previous id
// is written back, so the stored id and the queue never diverge.
func (i *Identity) Reset(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	prev, err := i.store.Get(ctx, kv.KeySessionID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("read session id: %w", err)
	}

	id, err := i.generate()
	if err != nil {
		return "", err
	}
	if err := i.store.Set(ctx, kv.KeySessionID, id); err != nil {
		return "", fmt.Errorf("persist session id: %w", err)
	}

	if i.queue != nil {
		if err := i.queue.Clear(ctx); err != nil {
			if rerr := i.restore(ctx, prev); rerr != nil {
				i.logger.Error("failed to restore session id", zap.Error(rerr))
			}
			return "", fmt.Errorf("clear pending reports: %w", err)
		}
	}
	i.logger.Info("session identity reset", zap.String("session_id", id))
	return id, nil
}

func (i *Identity) restore(ctx context.Context, prev string) error {
	if prev == "" {
		return i.store.Delete(ctx, kv.KeySessionID)
	}
	return i.store.Set(ctx, kv.KeySessionID, prev)
}

func (i *Identity) generate() (string, error) {
	suffix, err := randomBase36(suffixLength)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return idPrefix + strconv.FormatInt(i.now().UnixMilli(), 10) + "_" + suffix, nil
}

func randomBase36(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for j := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[j] = base36[v.Int64()]
	}
	return string(buf), nil
}
