package session

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayShare/wayshare-go/internal/kv"
)

var idPattern = regexp.MustCompile(`^session_\d+_[0-9a-z]{9}$`)

type fakeQueue struct {
	cleared int
	err     error
}

func (f *fakeQueue) Clear(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.cleared++
	return nil
}

// readOnlyStore refuses writes once frozen.
type readOnlyStore struct {
	kv.Store
	frozen bool
}

func (s *readOnlyStore) Set(ctx context.Context, key, value string) error {
	if s.frozen {
		return errors.New("read-only file system")
	}
	return s.Store.Set(ctx, key, value)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	id := NewIdentity(store, nil, nil)

	first, err := id.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Regexp(t, idPattern, first)

	second, err := id.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetOrCreateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	first, err := NewIdentity(store, nil, nil).GetOrCreate(ctx)
	require.NoError(t, err)

	reloaded, err := NewIdentity(store, nil, nil).GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, reloaded)
}

func TestResetRotatesAndClearsQueue(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := &fakeQueue{}
	id := NewIdentity(store, q, nil)

	old, err := id.GetOrCreate(ctx)
	require.NoError(t, err)

	fresh, err := id.Reset(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	assert.Regexp(t, idPattern, fresh)
	assert.Equal(t, 1, q.cleared)

	current, err := id.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, current)
}

func TestResetKeepsOldIDWhenClearFails(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	q := &fakeQueue{err: errors.New("disk full")}
	id := NewIdentity(store, q, nil)

	old, err := id.GetOrCreate(ctx)
	require.NoError(t, err)

	_, err = id.Reset(ctx)
	require.Error(t, err)

	current, err := id.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, old, current)
}

func TestResetLeavesQueueWhenIDCannotBeWritten(t *testing.T) {
	ctx := context.Background()
	store := &readOnlyStore{Store: kv.NewMemory()}
	q := &fakeQueue{}
	id := NewIdentity(store, q, nil)

	old, err := id.GetOrCreate(ctx)
	require.NoError(t, err)
	store.frozen = true

	_, err = id.Reset(ctx)
	require.Error(t, err)
	assert.Zero(t, q.cleared)

	current, err := id.GetOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, old, current)
}

func TestResetWithoutPriorIDRemovesNewOneWhenClearFails(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	id := NewIdentity(store, &fakeQueue{err: errors.New("disk full")}, nil)

	_, err := id.Reset(ctx)
	require.Error(t, err)

	_, err = store.Get(ctx, kv.KeySessionID)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}
