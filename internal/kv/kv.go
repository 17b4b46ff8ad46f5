// internal/kv/kv.go
// Package kv provides the agent's durable key/value storage.
// It plays the role a browser's local storage plays for a web client: small
// string values under well-known keys, plus a blob area for report attachments.
package kv

import (
	"context"
	"errors"
)

// Well-known keys.
const (
	KeySessionID          = "wayshare_session_id"
	KeyPendingReports     = "wayshare_pending_reports"
	KeyQuarantinedReports = "wayshare_quarantined_reports"
	KeyAuthTokens         = "wayshare_auth_tokens"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error) // ErrNotFound when absent
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error // Deleting an absent key is not an error

	// Update rewrites key with the value fn derives from the current one.
	// No other writer of the same store can change key between the read and
	// the write. fn may run more than once and must not have side effects
	// beyond its return value. found is false when key has no value.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

// UpdateFunc maps the current value of a key to its next value.
type UpdateFunc func(current string, found bool) (string, error)

// BlobStore keeps binary attachments keyed by report id.
type BlobStore interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error) // ErrNotFound when absent
	DeleteBlob(ctx context.Context, key string) error
}
