// Package storage persists anonymized reports and accounts, with in-memory
// and PostgreSQL backends.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/WayShare/wayshare-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record already exists

	// ErrInProgress is returned for an idempotency key that is reserved but has no response yet.
	ErrInProgress = errors.New("request in progress")
)

// Page size limits for ListReports.
const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// Store defines the storage operations required by the backend.
// Only anonymized reports reach it.
type Store interface {
	CreateReport(ctx context.Context, report model.Report) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	ListReports(ctx context.Context, query model.ListReportsQuery) (*model.ListReportsResult, error)
	Heatmap(ctx context.Context, query model.HeatmapQuery) ([]model.HeatPoint, error)

	CreateAccount(ctx context.Context, account model.Account) error // ErrConflict when the email is taken
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)

	// Idempotency cache for resubmitted reports. A key is reserved before the
	// report is created; ReserveIdempotencyKey returns ErrConflict while another
	// reservation or a stored response holds it.
	ReserveIdempotencyKey(ctx context.Context, keyHash string, expiresAt time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, keyHash string) error
	StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error)

	Ping(ctx context.Context) error
	Close()
}

// cursorData represents the data encoded in a pagination cursor
type cursorData struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func encodeCursor(createdAt time.Time, id string) string {
	b, _ := json.Marshal(cursorData{CreatedAt: createdAt, ID: id})
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (*cursorData, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor format: %w", err)
	}
	var data cursorData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("invalid cursor data: %w", err)
	}
	return &data, nil
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

// ErrInvalidCursor is returned by ListReports for a cursor it did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")
