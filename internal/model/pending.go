// internal/model/pending.go
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PendingStatus is the lifecycle state of a queued report. The queue only holds unsent items.
type PendingStatus string

const StatusPending PendingStatus = "pending"

// PendingReport is a fully formed report waiting to be resubmitted.
// The embedded draft's Media is never serialized; it survives a reload only
// when a blob store holds it under MediaKey.
type PendingReport struct {
	ReportDraft
	ID        string        `json:"id"`        // Local identifier, never a server id
	SessionID string        `json:"sessionId"` // Session identity the report belongs to
	Status    PendingStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	Attempts  int           `json:"attempts"`            // Failed resubmission attempts so far
	LastError string        `json:"lastError,omitempty"` // Most recent failure, for display only
	MediaKey  string        `json:"mediaKey,omitempty"`  // Blob store reference for the attachment
	MediaName string        `json:"mediaName,omitempty"`
	MediaType string        `json:"mediaType,omitempty"`
}

// Pending report construction errors.
var (
	ErrMissingIncidentType = errors.New("pending report requires an incident type")
	ErrMissingLocation     = errors.New("pending report requires a location")
)

// NewPendingReport converts a finished draft into a queue entry owned by sessionID.
func NewPendingReport(draft ReportDraft, sessionID string) (PendingReport, error) {
	if draft.IncidentType == "" {
		return PendingReport{}, ErrMissingIncidentType
	}
	if draft.Location == nil {
		return PendingReport{}, ErrMissingLocation
	}
	loc := *draft.Location
	draft.Location = &loc

	p := PendingReport{
		ReportDraft: draft,
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if draft.Media != nil {
		p.MediaName = draft.Media.Filename
		p.MediaType = draft.Media.ContentType
	}
	return p, nil
}
