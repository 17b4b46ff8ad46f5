// Package queue implements the agent's durable list of reports waiting to be
// sent. The list is kept under kv.KeyPendingReports as a JSON array. The
// stored list is authoritative: every change is a read-modify-write through
// kv.Store.Update, so agents sharing a store never overwrite each other's
// entries, and the in-memory copy is refreshed from the result.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/kv"
	"github.com/WayShare/wayshare-go/internal/model"
)

// ErrInvalidReport is returned by Enqueue for entries missing an incident type or location.
var ErrInvalidReport = errors.New("queue: report needs an incident type and a location")

// Queue is safe for concurrent use. Writes are serialized by mu, which is
// held across the store round trip.
type Queue struct {
	store  kv.Store
	blobs  kv.BlobStore
	logger *zap.Logger

	mu          sync.Mutex
	items       []model.PendingReport
	quarantined []model.PendingReport
	unsaved     []model.PendingReport // enqueued while the store was failing
}

// Option configures a Queue.
type Option func(*Queue)

// WithBlobStore keeps attachments in blobs so they survive a reload.
// Without it an attachment lives only as long as the process.
func WithBlobStore(blobs kv.BlobStore) Option {
	return func(q *Queue) { q.blobs = blobs }
}

// New creates an empty queue over store. Call Load to hydrate it.
func New(store kv.Store, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{store: store, logger: logger}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load refreshes the in-memory lists from the store, picking up entries other
// agents added or removed. Entries that never reached the store stay queued.
// Corrupt data is logged and treated as empty.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.read(ctx, kv.KeyPendingReports)
	if err != nil {
		return err
	}
	quarantined, err := q.read(ctx, kv.KeyQuarantinedReports)
	if err != nil {
		return err
	}

	q.adopt(merge(items, q.unsaved))
	q.quarantined = quarantined

	q.logger.Debug("pending reports loaded",
		zap.Int("pending", len(q.items)),
		zap.Int("quarantined", len(quarantined)))
	return nil
}

func (q *Queue) read(ctx context.Context, key string) ([]model.PendingReport, error) {
	raw, err := q.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return q.decode(key, raw), nil
}

func (q *Queue) decode(key, raw string) []model.PendingReport {
	var items []model.PendingReport
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("discarding unreadable queue data", zap.String("key", key), zap.Error(err))
		return nil
	}
	return items
}

// rewrite applies op to the list stored under key and returns the list it
// wrote. Entries in extra that the store lacks are added first.
func (q *Queue) rewrite(ctx context.Context, key string, extra []model.PendingReport, op func([]model.PendingReport) []model.PendingReport) ([]model.PendingReport, error) {
	var written []model.PendingReport
	err := q.store.Update(ctx, key, func(current string, found bool) (string, error) {
		var stored []model.PendingReport
		if found {
			stored = q.decode(key, current)
		}
		written = op(merge(stored, extra))
		if written == nil {
			written = []model.PendingReport{}
		}
		raw, err := json.Marshal(written)
		return string(raw), err
	})
	if err != nil {
		q.logger.Error("failed to persist queue", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	return written, nil
}

// adopt replaces the pending list with stored, keeping attachments that only
// live in memory.
func (q *Queue) adopt(stored []model.PendingReport) {
	media := make(map[string]*model.Media, len(q.items))
	for _, r := range q.items {
		if r.Media != nil {
			media[r.ID] = r.Media
		}
	}
	items := cloneList(stored)
	for i := range items {
		if items[i].Media == nil {
			items[i].Media = media[items[i].ID]
		}
	}
	q.items = items
}

// Enqueue appends report and persists the list. A persistence failure is
// logged and swallowed: the report stays queued in memory and is written with
// the next successful change.
func (q *Queue) Enqueue(ctx context.Context, report model.PendingReport) error {
	if report.IncidentType == "" || report.Location == nil {
		return ErrInvalidReport
	}
	if report.Status == "" {
		report.Status = model.StatusPending
	}

	if q.blobs != nil && report.Media != nil && len(report.Media.Data) > 0 {
		if err := q.blobs.PutBlob(ctx, report.ID, report.Media.Data); err != nil {
			q.logger.Warn("attachment kept in memory only",
				zap.String("report_id", report.ID), zap.Error(err))
		} else {
			report.MediaKey = report.ID
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	add := func(list []model.PendingReport) []model.PendingReport {
		return merge(list, []model.PendingReport{report})
	}
	if written, err := q.rewrite(ctx, kv.KeyPendingReports, q.unsaved, add); err == nil {
		q.items = append(q.items, report) // carries the in-memory attachment into adopt
		q.adopt(written)
		q.unsaved = nil
	} else {
		q.items = add(q.items)
		q.unsaved = add(q.unsaved)
	}

	q.logger.Info("report queued",
		zap.String("report_id", report.ID),
		zap.String("incident_type", string(report.IncidentType)),
		zap.Int("pending", len(q.items)))
	return nil
}

// Remove drops the entry with id. Unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed, ok := find(q.items, id)
	drop := func(list []model.PendingReport) []model.PendingReport {
		if r, hit := take(&list, id); hit && !ok {
			removed, ok = r, true
		}
		return list
	}
	if written, err := q.rewrite(ctx, kv.KeyPendingReports, q.unsaved, drop); err == nil {
		q.adopt(written)
		q.unsaved = nil
	} else {
		q.items = drop(q.items)
		q.unsaved = drop(q.unsaved)
	}
	if ok {
		q.dropBlob(ctx, removed)
	}
}

// Update replaces the entry sharing report's id. Unknown ids are ignored,
// including entries another agent already removed.
func (q *Queue) Update(ctx context.Context, report model.PendingReport) {
	q.mu.Lock()
	defer q.mu.Unlock()

	replace := func(list []model.PendingReport) []model.PendingReport {
		for i := range list {
			if list[i].ID == report.ID {
				list[i] = report
				break
			}
		}
		return list
	}
	if written, err := q.rewrite(ctx, kv.KeyPendingReports, q.unsaved, replace); err == nil {
		q.items = replace(q.items)
		q.adopt(written)
		q.unsaved = nil
	} else {
		q.items = replace(q.items)
		q.unsaved = replace(q.unsaved)
	}
}

// Quarantine moves the entry with id out of the retry list, recording reason.
// It reports whether the entry existed.
func (q *Queue) Quarantine(ctx context.Context, id, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	report, ok := find(q.items, id)
	drop := func(list []model.PendingReport) []model.PendingReport {
		if r, hit := take(&list, id); hit && !ok {
			report, ok = r, true
		}
		return list
	}
	if written, err := q.rewrite(ctx, kv.KeyPendingReports, q.unsaved, drop); err == nil {
		q.adopt(written)
		q.unsaved = nil
	} else {
		q.items = drop(q.items)
		q.unsaved = drop(q.unsaved)
	}
	if !ok {
		return false
	}

	report.LastError = reason
	report.Media = nil
	add := func(list []model.PendingReport) []model.PendingReport {
		return merge(list, []model.PendingReport{report})
	}
	if written, err := q.rewrite(ctx, kv.KeyQuarantinedReports, nil, add); err == nil {
		q.quarantined = written
	} else {
		q.quarantined = add(q.quarantined)
	}
	q.logger.Warn("report quarantined", zap.String("report_id", id), zap.String("reason", reason))
	return true
}

// Clear empties both lists and deletes their keys along with any stored attachments.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.read(ctx, kv.KeyPendingReports)
	if err != nil {
		return err
	}
	dropped := merge(merge(stored, q.items), q.quarantined)

	if err := q.store.Delete(ctx, kv.KeyPendingReports); err != nil {
		return fmt.Errorf("clear pending reports: %w", err)
	}
	if err := q.store.Delete(ctx, kv.KeyQuarantinedReports); err != nil {
		return fmt.Errorf("clear quarantined reports: %w", err)
	}
	q.items = nil
	q.quarantined = nil
	q.unsaved = nil
	for _, r := range dropped {
		q.dropBlob(ctx, r)
	}
	q.logger.Info("pending reports cleared", zap.Int("dropped", len(dropped)))
	return nil
}

// List returns a snapshot of the pending entries in insertion order.
func (q *Queue) List() []model.PendingReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.items)
}

// Quarantined returns a snapshot of the quarantined entries.
func (q *Queue) Quarantined() []model.PendingReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneList(q.quarantined)
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Media returns the attachment for report, from memory or the blob store.
// It returns nil when the report has none or it did not survive a reload.
func (q *Queue) Media(ctx context.Context, report model.PendingReport) (*model.Media, error) {
	if report.Media != nil {
		return report.Media, nil
	}
	if report.MediaKey == "" || q.blobs == nil {
		return nil, nil
	}
	data, err := q.blobs.GetBlob(ctx, report.MediaKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", report.MediaKey, err)
	}
	return &model.Media{Filename: report.MediaName, ContentType: report.MediaType, Data: data}, nil
}

func (q *Queue) dropBlob(ctx context.Context, r model.PendingReport) {
	if q.blobs == nil || r.MediaKey == "" {
		return
	}
	if err := q.blobs.DeleteBlob(ctx, r.MediaKey); err != nil {
		q.logger.Warn("failed to delete attachment", zap.String("report_id", r.ID), zap.Error(err))
	}
}

func take(items *[]model.PendingReport, id string) (model.PendingReport, bool) {
	for i, r := range *items {
		if r.ID == id {
			*items = append((*items)[:i:i], (*items)[i+1:]...)
			return r, true
		}
	}
	return model.PendingReport{}, false
}

func find(items []model.PendingReport, id string) (model.PendingReport, bool) {
	for _, r := range items {
		if r.ID == id {
			return r, true
		}
	}
	return model.PendingReport{}, false
}

// merge returns base followed by the entries of extra whose ids base lacks.
func merge(base, extra []model.PendingReport) []model.PendingReport {
	out := cloneList(base)
	for _, r := range extra {
		if _, ok := find(out, r.ID); !ok {
			out = append(out, r)
		}
	}
	return out
}

func cloneList(items []model.PendingReport) []model.PendingReport {
	if items == nil {
		return nil
	}
	out := make([]model.PendingReport, len(items))
	copy(out, items)
	return out
}
