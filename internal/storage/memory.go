// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WayShare/wayshare-go/internal/model"
)

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu               sync.RWMutex
	reports          map[string]*model.Report
	reportsBySession map[string][]*model.Report
	accounts         map[string]*model.Account // Map of account ID to account
	accountsByEmail  map[string]*model.Account
	idempotency      map[string]*IdempotentResponse // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		reports:          make(map[string]*model.Report),
		reportsBySession: make(map[string][]*model.Report),
		accounts:         make(map[string]*model.Account),
		accountsByEmail:  make(map[string]*model.Account),
		idempotency:      make(map[string]*IdempotentResponse),
	}
}

func (m *memory) CreateReport(ctx context.Context, report model.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reports[report.ID]; exists {
		return ErrConflict
	}
	reportCopy := report
	m.reports[report.ID] = &reportCopy
	m.reportsBySession[report.SessionID] = append(m.reportsBySession[report.SessionID], &reportCopy)
	return nil
}

func (m *memory) GetReport(ctx context.Context, id string) (*model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report, exists := m.reports[id]
	if !exists {
		return nil, ErrNotFound
	}
	reportCopy := *report
	return &reportCopy, nil
}

func (m *memory) ListReports(ctx context.Context, query model.ListReportsQuery) (*model.ListReportsResult, error) {
	var after *cursorData
	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		after = c
	}

	m.mu.RLock()
	reports := make([]model.Report, 0, len(m.reportsBySession[query.SessionID]))
	for _, r := range m.reportsBySession[query.SessionID] {
		reports = append(reports, *r)
	}
	m.mu.RUnlock()

	// Newest first, ID descending as a tie-breaker
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].ID > reports[j].ID
		}
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})

	start := 0
	if after != nil {
		start = len(reports)
		for i, r := range reports {
			if r.CreatedAt.Before(after.CreatedAt) || (r.CreatedAt.Equal(after.CreatedAt) && r.ID < after.ID) {
				start = i
				break
			}
		}
	}

	limit := pageSize(query.Limit)
	end := start + limit
	if end > len(reports) {
		end = len(reports)
	}

	result := &model.ListReportsResult{Reports: reports[start:end]}
	if end < len(reports) && end > start {
		last := reports[end-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func (m *memory) Heatmap(ctx context.Context, query model.HeatmapQuery) ([]model.HeatPoint, error) {
	type cell struct{ lat, lng float64 }

	m.mu.RLock()
	counts := make(map[cell]int)
	for _, r := range m.reports {
		if !query.Since.IsZero() && r.CreatedAt.Before(query.Since) {
			continue
		}
		if query.IncidentType != "" && r.IncidentType != query.IncidentType {
			continue
		}
		counts[cell{r.Lat, r.Lng}]++
	}
	m.mu.RUnlock()

	points := make([]model.HeatPoint, 0, len(counts))
	for c, n := range counts {
		points = append(points, model.HeatPoint{Lat: c.lat, Lng: c.lng, Count: n})
	}
	sortHeatPoints(points)
	return points, nil
}

func sortHeatPoints(points []model.HeatPoint) {
	sort.Slice(points, func(i, j int) bool {
		if points[i].Count != points[j].Count {
			return points[i].Count > points[j].Count
		}
		if points[i].Lat != points[j].Lat {
			return points[i].Lat < points[j].Lat
		}
		return points[i].Lng < points[j].Lng
	})
}

func (m *memory) CreateAccount(ctx context.Context, account model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(account.Email)
	if _, exists := m.accountsByEmail[email]; exists {
		return ErrConflict
	}
	if _, exists := m.accounts[account.ID]; exists {
		return ErrConflict
	}
	accountCopy := account
	accountCopy.Email = email
	m.accounts[account.ID] = &accountCopy
	m.accountsByEmail[email] = &accountCopy
	return nil
}

func (m *memory) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, exists := m.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}
	accountCopy := *account
	return &accountCopy, nil
}

func (m *memory) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, exists := m.accountsByEmail[strings.ToLower(email)]
	if !exists {
		return nil, ErrNotFound
	}
	accountCopy := *account
	return &accountCopy, nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// ReserveIdempotencyKey holds keyHash until expiresAt unless a live entry exists
func (m *memory) ReserveIdempotencyKey(ctx context.Context, keyHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.idempotency[keyHash]; ok && time.Now().UTC().Before(held.ExpiresAt) {
		return ErrConflict
	}
	m.idempotency[keyHash] = &IdempotentResponse{ExpiresAt: expiresAt}
	return nil
}

// ReleaseIdempotencyKey drops a reservation that never received a response
func (m *memory) ReleaseIdempotencyKey(ctx context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.idempotency[keyHash]; ok && held.StatusCode == 0 {
		delete(m.idempotency, keyHash)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}

	if time.Now().UTC().After(response.ExpiresAt) {
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}
	if response.StatusCode == 0 {
		return nil, 0, ErrInProgress
	}

	responseCopy := make([]byte, len(response.ResponseBody))
	copy(responseCopy, response.ResponseBody)
	return responseCopy, response.StatusCode, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}
