// internal/model/report.go
package model

import "time"

// Report is an anonymized incident as the backend persists it.
// It never holds a raw license plate or unrounded coordinates.
// This corresponds to the reports table in storage.
type Report struct {
	ID           string       `json:"id" db:"id"`                          // ULID assigned by the backend
	SessionID    string       `json:"sessionId" db:"session_id"`           // Anonymous correlation token
	AccountID    string       `json:"accountId,omitempty" db:"account_id"` // Set when the reporter was signed in
	IncidentType IncidentType `json:"incidentType" db:"incident_type"`
	Subcategory  string       `json:"subcategory,omitempty" db:"subcategory"`
	PlateHash    string       `json:"plateHash,omitempty" db:"plate_hash"` // Salted one-way hash of the normalized plate
	Lat          float64      `json:"lat" db:"lat"`                        // Rounded to the anonymization grid
	Lng          float64      `json:"lng" db:"lng"`                        // Rounded to the anonymization grid
	Description  string       `json:"description,omitempty" db:"description"`
	MediaKey     string       `json:"mediaKey,omitempty" db:"media_key"`
	CreatedAt    time.Time    `json:"createdAt" db:"created_at"`
}

// HeatPoint is one aggregated cell of the heat map.
type HeatPoint struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Count int     `json:"count"`
}

// HeatmapQuery filters the aggregation window.
type HeatmapQuery struct {
	Since        time.Time    // Only count reports created at or after this time
	IncidentType IncidentType // Optional type filter
}

// Account is a registered reporter.
// This corresponds to the accounts table in storage.
type Account struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Submission is a report as received on the wire, before anonymization.
// Only the anonymizer reads LicensePlate.
type Submission struct {
	SessionID    string       `json:"sessionId"`
	AccountID    string       `json:"-"`
	IncidentType IncidentType `json:"incidentType"`
	Subcategory  string       `json:"subcategory,omitempty"`
	LicensePlate string       `json:"licensePlate,omitempty"`
	Location     Location     `json:"location"`
	Description  string       `json:"description,omitempty"`
	Media        *Media       `json:"-"`
}

// SubmitReportResponse is the success body of POST /api/v1/reports.
type SubmitReportResponse struct {
	Success bool             `json:"success"`
	Data    SubmitReportData `json:"data"`
}

// SubmitReportData carries the identifiers of a stored report.
type SubmitReportData struct {
	ReportID  string `json:"reportId"`
	SessionID string `json:"sessionId"`
}

// HeatmapResponse is the success body of GET /api/v1/reports/heatmap.
type HeatmapResponse struct {
	Success bool        `json:"success"`
	Data    []HeatPoint `json:"data"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// ErrorBody describes a failure; Details carries per-field validation messages.
type ErrorBody struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// Credentials is the body of the register and login endpoints.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /api/v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenPair is an access token with the refresh token that renews it.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// TokenResponse wraps a TokenPair in the standard envelope.
type TokenResponse struct {
	Success bool      `json:"success"`
	Data    TokenPair `json:"data"`
}

// ListReportsQuery selects a page of one session's reports, newest first.
type ListReportsQuery struct {
	SessionID string
	Limit     int
	Cursor    string
}

// ListReportsResult is a page of reports.
type ListReportsResult struct {
	Reports    []Report `json:"reports"`
	NextCursor string   `json:"cursor,omitempty"`
}

// ListReportsResponse is the success body of GET /api/v1/reports.
type ListReportsResponse struct {
	Success bool              `json:"success"`
	Data    ListReportsResult `json:"data"`
}
