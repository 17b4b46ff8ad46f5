// Package submit sends reports to the Way-Share backend and normalizes every
// failure into a Failure.
package submit

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/model"
)

// ReportsPath is the submission endpoint.
const ReportsPath = "/api/v1/reports"

// SessionHeader carries the anonymous session id.
const SessionHeader = "x-session-id"

// IdempotencyHeader carries the pending report's local id so the backend can
// answer a resubmission with the original receipt.
const IdempotencyHeader = "Idempotency-Key"

// Receipt identifies a report the backend accepted.
type Receipt struct {
	ServerID  string
	SessionID string
}

// Client submits reports. Delivery is at-least-once; the backend collapses
// resubmissions of one pending report while it still remembers the key.
type Client struct {
	http   *resty.Client
	tokens *TokenSource
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource authenticates submissions with a bearer token.
func WithTokenSource(tokens *TokenSource) Option {
	return func(c *Client) { c.tokens = tokens }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30*time.Second).
			SetHeader("Accept", "application/json"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts report as a multipart form. Every error it returns is a *Failure.
func (c *Client) Submit(ctx context.Context, report model.PendingReport) (Receipt, error) {
	if report.Location == nil {
		return Receipt{}, &Failure{Kind: KindValidation, Message: "location is required",
			Fields: map[string]string{"location": "is required"}}
	}

	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}

	receipt, err := c.post(ctx, report, token)
	if f, ok := AsFailure(err); ok && f.Status == http.StatusUnauthorized && c.tokens != nil {
		fresh, rerr := c.tokens.Refresh(ctx, token)
		switch rf, ok := AsFailure(rerr); {
		case rerr == nil:
			receipt, err = c.post(ctx, report, fresh)
		case ok && rf.Kind != KindAuth:
			// transient; the credentials are kept and the report retried later
			err = rf
		default:
			c.logger.Warn("token refresh failed", zap.Error(rerr))
			err = &Failure{Kind: KindAuth, Status: http.StatusUnauthorized,
				Message: "session expired, sign in again", Err: rerr}
		}
	}

	fields := []zap.Field{
		zap.String("report_id", report.ID),
		zap.String("incident_type", string(report.IncidentType)),
		zap.Bool("has_plate", report.LicensePlate != ""),
		zap.Bool("has_media", report.Media != nil),
	}
	if err != nil {
		c.logger.Warn("report submission failed", append(fields, zap.Error(err))...)
		return Receipt{}, err
	}
	c.logger.Info("report submitted", append(fields, zap.String("server_id", receipt.ServerID))...)
	return receipt, nil
}

func (c *Client) post(ctx context.Context, report model.PendingReport, token string) (Receipt, error) {
	form := map[string]string{
		"incidentType":  string(report.IncidentType),
		"location[lat]": strconv.FormatFloat(report.Location.Lat, 'f', -1, 64),
		"location[lng]": strconv.FormatFloat(report.Location.Lng, 'f', -1, 64),
	}
	if report.LicensePlate != "" {
		form["licensePlate"] = report.LicensePlate
	}
	if report.Subcategory != "" {
		form["subcategory"] = report.Subcategory
	}
	if report.Description != "" {
		form["description"] = report.Description
	}

	var result model.SubmitReportResponse
	var apiErr model.ErrorResponse
	req := c.http.R().
		SetContext(ctx).
		SetHeader(SessionHeader, report.SessionID).
		SetHeader(IdempotencyHeader, report.ID).
		SetMultipartFormData(form).
		SetResult(&result).
		SetError(&apiErr)
	if token != "" {
		req.SetAuthToken(token)
	}
	if m := report.Media; m != nil && len(m.Data) > 0 {
		req.SetMultipartField("media", m.Filename, m.ContentType, bytes.NewReader(m.Data))
	}

	resp, err := req.Post(ReportsPath)
	if err != nil {
		return Receipt{}, &Failure{Kind: KindNetwork, Message: networkMessage(ctx, err), Err: err}
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		if !result.Success || result.Data.ReportID == "" {
			return Receipt{}, &Failure{Kind: KindServer, Status: status, Message: "malformed response"}
		}
		return Receipt{ServerID: result.Data.ReportID, SessionID: result.Data.SessionID}, nil
	}
	return Receipt{}, classify(status, apiErr.Error)
}

func classify(status int, body model.ErrorBody) *Failure {
	f := &Failure{Status: status, Code: body.Code, Message: body.Message, Fields: body.Details}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		f.Kind = KindValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		f.Kind = KindAuth
	case status == http.StatusRequestEntityTooLarge:
		f.Kind = KindPayloadTooLarge
	default:
		f.Kind = KindServer
	}
	if f.Message == "" {
		f.Message = http.StatusText(status)
	}
	return f
}

func networkMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "backend unreachable"
	}
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return &Failure{Kind: KindNetwork, Message: networkMessage(ctx, err), Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return classify(resp.StatusCode(), model.ErrorBody{})
	}
	return nil
}
