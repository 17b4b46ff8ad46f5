package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/auth"
	errordefs "github.com/WayShare/wayshare-go/internal/errors"
	"github.com/WayShare/wayshare-go/internal/media"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/schema"
	"github.com/WayShare/wayshare-go/internal/storage"
	"github.com/WayShare/wayshare-go/internal/telemetry"
)

// multipart overhead allowed on top of the attachment limit
const formOverhead = 1 << 20

// handleSubmitReport handles POST /api/v1/reports with idempotency support.
// The raw plate and exact location exist only inside this handler and the
// anonymizer; nothing derived from them is logged.
func (m *Mux) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "handleSubmitReport")
	defer span.End()
	defer r.Body.Close()
	cid := correlationID(ctx)

	sessionID := strings.TrimSpace(r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		span.SetStatus(codes.Error, "missing session id")
		m.writeErrorDef(w, errordefs.New(errordefs.WS_BAD_REQUEST, "x-session-id header is required", cid))
		return
	}

	var keyHash string
	stored := false
	if key := r.Header.Get(HeaderIdempotency); key != "" {
		keyHash = fmt.Sprintf("%x", sha256.Sum256([]byte(sessionID+"\x00"+key)))
		if !m.reserveIdempotencyKey(ctx, w, keyHash, cid) {
			return
		}
		// a request that ends without a stored response frees the key for a resend
		defer func() {
			if stored {
				return
			}
			if err := m.Store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), keyHash); err != nil {
				m.Logger.Warn("failed to release idempotency key", zap.Error(err))
			}
		}()
	}

	doc, attachment, perr := m.parseSubmission(w, r)
	if perr != nil {
		perr.CorrelationID = cid
		span.SetStatus(codes.Error, perr.Message)
		m.writeErrorDef(w, perr)
		return
	}
	doc["sessionId"] = sessionID

	if err := m.Validator.Validate(schema.ReportSubmission, doc); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.WS_VALIDATION, "report failed validation", cid, verr.Fields))
			return
		}
		m.Logger.Error("submission validation error", zap.Error(err), zap.String("correlation_id", cid))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_INTERNAL, "failed to validate report", cid))
		return
	}

	accountID, aerr := m.optionalAccount(r)
	if aerr != nil {
		aerr.CorrelationID = cid
		m.writeErrorDef(w, aerr)
		return
	}

	var submission model.Submission
	if err := remarshal(doc, &submission); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.WS_VALIDATION, "malformed report", cid))
		return
	}
	submission.AccountID = accountID
	submission.Media = attachment

	report := m.Anonymizer.Anonymize(submission)
	span.SetAttributes(
		attribute.String("report_id", report.ID),
		attribute.String("incident_type", string(report.IncidentType)),
		attribute.Bool("has_plate", report.PlateHash != ""),
		attribute.Bool("has_media", attachment != nil),
		attribute.Bool("authenticated", accountID != ""),
	)

	if attachment != nil {
		if m.Media == nil {
			m.Logger.Debug("media store not configured, dropping attachment", zap.String("report_id", report.ID))
		} else {
			key := media.ObjectKey(m.opts.Env, report.ID, attachment.Filename, report.CreatedAt)
			if err := m.Media.Put(ctx, key, attachment.ContentType, attachment.Data); err != nil {
				span.SetStatus(codes.Error, "media upload failed")
				m.Logger.Error("media upload failed", zap.String("report_id", report.ID), zap.Error(err))
				m.writeErrorDef(w, errordefs.New(errordefs.WS_UNAVAILABLE, "failed to store attachment", cid))
				return
			}
			report.MediaKey = key
		}
	}

	if err := m.createReport(ctx, report); err != nil {
		span.SetStatus(codes.Error, "store failed")
		m.Logger.Error("failed to store report", zap.String("report_id", report.ID), zap.Error(err))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_INTERNAL, "failed to store report", cid))
		return
	}
	if m.Metrics != nil {
		m.Metrics.ReportsCreatedTotal.WithLabelValues(string(report.IncidentType.Category())).Inc()
	}

	if err := m.Publisher.PublishReportCreated(ctx, report); err != nil {
		m.Logger.Warn("failed to publish report created event", zap.String("report_id", report.ID), zap.Error(err))
	}

	response := model.SubmitReportResponse{
		Success: true,
		Data:    model.SubmitReportData{ReportID: report.ID, SessionID: report.SessionID},
	}
	if keyHash != "" {
		body, _ := json.Marshal(response)
		if err := m.Store.StoreIdempotentResponse(ctx, keyHash, body, http.StatusOK, time.Now().UTC().Add(idempotencyTTL)); err != nil {
			m.Logger.Warn("failed to store idempotent response", zap.Error(err))
		} else {
			stored = true
		}
	}

	m.Logger.Info("report accepted",
		zap.String("report_id", report.ID),
		zap.String("incident_type", string(report.IncidentType)),
		zap.Bool("has_plate", report.PlateHash != ""),
		zap.Bool("has_media", report.MediaKey != ""),
		zap.String("correlation_id", cid),
	)
	m.writeSuccess(w, http.StatusOK, response)
}

// reserveIdempotencyKey claims keyHash for this request. A stored response is
// replayed; a key held by a request still running yields 409. It reports
// whether the caller should go on creating the report.
func (m *Mux) reserveIdempotencyKey(ctx context.Context, w http.ResponseWriter, keyHash, cid string) bool {
	err := m.Store.ReserveIdempotencyKey(ctx, keyHash, time.Now().UTC().Add(reservationTTL))
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrConflict) {
		m.Logger.Error("failed to reserve idempotency key", zap.Error(err), zap.String("correlation_id", cid))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_UNAVAILABLE, "failed to check idempotency key", cid))
		return false
	}

	body, status, err := m.Store.GetIdempotentResponse(ctx, keyHash)
	switch {
	case err == nil:
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("idempotent_replay", true))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	case errors.Is(err, storage.ErrInProgress), errors.Is(err, storage.ErrNotFound):
		m.writeErrorDef(w, errordefs.New(errordefs.WS_CONFLICT, "a report with this idempotency key is still being processed", cid))
	default:
		m.Logger.Error("failed to read idempotent response", zap.Error(err), zap.String("correlation_id", cid))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_UNAVAILABLE, "failed to check idempotency key", cid))
	}
	return false
}

func (m *Mux) createReport(ctx context.Context, report model.Report) error {
	start := time.Now()
	err := m.Store.CreateReport(ctx, report)
	if m.Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.Metrics.StorageOperationTotal.WithLabelValues("create_report", status).Inc()
		m.Metrics.StorageOperationDuration.WithLabelValues("create_report", status).Observe(time.Since(start).Seconds())
	}
	return err
}

// optionalAccount validates a bearer token when one is presented. Anonymous
// submissions return an empty account id.
func (m *Mux) optionalAccount(r *http.Request) (string, *errordefs.Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errordefs.New(errordefs.WS_AUTHN, "invalid Authorization header format", "")
	}
	accountID, err := m.Accounts.Authenticate(strings.TrimPrefix(header, "Bearer "))
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "", errordefs.New(errordefs.WS_TOKEN_EXPIRED, "access token expired", "")
	case err != nil:
		return "", errordefs.New(errordefs.WS_AUTHN, "invalid access token", "")
	}
	return accountID, nil
}

// parseSubmission reads a multipart or JSON body into a document for schema
// validation, plus the optional attachment.
func (m *Mux) parseSubmission(w http.ResponseWriter, r *http.Request) (map[string]interface{}, *model.Media, *errordefs.Error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		return m.parseMultipart(w, r)
	case "application/json", "":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		doc := make(map[string]interface{})
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, nil, errordefs.New(errordefs.WS_BAD_REQUEST, "invalid JSON", "")
		}
		normalizeNumbers(doc)
		return doc, nil, nil
	default:
		return nil, nil, errordefs.New(errordefs.WS_BAD_REQUEST, "unsupported content type "+mediaType, "")
	}
}

func (m *Mux) parseMultipart(w http.ResponseWriter, r *http.Request) (map[string]interface{}, *model.Media, *errordefs.Error) {
	r.Body = http.MaxBytesReader(w, r.Body, m.opts.MaxMediaSize+formOverhead)
	if err := r.ParseMultipartForm(formOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			return nil, nil, m.sizeError()
		}
		return nil, nil, errordefs.New(errordefs.WS_BAD_REQUEST, "invalid multipart form", "")
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	doc := make(map[string]interface{})
	for _, field := range []string{"incidentType", "subcategory", "licensePlate", "description"} {
		if v := r.FormValue(field); v != "" {
			doc[field] = v
		}
	}

	location := make(map[string]interface{})
	for _, axis := range []string{"lat", "lng"} {
		raw := r.FormValue("location[" + axis + "]")
		if raw == "" {
			continue
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			location[axis] = f
		} else {
			location[axis] = raw // left for the schema to reject
		}
	}
	if raw := r.FormValue("location"); raw != "" && len(location) == 0 {
		var loc map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &loc); err == nil {
			location = loc
		}
	}
	if len(location) > 0 {
		doc["location"] = location
	}

	file, header, err := r.FormFile("media")
	if errors.Is(err, http.ErrMissingFile) {
		return doc, nil, nil
	}
	if err != nil {
		return nil, nil, errordefs.New(errordefs.WS_BAD_REQUEST, "invalid media part", "")
	}
	defer file.Close()

	if header.Size > m.opts.MaxMediaSize {
		return nil, nil, m.sizeError()
	}
	data, err := io.ReadAll(io.LimitReader(file, m.opts.MaxMediaSize+1))
	if err != nil {
		return nil, nil, errordefs.New(errordefs.WS_BAD_REQUEST, "failed to read media", "")
	}
	if int64(len(data)) > m.opts.MaxMediaSize {
		return nil, nil, m.sizeError()
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !media.Allowed(contentType, m.opts.AllowedMimeTypes) {
		return nil, nil, errordefs.New(errordefs.WS_MEDIA_TYPE, fmt.Sprintf("media type %s is not allowed", contentType), "")
	}

	return doc, &model.Media{Filename: header.Filename, ContentType: contentType, Data: data}, nil
}

func (m *Mux) sizeError() *errordefs.Error {
	return errordefs.New(errordefs.WS_MEDIA_SIZE, fmt.Sprintf("media size exceeds limit of %d bytes", m.opts.MaxMediaSize), "")
}

// normalizeNumbers turns json.Number values into float64 so the schema sees numbers.
func normalizeNumbers(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if n, ok := val.(json.Number); ok {
				if f, err := n.Float64(); err == nil {
					t[k] = f
				}
				continue
			}
			normalizeNumbers(val)
		}
	case []interface{}:
		for _, val := range t {
			normalizeNumbers(val)
		}
	}
}

func remarshal(in interface{}, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// handleListReports handles GET /api/v1/reports for the calling session.
func (m *Mux) handleListReports(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "handleListReports")
	defer span.End()
	cid := correlationID(ctx)

	sessionID := strings.TrimSpace(r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		span.SetStatus(codes.Error, "missing session id")
		m.writeErrorDef(w, errordefs.New(errordefs.WS_BAD_REQUEST, "x-session-id header is required", cid))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.WS_VALIDATION, "invalid limit", cid,
				map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = v
	}

	result, err := m.Store.ListReports(ctx, model.ListReportsQuery{
		SessionID: sessionID,
		Limit:     limit,
		Cursor:    r.URL.Query().Get("cursor"),
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to list reports")
		if errors.Is(err, storage.ErrInvalidCursor) {
			m.writeErrorDef(w, errordefs.New(errordefs.WS_BAD_REQUEST, "invalid cursor", cid))
			return
		}
		m.Logger.Error("failed to list reports", zap.Error(err), zap.String("correlation_id", cid))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_INTERNAL, "failed to list reports", cid))
		return
	}
	if result.Reports == nil {
		result.Reports = []model.Report{}
	}
	m.writeSuccess(w, http.StatusOK, model.ListReportsResponse{Success: true, Data: *result})
}

// handleHeatmap handles GET /api/v1/reports/heatmap?since=RFC3339&incidentType=.
// Without since it aggregates the last seven days.
func (m *Mux) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "handleHeatmap")
	defer span.End()
	cid := correlationID(ctx)

	query := model.HeatmapQuery{Since: time.Now().UTC().Add(-7 * 24 * time.Hour)}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.WS_VALIDATION, "invalid since", cid,
				map[string]string{"since": "must be an RFC3339 timestamp"}))
			return
		}
		query.Since = t
	}
	if raw := r.URL.Query().Get("incidentType"); raw != "" {
		t := model.IncidentType(raw)
		if !t.Valid() {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.WS_VALIDATION, "invalid incidentType", cid,
				map[string]string{"incidentType": "unknown incident type"}))
			return
		}
		query.IncidentType = t
	}
	span.SetAttributes(attribute.String("since", query.Since.Format(time.RFC3339)),
		attribute.String("incident_type", string(query.IncidentType)))

	points, err := m.Store.Heatmap(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, "heatmap failed")
		m.Logger.Error("failed to aggregate heatmap", zap.Error(err), zap.String("correlation_id", cid))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_INTERNAL, "failed to aggregate heatmap", cid))
		return
	}
	if points == nil {
		points = []model.HeatPoint{}
	}
	m.writeSuccess(w, http.StatusOK, model.HeatmapResponse{Success: true, Data: points})
}
