package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/auth"
	errordefs "github.com/WayShare/wayshare-go/internal/errors"
	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/schema"
	"github.com/WayShare/wayshare-go/internal/telemetry"
)

// handleRegister handles POST /api/v1/auth/register
func (m *Mux) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "handleRegister")
	defer span.End()

	creds, ok := m.decodeCredentials(w, r)
	if !ok {
		span.SetStatus(codes.Error, "invalid credentials payload")
		return
	}
	pair, err := m.Accounts.Register(ctx, creds.Email, creds.Password)
	if err != nil {
		span.SetStatus(codes.Error, "register failed")
		m.writeAuthError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, model.TokenResponse{Success: true, Data: pair})
}

// handleLogin handles POST /api/v1/auth/login
func (m *Mux) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "handleLogin")
	defer span.End()

	creds, ok := m.decodeCredentials(w, r)
	if !ok {
		span.SetStatus(codes.Error, "invalid credentials payload")
		return
	}
	pair, err := m.Accounts.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		span.SetStatus(codes.Error, "login failed")
		m.writeAuthError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.TokenResponse{Success: true, Data: pair})
}

// handleRefresh handles POST /api/v1/auth/refresh
func (m *Mux) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), "handleRefresh")
	defer span.End()
	defer r.Body.Close()

	var req model.RefreshRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil || req.RefreshToken == "" {
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.WS_VALIDATION, "refreshToken is required", correlationID(ctx),
			map[string]string{"refreshToken": "is required"}))
		return
	}
	pair, err := m.Accounts.Refresh(ctx, req.RefreshToken)
	if err != nil {
		span.SetStatus(codes.Error, "refresh failed")
		m.writeAuthError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.TokenResponse{Success: true, Data: pair})
}

func (m *Mux) decodeCredentials(w http.ResponseWriter, r *http.Request) (model.Credentials, bool) {
	defer r.Body.Close()
	cid := correlationID(r.Context())

	doc := make(map[string]interface{})
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&doc); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.WS_BAD_REQUEST, "invalid JSON", cid))
		return model.Credentials{}, false
	}
	if err := m.Validator.Validate(schema.AuthCredentials, doc); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.WS_VALIDATION, "invalid credentials", cid, verr.Fields))
		} else {
			m.writeErrorDef(w, errordefs.New(errordefs.WS_INTERNAL, "failed to validate credentials", cid))
		}
		return model.Credentials{}, false
	}

	var creds model.Credentials
	if err := remarshal(doc, &creds); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.WS_BAD_REQUEST, "invalid JSON", cid))
		return model.Credentials{}, false
	}
	return creds, true
}

func (m *Mux) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	cid := correlationID(r.Context())
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		m.writeErrorDef(w, errordefs.New(errordefs.WS_CONFLICT, "email already registered", cid))
	case errors.Is(err, auth.ErrInvalidCredentials):
		m.writeErrorDef(w, errordefs.New(errordefs.WS_AUTHN, "invalid email or password", cid))
	case errors.Is(err, auth.ErrTokenExpired):
		m.writeErrorDef(w, errordefs.New(errordefs.WS_TOKEN_EXPIRED, "refresh token expired", cid))
	case errors.Is(err, auth.ErrTokenInvalid):
		m.writeErrorDef(w, errordefs.New(errordefs.WS_AUTHN, "invalid refresh token", cid))
	default:
		m.Logger.Error("auth request failed", zap.Error(err), zap.String("correlation_id", cid))
		m.writeErrorDef(w, errordefs.New(errordefs.WS_INTERNAL, "authentication failed", cid))
	}
}
