package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/WayShare/wayshare-go/internal/kv"
	"github.com/WayShare/wayshare-go/internal/model"
)

// ErrNoCredentials is returned when a refresh is needed but no refresh token is held.
var ErrNoCredentials = errors.New("submit: no credentials")

// refreshTimeout bounds a refresh flight, which outlives the caller that started it.
const refreshTimeout = 15 * time.Second

// TokenSource holds the reporter's access and refresh tokens. Concurrent
// refreshes collapse into one call to the backend.
type TokenSource struct {
	http   *resty.Client
	store  kv.Store
	logger *zap.Logger
	group  singleflight.Group

	mu   sync.RWMutex
	pair model.TokenPair
}

// NewTokenSource creates a TokenSource talking to baseURL. When store is non-nil
// the pair is kept under kv.KeyAuthTokens.
func NewTokenSource(baseURL string, store kv.Store, logger *zap.Logger) *TokenSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &TokenSource{http: client, store: store, logger: logger}
}

// Load restores a previously saved pair. A missing pair is not an error.
func (s *TokenSource) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	raw, err := s.store.Get(ctx, kv.KeyAuthTokens)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tokens: %w", err)
	}
	var pair model.TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		s.logger.Warn("discarding unreadable tokens", zap.Error(err))
		return nil
	}
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

// Token returns the current access token, or "" when signed out.
func (s *TokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.AccessToken
}

// Set replaces the held pair and saves it.
func (s *TokenSource) Set(ctx context.Context, pair model.TokenPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	raw, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, kv.KeyAuthTokens, string(raw))
}

// Clear forgets the held pair.
func (s *TokenSource) Clear(ctx context.Context) {
	s.mu.Lock()
	s.pair = model.TokenPair{}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(ctx, kv.KeyAuthTokens); err != nil {
			s.logger.Warn("failed to delete tokens", zap.Error(err))
		}
	}
}

// Login exchanges credentials for a token pair and keeps it.
func (s *TokenSource) Login(ctx context.Context, email, password string) error {
	pair, err := s.exchange(ctx, "/api/v1/auth/login", model.Credentials{Email: email, Password: password})
	if err != nil {
		return err
	}
	return s.Set(ctx, pair)
}

// Refresh obtains a new access token. stale is the token the caller was
// rejected with; if another caller already replaced it the current token is
// returned without contacting the backend. The pair is cleared only when the
// backend rejects the refresh token; network and server failures keep it for
// a later retry. The flight is not cancelled with the caller that started it,
// since other callers may be waiting on it.
func (s *TokenSource) Refresh(ctx context.Context, stale string) (string, error) {
	s.mu.RLock()
	current, refresh := s.pair.AccessToken, s.pair.RefreshToken
	s.mu.RUnlock()

	if current != "" && current != stale {
		return current, nil
	}
	if refresh == "" {
		return "", ErrNoCredentials
	}

	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		// A flight that finished while this caller was waiting already rotated the token.
		if token := s.Token(); token != "" && token != stale {
			return token, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		pair, err := s.exchange(flightCtx, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: refresh})
		if err != nil {
			if f, ok := AsFailure(err); ok && f.Kind == KindAuth {
				s.Clear(flightCtx)
			} else {
				s.logger.Warn("token refresh failed, keeping credentials", zap.Error(err))
			}
			return "", err
		}
		if err := s.Set(flightCtx, pair); err != nil {
			s.logger.Warn("refreshed tokens not saved", zap.Error(err))
		}
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("access token refreshed", zap.Bool("shared", shared))
	return v.(string), nil
}

func (s *TokenSource) exchange(ctx context.Context, path string, body interface{}) (model.TokenPair, error) {
	var result model.TokenResponse
	var apiErr model.ErrorResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return model.TokenPair{}, &Failure{Kind: KindNetwork, Message: "token endpoint unreachable", Err: err}
	}
	status := resp.StatusCode()
	switch {
	case status == http.StatusOK && result.Data.AccessToken != "":
		return result.Data, nil
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		msg := apiErr.Error.Message
		if msg == "" {
			msg = "token request rejected"
		}
		return model.TokenPair{}, &Failure{Kind: KindAuth, Status: status, Code: apiErr.Error.Code, Message: msg}
	default:
		return model.TokenPair{}, &Failure{Kind: KindServer, Status: status, Code: apiErr.Error.Code, Message: "token endpoint failed"}
	}
}
