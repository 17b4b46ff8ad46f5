// Package auth issues and validates the backend's access and refresh tokens
// and manages reporter accounts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/WayShare/wayshare-go/internal/model"
)

// Token kinds carried in the "typ" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

const audience = "wayshare-api"

// Token validation errors
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims are the JWT claims of both token kinds.
type Claims struct {
	jwt.RegisteredClaims
	Kind string `json:"typ"`
}

// Issuer signs tokens with HS256.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL overrides the token lifetimes.
func WithTTL(access, refresh time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.accessTTL = access
		i.refreshTTL = refresh
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an Issuer. issuer names the backend in the "iss" claim.
func NewIssuer(secret, issuer string, opts ...IssuerOption) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	i := &Issuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue returns a fresh access/refresh pair for accountID.
func (i *Issuer) Issue(accountID string) (model.TokenPair, error) {
	now := i.now()
	access, err := i.sign(accountID, KindAccess, now, i.accessTTL)
	if err != nil {
		return model.TokenPair{}, err
	}
	refresh, err := i.sign(accountID, KindRefresh, now, i.refreshTTL)
	if err != nil {
		return model.TokenPair{}, err
	}
	return model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(i.accessTTL).UTC(),
	}, nil
}

func (i *Issuer) sign(subject, kind string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Kind: kind,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return token, nil
}

// Validate checks tokenString and returns the account id it was issued to.
// A token of the wrong kind is invalid.
func (i *Issuer) Validate(tokenString, kind string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.Kind != kind || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}
