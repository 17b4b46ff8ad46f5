package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/WayShare/wayshare-go/internal/model"
	"github.com/WayShare/wayshare-go/internal/storage"
)

// Account errors
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Accounts registers reporters and signs them in.
type Accounts struct {
	store  storage.Store
	issuer *Issuer
	logger *zap.Logger
	cost   int
}

// NewAccounts creates an Accounts service.
func NewAccounts(store storage.Store, issuer *Issuer, logger *zap.Logger) *Accounts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounts{store: store, issuer: issuer, logger: logger, cost: bcrypt.DefaultCost}
}

// Register creates an account and signs it in.
func (a *Accounts) Register(ctx context.Context, email, password string) (model.TokenPair, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("failed to hash password: %w", err)
	}

	account := model.Account{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.TokenPair{}, ErrEmailTaken
		}
		return model.TokenPair{}, err
	}

	a.logger.Info("account registered", zap.String("account_id", account.ID))
	return a.issuer.Issue(account.ID)
}

// Login checks credentials and issues a token pair.
func (a *Accounts) Login(ctx context.Context, email, password string) (model.TokenPair, error) {
	account, err := a.store.GetAccountByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.TokenPair{}, ErrInvalidCredentials
		}
		return model.TokenPair{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return model.TokenPair{}, ErrInvalidCredentials
	}
	return a.issuer.Issue(account.ID)
}

// Refresh exchanges a refresh token for a new pair. The account must still exist.
func (a *Accounts) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	accountID, err := a.issuer.Validate(refreshToken, KindRefresh)
	if err != nil {
		return model.TokenPair{}, err
	}
	if _, err := a.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.TokenPair{}, ErrTokenInvalid
		}
		return model.TokenPair{}, err
	}
	return a.issuer.Issue(accountID)
}

// Authenticate validates an access token and returns its account id.
func (a *Accounts) Authenticate(accessToken string) (string, error) {
	return a.issuer.Validate(accessToken, KindAccess)
}
