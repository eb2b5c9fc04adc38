package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// ErrInvalidRegion is returned when a region reference does not exist.
var ErrInvalidRegion = errors.New("invalid region")

// Crediter applies point credits; satisfied by the ledger service.
type Crediter interface {
	Credit(ctx context.Context, accountID string, amount int64, reason ledger.ReasonCode, metadata map[string]string, idempotencyKey string) (ledger.Entry, error)
}

// Service registers accounts and resolves their regions.
type Service struct {
	store       storage.AccountStore
	ledger      Crediter
	signupBonus int64
	log         *logger.Logger
}

// New constructs an account service. A nil crediter or zero bonus disables
// the signup credit.
func New(store storage.AccountStore, credits Crediter, signupBonus int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{store: store, ledger: credits, signupBonus: signupBonus, log: log}
}

// Register creates the account for an auth subject. Registering an existing
// subject returns the stored account; a signup bonus that failed earlier is
// retried, and its idempotency key keeps it from being paid twice.
func (s *Service) Register(ctx context.Context, id string, regionID int64) (account.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return account.Account{}, fmt.Errorf("account id is required")
	}
	if regionID != 0 {
		if err := s.ValidateRegion(ctx, regionID); err != nil {
			return account.Account{}, err
		}
	}

	acct, err := s.store.CreateAccount(ctx, account.Account{ID: id, RegionID: regionID})
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		s.grantSignupBonus(ctx, id)
		return s.store.GetAccount(ctx, id)
	case err != nil:
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}

	if entry, ok := s.grantSignupBonus(ctx, id); ok {
		acct.PointsBalance = entry.BalanceAfter
	}

	s.log.WithField("account_id", id).WithField("region_id", regionID).Info("account registered")
	return acct, nil
}

func (s *Service) grantSignupBonus(ctx context.Context, id string) (ledger.Entry, bool) {
	if s.ledger == nil || s.signupBonus <= 0 {
		return ledger.Entry{}, false
	}
	entry, err := s.ledger.Credit(ctx, id, s.signupBonus, ledger.ReasonSignupBonus, nil, "signup:"+id)
	if err != nil {
		s.log.WithError(err).WithField("account_id", id).Warn("signup bonus credit failed")
		return ledger.Entry{}, false
	}
	return entry, true
}

// Get returns an account.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// SetRegion moves an account to another region.
func (s *Service) SetRegion(ctx context.Context, id string, regionID int64) (account.Account, error) {
	if err := s.ValidateRegion(ctx, regionID); err != nil {
		return account.Account{}, err
	}
	return s.store.SetAccountRegion(ctx, id, regionID)
}

// ValidateRegion returns ErrInvalidRegion unless regionID names a stored region.
func (s *Service) ValidateRegion(ctx context.Context, regionID int64) error {
	if regionID <= 0 {
		return ErrInvalidRegion
	}
	ok, err := s.store.RegionExists(ctx, regionID)
	if err != nil {
		return fmt.Errorf("check region: %w", err)
	}
	if !ok {
		return fmt.Errorf("region %d: %w", regionID, ErrInvalidRegion)
	}
	return nil
}
