package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// DefaultTimeout bounds each store call when none is configured.
const DefaultTimeout = 3 * time.Second

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = storage.ErrInsufficientFunds
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrTimeout is returned when the store does not answer within the timeout.
	ErrTimeout = errors.New("ledger store timed out")
)

// CreditObserver is notified after every successful credit.
type CreditObserver func(ctx context.Context, entry domain.Entry)

// Service is the only writer of point balances.
type Service struct {
	accounts storage.AccountStore
	store    storage.LedgerStore
	timeout  time.Duration
	log      *logger.Logger

	mu        sync.RWMutex
	observers []CreditObserver
}

// New constructs a ledger service. A non-positive timeout selects DefaultTimeout.
func New(accounts storage.AccountStore, store storage.LedgerStore, timeout time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{accounts: accounts, store: store, timeout: timeout, log: log}
}

// OnCredit registers an observer for applied credits.
func (s *Service) OnCredit(obs CreditObserver) {
	if obs == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, obs)
	s.mu.Unlock()
}

// TryDebit removes amount from the account if, and only if, the balance covers it.
func (s *Service) TryDebit(ctx context.Context, accountID string, amount int64, reason domain.ReasonCode, metadata map[string]string, idempotencyKey string) (domain.Entry, error) {
	if err := validate(accountID, amount); err != nil {
		return domain.Entry{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.store.DebitIfSufficient(callCtx, domain.Entry{
		AccountID:      accountID,
		Delta:          -amount,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			metrics.RecordLedgerOp("debit", string(reason), "insufficient")
			return domain.Entry{}, ErrInsufficientFunds
		}
		metrics.RecordLedgerOp("debit", string(reason), "error")
		return domain.Entry{}, s.wrap("debit", err)
	}

	metrics.RecordLedgerOp("debit", string(reason), "ok")
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("reason", reason).
		WithField("balance_after", entry.BalanceAfter).
		Debug("points debited")
	return entry, nil
}

// Credit adds amount to the account. A repeated idempotency key returns the
// original entry without applying anything.
func (s *Service) Credit(ctx context.Context, accountID string, amount int64, reason domain.ReasonCode, metadata map[string]string, idempotencyKey string) (domain.Entry, error) {
	if err := validate(accountID, amount); err != nil {
		return domain.Entry{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.store.Credit(callCtx, domain.Entry{
		AccountID:      accountID,
		Delta:          amount,
		Reason:         reason,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		metrics.RecordLedgerOp("credit", string(reason), "error")
		return domain.Entry{}, s.wrap("credit", err)
	}

	metrics.RecordLedgerOp("credit", string(reason), "ok")
	s.log.WithField("account_id", accountID).
		WithField("amount", amount).
		WithField("reason", reason).
		WithField("balance_after", entry.BalanceAfter).
		Debug("points credited")

	s.mu.RLock()
	observers := append([]CreditObserver(nil), s.observers...)
	s.mu.RUnlock()
	for _, obs := range observers {
		obs(ctx, entry)
	}
	return entry, nil
}

// Balance returns the current balance of the account.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	acct, err := s.accounts.GetAccount(callCtx, accountID)
	if err != nil {
		return 0, s.wrap("balance", err)
	}
	return acct.PointsBalance, nil
}

// History lists entries newest first. beforeID pages backwards; zero starts
// from the latest entry.
func (s *Service) History(ctx context.Context, accountID string, limit int, beforeID int64) ([]domain.Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entries, err := s.store.ListEntries(callCtx, accountID, limit, beforeID)
	if err != nil {
		return nil, s.wrap("history", err)
	}
	return entries, nil
}

// EntryByKey returns the entry applied under idempotencyKey. It answers
// storage.ErrNotFound when the operation never took effect.
func (s *Service) EntryByKey(ctx context.Context, accountID, idempotencyKey string) (domain.Entry, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.store.FindEntry(callCtx, accountID, idempotencyKey)
	if err != nil {
		return domain.Entry{}, s.wrap("lookup", err)
	}
	return entry, nil
}

func (s *Service) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("ledger %s: %w", op, err)
}

func validate(accountID string, amount int64) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("account_id is required")
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
