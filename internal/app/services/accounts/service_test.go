package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	ledgersvc "github.com/R3E-Network/engagement_layer/internal/app/services/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/storage/memory"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

func TestService(t *testing.T) {
	store := memory.New()
	ledger := ledgersvc.New(store, store, time.Second, logger.Discard())
	svc := New(store, ledger, 100, logger.Discard())
	ctx := context.Background()

	acct, err := svc.Register(ctx, "alice", account.GlobalRegionID)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.PointsBalance != 100 {
		t.Fatalf("expected signup bonus, got %d", acct.PointsBalance)
	}

	again, err := svc.Register(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if again.PointsBalance != 100 || again.RegionID != account.GlobalRegionID {
		t.Fatalf("re-registration should not change the account: %+v", again)
	}

	if _, err := svc.Register(ctx, "bob", 42); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("expected invalid region, got %v", err)
	}

	if _, err := store.CreateRegion(ctx, account.Region{ID: 3, Name: "north"}); err != nil {
		t.Fatalf("create region: %v", err)
	}
	moved, err := svc.SetRegion(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("set region: %v", err)
	}
	if moved.RegionID != 3 {
		t.Fatalf("region not updated: %+v", moved)
	}
}

// outageLedger fails the first credits, then delegates.
type outageLedger struct {
	*ledgersvc.Service
	failures int
}

func (o *outageLedger) Credit(ctx context.Context, accountID string, amount int64, reason ledger.ReasonCode, metadata map[string]string, key string) (ledger.Entry, error) {
	if o.failures > 0 {
		o.failures--
		return ledger.Entry{}, errors.New("ledger unavailable")
	}
	return o.Service.Credit(ctx, accountID, amount, reason, metadata, key)
}

func TestRegisterRetriesLostSignupBonus(t *testing.T) {
	store := memory.New()
	credits := &outageLedger{Service: ledgersvc.New(store, store, time.Second, logger.Discard()), failures: 1}
	svc := New(store, credits, 100, logger.Discard())
	ctx := context.Background()

	acct, err := svc.Register(ctx, "alice", account.GlobalRegionID)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.PointsBalance != 0 {
		t.Fatalf("bonus should have failed, got %d", acct.PointsBalance)
	}

	for i := 0; i < 2; i++ {
		again, err := svc.Register(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("register again: %v", err)
		}
		if again.PointsBalance != 100 {
			t.Fatalf("attempt %d: expected the bonus exactly once, got %d", i, again.PointsBalance)
		}
	}

	entries, err := credits.History(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one bonus entry, got %d", len(entries))
	}
}
