package posts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/metrics"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
	"github.com/R3E-Network/engagement_layer/internal/app/system"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

// CompensationRelay drains the refund outbox on a cron schedule until every
// row has been applied.
type CompensationRelay struct {
	store    storage.CompensationStore
	ledger   Ledger
	schedule string
	batch    int
	maxDelay time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*CompensationRelay)(nil)

// NewCompensationRelay builds a relay. An empty schedule selects "@every 30s".
func NewCompensationRelay(store storage.CompensationStore, ledgerSvc Ledger, schedule string, log *logger.Logger) *CompensationRelay {
	if log == nil {
		log = logger.NewDefault("compensation-relay")
	}
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &CompensationRelay{
		store:    store,
		ledger:   ledgerSvc,
		schedule: schedule,
		batch:    100,
		maxDelay: 30 * time.Minute,
		log:      log,
	}
}

func (r *CompensationRelay) Name() string { return "compensation-relay" }

func (r *CompensationRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.WithError(err).Warn("compensation relay pass failed")
		}
	}); err != nil {
		cancel()
		return err
	}
	c.Start()

	r.cron = c
	r.cancel = cancel
	r.running = true
	r.log.WithField("schedule", r.schedule).Info("compensation relay started")
	return nil
}

func (r *CompensationRelay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c, cancel := r.cron, r.cancel
	r.running = false
	r.cron = nil
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RunOnce settles every due outbox row and reports how many refunds were
// applied. Rows keyed by an unresolved debit are closed without a refund when
// the debit never took effect.
func (r *CompensationRelay) RunOnce(ctx context.Context) (int, error) {
	due, err := r.store.ListDueCompensations(ctx, time.Now().UTC(), r.batch)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		refunded, cerr := r.settle(ctx, &c)
		c.Attempts++
		switch {
		case cerr != nil:
			metrics.RecordCompensation("relay", false)
			c.LastError = cerr.Error()
			c.NextAttemptAt = time.Now().UTC().Add(r.delay(c.Attempts))
			r.log.WithError(cerr).
				WithField("compensation_id", c.ID).
				WithField("attempts", c.Attempts).
				Warn("outboxed refund failed; rescheduled")
		case !refunded:
			c.Status = ledger.CompensationDone
			c.LastError = ""
			r.log.WithField("compensation_id", c.ID).
				WithField("debit_key", c.DebitKey).
				Info("debit was never applied; nothing to refund")
		default:
			metrics.RecordCompensation("relay", true)
			c.Status = ledger.CompensationDone
			c.LastError = ""
			applied++
			r.log.WithField("compensation_id", c.ID).
				WithField("account_id", c.AccountID).
				WithField("amount", c.Amount).
				Info("outboxed refund applied")
		}
		if err := r.store.UpdateCompensation(ctx, c); err != nil {
			// The credit is keyed, so a row left pending is re-applied harmlessly.
			r.log.WithError(err).WithField("compensation_id", c.ID).Warn("update compensation failed")
		}
	}
	return applied, nil
}

// settle resolves the row's debit if needed and applies the keyed refund.
func (r *CompensationRelay) settle(ctx context.Context, c *ledger.Compensation) (bool, error) {
	if c.DebitEntryID == 0 {
		debit, err := r.ledger.EntryByKey(ctx, c.AccountID, c.DebitKey)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("resolve debit %s: %w", c.DebitKey, err)
		}
		c.DebitEntryID = debit.ID
		c.Amount = -debit.Delta
		c.Reason = debit.Reason
	}

	metadata := map[string]string{
		"refund_of": strconv.FormatInt(c.DebitEntryID, 10),
		"post_id":   strconv.FormatInt(c.PostID, 10),
	}
	if _, err := r.ledger.Credit(ctx, c.AccountID, c.Amount, c.Reason, metadata, c.IdempotencyKey()); err != nil {
		return false, err
	}
	return true, nil
}

// delay doubles per attempt from 10s, capped at maxDelay.
func (r *CompensationRelay) delay(attempts int) time.Duration {
	d := 10 * time.Second
	for i := 1; i < attempts && d < r.maxDelay; i++ {
		d *= 2
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}
