package ledger

import "time"

// ReasonCode classifies why a ledger entry was written.
type ReasonCode string

const (
	ReasonSpendPost      ReasonCode = "spend_post"
	ReasonSpendGroupPost ReasonCode = "spend_group_post"
	ReasonEarnLike       ReasonCode = "earn_like"
	ReasonEarnComment    ReasonCode = "earn_comment"
	ReasonSignupBonus    ReasonCode = "signup_bonus"
)

// Earned reports whether the reason represents points earned through engagement.
func (r ReasonCode) Earned() bool {
	return r == ReasonEarnLike || r == ReasonEarnComment
}

// Entry is an immutable point delta. Negative deltas are debits.
type Entry struct {
	ID             int64             `json:"id"`
	AccountID      string            `json:"account_id"`
	Delta          int64             `json:"delta"`
	BalanceAfter   int64             `json:"balance_after"`
	Reason         ReasonCode        `json:"reason_code"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// CompensationStatus tracks an outboxed refund.
type CompensationStatus string

const (
	CompensationPending CompensationStatus = "pending"
	CompensationDone    CompensationStatus = "done"
)

// Compensation is a refund owed for a debit whose follow-up write failed. Rows
// stay pending until the credit has been applied at least once. A row whose
// debit outcome was unknown carries DebitKey instead of DebitEntryID and is
// resolved against the ledger before anything is refunded.
type Compensation struct {
	ID            string             `json:"id"`
	AccountID     string             `json:"account_id"`
	Amount        int64              `json:"amount"`
	Reason        ReasonCode         `json:"reason_code"`
	DebitEntryID  int64              `json:"debit_entry_id,omitempty"`
	DebitKey      string             `json:"debit_key,omitempty"`
	PostID        int64              `json:"post_id"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	Status        CompensationStatus `json:"status"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// IdempotencyKey is the credit key that makes replays of this refund harmless.
func (c Compensation) IdempotencyKey() string {
	return RefundKey(c.DebitEntryID)
}
