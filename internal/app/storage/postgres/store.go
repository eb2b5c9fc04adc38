package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/engagement_layer/internal/app/domain/account"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/ledger"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/post"
	"github.com/R3E-Network/engagement_layer/internal/app/domain/reaction"
	"github.com/R3E-Network/engagement_layer/internal/app/storage"
)

// reactionLogLock is the advisory lock key serializing reaction writers so
// event sequence numbers commit in order. Catch-up reads reaction_events with
// seq > lastSeq; without the lock a lower seq could commit after a higher one
// was already read and never be delivered.
const reactionLogLock int64 = 0x72656163

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.CompensationStore = (*Store)(nil)
var _ storage.PostStore = (*Store)(nil)
var _ storage.ReactionStore = (*Store)(nil)
var _ storage.NotificationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// --- AccountStore -----------------------------------------------------------

type accountRow struct {
	ID            string        `db:"id"`
	RegionID      sql.NullInt64 `db:"region_id"`
	PointsBalance int64         `db:"points_balance"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r accountRow) toDomain() account.Account {
	return account.Account{
		ID:            r.ID,
		RegionID:      r.RegionID.Int64,
		PointsBalance: r.PointsBalance,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.PointsBalance = 0
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, region_id, points_balance, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4)
	`, acct.ID, nullID(acct.RegionID), acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, mapError(err, "account "+acct.ID)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, region_id, points_balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, id)
	if err != nil {
		return account.Account{}, mapError(err, "account "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) SetAccountRegion(ctx context.Context, id string, regionID int64) (account.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE accounts
		SET region_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, region_id, points_balance, created_at, updated_at
	`, id, nullID(regionID))
	if err != nil {
		return account.Account{}, mapError(err, "account "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) CreateRegion(ctx context.Context, region account.Region) (account.Region, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO regions (id, name) VALUES ($1, $2)`, region.ID, region.Name)
	if err != nil {
		return account.Region{}, mapError(err, fmt.Sprintf("region %d", region.ID))
	}
	return region, nil
}

func (s *Store) RegionExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM regions WHERE id = $1)`, id); err != nil {
		return false, err
	}
	return exists, nil
}

// --- LedgerStore ------------------------------------------------------------

type entryRow struct {
	ID             int64          `db:"id"`
	AccountID      string         `db:"account_id"`
	Delta          int64          `db:"delta"`
	BalanceAfter   int64          `db:"balance_after"`
	Reason         string         `db:"reason_code"`
	Metadata       []byte         `db:"metadata"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r entryRow) toDomain() ledger.Entry {
	e := ledger.Entry{
		ID:             r.ID,
		AccountID:      r.AccountID,
		Delta:          r.Delta,
		BalanceAfter:   r.BalanceAfter,
		Reason:         ledger.ReasonCode(r.Reason),
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &e.Metadata)
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}
	return e
}

const entryColumns = `id, account_id, delta, balance_after, reason_code, metadata, idempotency_key, created_at`

func (s *Store) DebitIfSufficient(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.Delta >= 0 {
		return ledger.Entry{}, fmt.Errorf("debit delta must be negative, got %d", entry.Delta)
	}
	return s.applyEntry(ctx, entry, true)
}

func (s *Store) Credit(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.Delta <= 0 {
		return ledger.Entry{}, fmt.Errorf("credit delta must be positive, got %d", entry.Delta)
	}
	return s.applyEntry(ctx, entry, false)
}

// applyEntry locks the account row, honours the idempotency key, then moves
// the balance and appends the entry in the same transaction.
func (s *Store) applyEntry(ctx context.Context, entry ledger.Entry, conditional bool) (ledger.Entry, error) {
	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return ledger.Entry{}, err
	}
	if entry.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	var balance int64
	if err := tx.GetContext(ctx, &balance, `SELECT points_balance FROM accounts WHERE id = $1 FOR UPDATE`, entry.AccountID); err != nil {
		return ledger.Entry{}, mapError(err, "account "+entry.AccountID)
	}

	if entry.IdempotencyKey != "" {
		var existing entryRow
		err := tx.GetContext(ctx, &existing, `
			SELECT `+entryColumns+`
			FROM ledger_entries
			WHERE account_id = $1 AND idempotency_key = $2
		`, entry.AccountID, entry.IdempotencyKey)
		switch {
		case err == nil:
			return existing.toDomain(), tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return ledger.Entry{}, err
		}
	}

	if conditional && balance+entry.Delta < 0 {
		return ledger.Entry{}, storage.ErrInsufficientFunds
	}

	if err := tx.GetContext(ctx, &balance, `
		UPDATE accounts
		SET points_balance = points_balance + $2, updated_at = now()
		WHERE id = $1 AND points_balance + $2 >= 0
		RETURNING points_balance
	`, entry.AccountID, entry.Delta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, storage.ErrInsufficientFunds
		}
		return ledger.Entry{}, err
	}

	var row entryRow
	if err := tx.GetContext(ctx, &row, `
		INSERT INTO ledger_entries (account_id, delta, balance_after, reason_code, metadata, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+entryColumns, entry.AccountID, entry.Delta, balance, string(entry.Reason), metadataJSON, nullString(entry.IdempotencyKey)); err != nil {
		return ledger.Entry{}, mapError(err, "ledger entry")
	}

	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, limit int, beforeID int64) ([]ledger.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, accountID, beforeID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	result := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) FindEntry(ctx context.Context, accountID, idempotencyKey string) (ledger.Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, idempotencyKey)
	if err != nil {
		return ledger.Entry{}, mapError(err, "entry "+idempotencyKey)
	}
	return row.toDomain(), nil
}

// --- CompensationStore ------------------------------------------------------

type compensationRow struct {
	ID            string        `db:"id"`
	AccountID     string        `db:"account_id"`
	Amount        int64         `db:"amount"`
	Reason        string        `db:"reason_code"`
	DebitEntryID  sql.NullInt64 `db:"debit_entry_id"`
	DebitKey      string        `db:"debit_key"`
	PostID        int64         `db:"post_id"`
	Attempts      int           `db:"attempts"`
	LastError     string        `db:"last_error"`
	Status        string        `db:"status"`
	NextAttemptAt time.Time     `db:"next_attempt_at"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r compensationRow) toDomain() ledger.Compensation {
	return ledger.Compensation{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Amount:        r.Amount,
		Reason:        ledger.ReasonCode(r.Reason),
		DebitEntryID:  r.DebitEntryID.Int64,
		DebitKey:      r.DebitKey,
		PostID:        r.PostID,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		Status:        ledger.CompensationStatus(r.Status),
		NextAttemptAt: r.NextAttemptAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (s *Store) EnqueueCompensation(ctx context.Context, c ledger.Compensation) (ledger.Compensation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = ledger.CompensationPending
	}
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensations (id, account_id, amount, reason_code, debit_entry_id, debit_key, post_id, attempts, last_error, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.AccountID, c.Amount, string(c.Reason), nullID(c.DebitEntryID), c.DebitKey, c.PostID, c.Attempts, c.LastError, string(c.Status), c.NextAttemptAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return ledger.Compensation{}, mapError(err, "compensation "+c.ID)
	}
	return c, nil
}

func (s *Store) ListDueCompensations(ctx context.Context, now time.Time, limit int) ([]ledger.Compensation, error) {
	var rows []compensationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, amount, reason_code, debit_entry_id, debit_key, post_id, attempts, last_error, status, next_attempt_at, created_at, updated_at
		FROM compensations
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2
	`, now.UTC(), nullLimit(limit))
	if err != nil {
		return nil, err
	}
	result := make([]ledger.Compensation, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) UpdateCompensation(ctx context.Context, c ledger.Compensation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE compensations
		SET attempts = $2, last_error = $3, status = $4, next_attempt_at = $5, debit_entry_id = $6, updated_at = now()
		WHERE id = $1
	`, c.ID, c.Attempts, c.LastError, string(c.Status), c.NextAttemptAt.UTC(), nullID(c.DebitEntryID))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("compensation %s: %w", c.ID, storage.ErrNotFound)
	}
	return nil
}

// --- PostStore --------------------------------------------------------------

type postRow struct {
	ID         int64         `db:"id"`
	AuthorID   string        `db:"author_id"`
	RegionID   sql.NullInt64 `db:"region_id"`
	CategoryID sql.NullInt64 `db:"category_id"`
	StoreID    sql.NullInt64 `db:"store_id"`
	Kind       string        `db:"kind"`
	Content    string        `db:"content"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (r postRow) toDomain() post.Post {
	return post.Post{
		ID:         r.ID,
		AuthorID:   r.AuthorID,
		RegionID:   r.RegionID.Int64,
		CategoryID: r.CategoryID.Int64,
		StoreID:    r.StoreID.Int64,
		Kind:       post.Kind(r.Kind),
		Content:    r.Content,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

const postColumns = `id, author_id, region_id, category_id, store_id, kind, content, created_at`

func (s *Store) CreatePost(ctx context.Context, p post.Post) (post.Post, error) {
	if p.ID == 0 {
		return post.Post{}, errors.New("post id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.AuthorID, nullID(p.RegionID), nullID(p.CategoryID), nullID(p.StoreID), string(p.Kind), p.Content, p.CreatedAt)
	if err != nil {
		return post.Post{}, mapError(err, fmt.Sprintf("post %d", p.ID))
	}
	return p, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (post.Post, error) {
	var row postRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id); err != nil {
		return post.Post{}, mapError(err, fmt.Sprintf("post %d", id))
	}
	return row.toDomain(), nil
}

func (s *Store) ListPosts(ctx context.Context, q storage.PostQuery) ([]post.Post, error) {
	query, args := buildPostQuery(q)
	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]post.Post, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func buildPostQuery(q storage.PostQuery) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Filters.CategoryID != 0 {
		conds = append(conds, "category_id = "+arg(q.Filters.CategoryID))
	}
	if q.Filters.StoreID != 0 {
		conds = append(conds, "store_id = "+arg(q.Filters.StoreID))
	}
	switch q.Scope {
	case storage.ScopeIn:
		conds = append(conds, "region_id = ANY("+arg(pq.Array(q.Regions))+")")
	case storage.ScopeNotIn:
		conds = append(conds, "(region_id IS NULL OR NOT (region_id = ANY("+arg(pq.Array(q.Regions))+")))")
	}
	if q.After != nil {
		conds = append(conds, "(created_at, id) < ("+arg(q.After.CreatedAt.UTC())+", "+arg(q.After.ID)+")")
	}

	var b strings.Builder
	b.WriteString("SELECT " + postColumns + " FROM posts")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	return b.String(), args
}

func (s *Store) CreateComment(ctx context.Context, c post.Comment) (post.Comment, error) {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO comments (post_id, author_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, c.PostID, c.AuthorID, c.Content).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return post.Comment{}, mapError(err, fmt.Sprintf("post %d", c.PostID))
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) ListComments(ctx context.Context, postID int64, limit int) ([]post.Comment, error) {
	var rows []struct {
		ID        int64     `db:"id"`
		PostID    int64     `db:"post_id"`
		AuthorID  string    `db:"author_id"`
		Content   string    `db:"content"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, post_id, author_id, content, created_at
		FROM comments
		WHERE post_id = $1
		ORDER BY id
		LIMIT $2
	`, postID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	result := make([]post.Comment, 0, len(rows))
	for _, r := range rows {
		result = append(result, post.Comment{ID: r.ID, PostID: r.PostID, AuthorID: r.AuthorID, Content: r.Content, CreatedAt: r.CreatedAt.UTC()})
	}
	return result, nil
}

// --- ReactionStore ----------------------------------------------------------

type eventRow struct {
	Seq       int64     `db:"seq"`
	PostID    int64     `db:"post_id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	Op        string    `db:"op"`
	CreatedAt time.Time `db:"created_at"`
}

func (r eventRow) toDomain() reaction.Event {
	return reaction.Event{
		Seq:       r.Seq,
		PostID:    r.PostID,
		UserID:    r.UserID,
		Type:      reaction.Type(r.Type),
		Op:        reaction.Op(r.Op),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (s *Store) ToggleReaction(ctx context.Context, postID int64, userID string, t reaction.Type) (reaction.State, []reaction.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return reaction.StateNone, nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, reactionLogLock); err != nil {
		return reaction.StateNone, nil, err
	}

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, postID); err != nil {
		return reaction.StateNone, nil, err
	}
	if !exists {
		return reaction.StateNone, nil, fmt.Errorf("post %d: %w", postID, storage.ErrNotFound)
	}

	var currentType string
	err = tx.GetContext(ctx, &currentType, `SELECT type FROM reactions WHERE post_id = $1 AND user_id = $2 FOR UPDATE`, postID, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return reaction.StateNone, nil, err
	}
	hadRow := err == nil
	current := reaction.StateNone
	if hadRow {
		current = reaction.StateOf(reaction.Type(currentType))
	}
	next := reaction.Toggle(current, t)

	appendEvent := func(typ reaction.Type, op reaction.Op) (reaction.Event, error) {
		var row eventRow
		err := tx.GetContext(ctx, &row, `
			INSERT INTO reaction_events (post_id, user_id, type, op)
			VALUES ($1, $2, $3, $4)
			RETURNING seq, post_id, user_id, type, op, created_at
		`, postID, userID, string(typ), string(op))
		return row.toDomain(), err
	}

	var events []reaction.Event
	if hadRow {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE post_id = $1 AND user_id = $2`, postID, userID); err != nil {
			return current, nil, err
		}
		ev, err := appendEvent(reaction.Type(currentType), reaction.OpDelete)
		if err != nil {
			return current, nil, err
		}
		events = append(events, ev)
	}
	if next != reaction.StateNone {
		ev, err := appendEvent(t, reaction.OpInsert)
		if err != nil {
			return current, nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reactions (post_id, user_id, type, seq, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, postID, userID, string(t), ev.Seq, ev.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return current, nil, storage.ErrDuplicateReaction
			}
			return current, nil, err
		}
		events = append(events, ev)
	}

	if err := tx.Commit(); err != nil {
		return current, nil, err
	}
	return next, events, nil
}

func (s *Store) ReactionSnapshot(ctx context.Context, postID int64) (reaction.Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return reaction.Snapshot{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	snap := reaction.Snapshot{PostID: postID}
	if err := tx.GetContext(ctx, &snap.AuthorID, `SELECT author_id FROM posts WHERE id = $1`, postID); err != nil {
		return reaction.Snapshot{}, mapError(err, fmt.Sprintf("post %d", postID))
	}
	if err := tx.GetContext(ctx, &snap.Watermark, `SELECT COALESCE(MAX(seq), 0) FROM reaction_events`); err != nil {
		return reaction.Snapshot{}, err
	}
	if err := tx.GetContext(ctx, &snap.CommentCount, `SELECT COUNT(*) FROM comments WHERE post_id = $1`, postID); err != nil {
		return reaction.Snapshot{}, err
	}

	var rows []struct {
		UserID    string    `db:"user_id"`
		Type      string    `db:"type"`
		Seq       int64     `db:"seq"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := tx.SelectContext(ctx, &rows, `SELECT user_id, type, seq, created_at FROM reactions WHERE post_id = $1`, postID); err != nil {
		return reaction.Snapshot{}, err
	}
	for _, r := range rows {
		snap.Reactions = append(snap.Reactions, reaction.Reaction{PostID: postID, UserID: r.UserID, Type: reaction.Type(r.Type), Seq: r.Seq, CreatedAt: r.CreatedAt.UTC()})
	}
	return snap, tx.Commit()
}

func (s *Store) ListReactionEvents(ctx context.Context, afterSeq int64, limit int) ([]reaction.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, post_id, user_id, type, op, created_at
		FROM reaction_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, afterSeq, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	result := make([]reaction.Event, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) LatestReactionSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(seq), 0) FROM reaction_events`)
	return seq, err
}

// --- NotificationStore ------------------------------------------------------

type notificationRow struct {
	ID        string         `db:"id"`
	UserID    string         `db:"user_id"`
	ActorID   string         `db:"actor_id"`
	Type      string         `db:"type"`
	PostID    sql.NullInt64  `db:"post_id"`
	Read      bool           `db:"read"`
	Body      string         `db:"body"`
	DedupKey  sql.NullString `db:"dedup_key"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r notificationRow) toDomain() notification.Notification {
	return notification.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		ActorID:   r.ActorID,
		Type:      notification.Type(r.Type),
		PostID:    r.PostID.Int64,
		Read:      r.Read,
		Body:      r.Body,
		DedupKey:  r.DedupKey.String,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

const notificationColumns = `id, user_id, actor_id, type, post_id, read, body, dedup_key, created_at`

func (s *Store) CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO notifications (id, user_id, actor_id, type, post_id, read, body, dedup_key)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING `+notificationColumns,
		n.ID, n.UserID, n.ActorID, string(n.Type), nullID(n.PostID), n.Body, nullString(n.DedupKey))
	if err == nil {
		return row.toDomain(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return notification.Notification{}, false, err
	}

	if err := s.db.GetContext(ctx, &row, `SELECT `+notificationColumns+` FROM notifications WHERE dedup_key = $1`, n.DedupKey); err != nil {
		return notification.Notification{}, false, err
	}
	return row.toDomain(), false, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notification.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	result := make([]notification.Notification, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) MarkNotificationsRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if ids == nil {
		ids = []string{}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read = TRUE
		WHERE user_id = $1 AND read = FALSE
		  AND (cardinality($2::text[]) = 0 OR id::text = ANY($2::text[]))
	`, userID, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) SavePushSubscription(ctx context.Context, sub notification.PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, user_id)
		VALUES ($1, $2)
		ON CONFLICT (endpoint) DO UPDATE SET user_id = EXCLUDED.user_id
	`, sub.Endpoint, sub.UserID)
	return err
}

func (s *Store) ListPushSubscriptions(ctx context.Context, userID string) ([]notification.PushSubscription, error) {
	var rows []struct {
		Endpoint  string    `db:"endpoint"`
		UserID    string    `db:"user_id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT endpoint, user_id, created_at
		FROM push_subscriptions
		WHERE user_id = $1
		ORDER BY endpoint
	`, userID)
	if err != nil {
		return nil, err
	}
	result := make([]notification.PushSubscription, 0, len(rows))
	for _, r := range rows {
		result = append(result, notification.PushSubscription{UserID: r.UserID, Endpoint: r.Endpoint, CreatedAt: r.CreatedAt.UTC()})
	}
	return result, nil
}

func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return err
}

// --- helpers ----------------------------------------------------------------

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullLimit maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func mapError(err error, subject string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", subject, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", subject, storage.ErrAlreadyExists)
		case "23503":
			return fmt.Errorf("%s: %w", subject, storage.ErrNotFound)
		}
	}
	return err
}
