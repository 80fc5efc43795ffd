package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/middleware"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/observability"
)

// LedgerService is the append-only, balance-invariant journal. Entries are
// staged pending inside a single database transaction and the group balance
// is validated once, after all entries exist, before anything becomes
// visible. Committed entries are immutable; corrections are reversing
// entries in a new group.
type LedgerService struct {
	db      *sql.DB
	audit   *audit.Logger
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewLedgerService(db *sql.DB, auditLogger *audit.Logger, metrics *observability.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		db:      db,
		audit:   auditLogger,
		metrics: metrics,
		logger:  logger,
	}
}

// RecordTransaction writes a two-entry balanced group: a debit against one
// account and a credit against another. Replays carrying a previously seen
// idempotency key return the existing group id without new writes.
func (s *LedgerService) RecordTransaction(ctx context.Context, debitAccountID, creditAccountID string, amount int64, description string, meta models.EntryMetadata) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if debitAccountID == creditAccountID {
		return "", ErrSameAccount
	}

	if groupID, ok, err := s.findByIdempotencyKey(ctx, meta.IdempotencyKey); err != nil {
		return "", err
	} else if ok {
		return groupID, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	groupID, err := s.RecordTransactionTx(ctx, tx, debitAccountID, creditAccountID, amount, description, meta)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return s.replayLostIdempotencyRace(ctx, tx, meta.IdempotencyKey, err)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.metrics.IncrLedgerGroup("staged")
	return groupID, nil
}

// replayLostIdempotencyRace resolves a lost claim race: the winning
// transaction has committed, so its group is visible and authoritative.
func (s *LedgerService) replayLostIdempotencyRace(ctx context.Context, tx *sql.Tx, key string, cause error) (string, error) {
	tx.Rollback()
	groupID, ok, err := s.findByIdempotencyKey(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", cause
	}
	return groupID, nil
}

// RecordTransactionTx stages a two-entry group inside the caller's database
// transaction. The caller owns commit/rollback.
func (s *LedgerService) RecordTransactionTx(ctx context.Context, tx *sql.Tx, debitAccountID, creditAccountID string, amount int64, description string, meta models.EntryMetadata) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if debitAccountID == creditAccountID {
		return "", ErrSameAccount
	}

	groupID := uuid.New().String()
	createdBy := middleware.CallerID(ctx)
	now := time.Now()

	if err := s.claimIdempotencyKeyTx(ctx, tx, meta.IdempotencyKey, groupID, now); err != nil {
		return "", err
	}

	if err := s.stageEntry(ctx, tx, groupID, debitAccountID, amount, description, meta, now, createdBy); err != nil {
		return "", err
	}
	if err := s.stageEntry(ctx, tx, groupID, creditAccountID, -amount, description, meta, now, createdBy); err != nil {
		return "", err
	}

	if err := s.validateGroupTx(ctx, tx, groupID); err != nil {
		return "", err
	}

	s.audit.LogTransfer(groupID, debitAccountID, creditAccountID, amount, "STAGED")
	return groupID, nil
}

// RecordMultiEntryTransaction writes a group of n>=2 entries given as
// debit/credit lines. Each line must carry exactly one side; the group must
// balance.
func (s *LedgerService) RecordMultiEntryTransaction(ctx context.Context, entries []models.EntryInput, description string, meta models.EntryMetadata) (string, error) {
	if len(entries) < 2 {
		return "", ErrTooFewEntries
	}

	var debits, credits int64
	for _, e := range entries {
		if e.Debit < 0 || e.Credit < 0 {
			return "", ErrInvalidAmount
		}
		if e.Debit > 0 && e.Credit > 0 {
			return "", ErrMixedEntry
		}
		if e.Debit == 0 && e.Credit == 0 {
			return "", ErrInvalidAmount
		}
		debits += e.Debit
		credits += e.Credit
	}
	if debits != credits {
		return "", ErrUnbalanced
	}

	if groupID, ok, err := s.findByIdempotencyKey(ctx, meta.IdempotencyKey); err != nil {
		return "", err
	} else if ok {
		return groupID, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	groupID := uuid.New().String()
	createdBy := middleware.CallerID(ctx)
	now := time.Now()

	if err := s.claimIdempotencyKeyTx(ctx, tx, meta.IdempotencyKey, groupID, now); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.replayLostIdempotencyRace(ctx, tx, meta.IdempotencyKey, err)
		}
		return "", err
	}

	for _, e := range entries {
		amount := e.Debit
		if amount == 0 {
			amount = -e.Credit
		}
		if err := s.stageEntry(ctx, tx, groupID, e.AccountID, amount, description, meta, now, createdBy); err != nil {
			return "", err
		}
	}

	// The authoritative balance gate runs against the staged rows, once per
	// group, so multi-statement writes are still all-or-nothing.
	if err := s.validateGroupTx(ctx, tx, groupID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.metrics.IncrLedgerGroup("staged")
	return groupID, nil
}

// Commit flips all pending entries of a group to committed, making them
// count toward balances.
func (s *LedgerService) Commit(ctx context.Context, groupID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.CommitTx(ctx, tx, groupID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.metrics.IncrLedgerGroup("committed")
	return nil
}

// CommitTx is Commit within the caller's transaction.
func (s *LedgerService) CommitTx(ctx context.Context, tx *sql.Tx, groupID string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE journal_entries SET status = 'committed'
		WHERE transaction_group_id = $1 AND status = 'pending'`, groupID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: group %s", ErrNothingPending, groupID)
	}
	return nil
}

// MarkSettled advances a committed group to settled. Pending entries cannot
// skip ahead and settled entries cannot move again.
func (s *LedgerService) MarkSettled(ctx context.Context, groupID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.MarkSettledTx(ctx, tx, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSettledTx is MarkSettled within the caller's transaction.
func (s *LedgerService) MarkSettledTx(ctx context.Context, tx *sql.Tx, groupID string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE journal_entries SET status = 'settled'
		WHERE transaction_group_id = $1 AND status = 'committed'`, groupID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		s.audit.LogInvariantViolation(groupID, ErrInvalidStatusTransition)
		return fmt.Errorf("%w: group %s has no committed entries", ErrInvalidStatusTransition, groupID)
	}
	return nil
}

// UpdatePendingEntry rewrites the amount and description of a staged entry.
// Committed and settled entries are immutable.
func (s *LedgerService) UpdatePendingEntry(ctx context.Context, entryID string, amount int64, description string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.EntryStatus
	var groupID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, transaction_group_id FROM journal_entries WHERE id = $1 FOR UPDATE`, entryID).
		Scan(&status, &groupID)
	if err != nil {
		return err
	}

	if status != models.EntryStatusPending {
		s.audit.LogInvariantViolation(groupID, ErrImmutableEntry)
		return ErrImmutableEntry
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE journal_entries SET amount = $1, description = $2 WHERE id = $3`,
		amount, description, entryID); err != nil {
		return err
	}

	// Amount changes re-open the balance question for the whole group.
	if err := s.validateGroupTx(ctx, tx, groupID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEntry removes a staged entry. Committed and settled entries are
// never deleted; corrections go through Reverse.
func (s *LedgerService) DeleteEntry(ctx context.Context, entryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.EntryStatus
	var groupID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, transaction_group_id FROM journal_entries WHERE id = $1 FOR UPDATE`, entryID).
		Scan(&status, &groupID)
	if err != nil {
		return err
	}

	if status != models.EntryStatusPending {
		s.audit.LogInvariantViolation(groupID, ErrImmutableEntry)
		return ErrImmutableEntry
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM journal_entries WHERE id = $1`, entryID); err != nil {
		return err
	}
	return tx.Commit()
}

// Reverse writes a new committed group mirroring an existing group with
// negated amounts. This is the only way to correct a committed group.
func (s *LedgerService) Reverse(ctx context.Context, groupID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT account_id, amount, description FROM journal_entries
		WHERE transaction_group_id = $1 AND status IN ('committed', 'settled')`, groupID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	type line struct {
		accountID   string
		amount      int64
		description string
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.accountID, &l.amount, &l.description); err != nil {
			return "", err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: group %s", ErrNothingPending, groupID)
	}

	reversalID := uuid.New().String()
	createdBy := middleware.CallerID(ctx)
	now := time.Now()
	meta := models.EntryMetadata{Extra: map[string]any{"reverses_group_id": groupID}}

	for _, l := range lines {
		if err := s.stageEntry(ctx, tx, reversalID, l.accountID, -l.amount, "reversal: "+l.description, meta, now, createdBy); err != nil {
			return "", err
		}
	}
	if err := s.validateGroupTx(ctx, tx, reversalID); err != nil {
		return "", err
	}
	if err := s.CommitTx(ctx, tx, reversalID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.audit.LogTransfer(reversalID, "", "", 0, "REVERSAL")
	return reversalID, nil
}

// GetAccountBalance sums committed and settled entries up to asOf. Pending
// entries never count.
func (s *LedgerService) GetAccountBalance(ctx context.Context, accountID string, asOf time.Time) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM journal_entries
		WHERE account_id = $1 AND status IN ('committed', 'settled') AND created_at <= $2`,
		accountID, asOf).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetGroup returns the entries of one transaction group.
func (s *LedgerService) GetGroup(ctx context.Context, groupID string) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_group_id, account_id, amount, status, description, metadata, created_at, created_by
		FROM journal_entries WHERE transaction_group_id = $1 ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		if err := rows.Scan(&e.ID, &e.TransactionGroupID, &e.AccountID, &e.AmountMinorUnits,
			&e.Status, &e.Description, &e.Metadata, &e.CreatedAt, &e.CreatedBy); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LedgerService) findByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var groupID string
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_group_id FROM ledger_idempotency_keys
		WHERE idempotency_key = $1`, key).Scan(&groupID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s.logger.Debug("idempotent replay of ledger transaction",
		zap.String("idempotency_key", key),
		zap.String("transaction_group_id", groupID))
	return groupID, true, nil
}

// claimIdempotencyKeyTx reserves the key for a new group in the same
// transaction that stages its entries. The primary key on idempotency_key
// makes concurrent claims lose deterministically: the insert blocks on the
// competing transaction and fails with a unique violation once it commits.
func (s *LedgerService) claimIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key, groupID string, now time.Time) error {
	if key == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_idempotency_keys (idempotency_key, transaction_group_id, created_at)
		VALUES ($1, $2, $3)`, key, groupID, now)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

// stageEntry inserts one pending entry after confirming its account exists
// and is active. One entry per account per group is enforced by a unique
// constraint.
func (s *LedgerService) stageEntry(ctx context.Context, tx *sql.Tx, groupID, accountID string, amount int64, description string, meta models.EntryMetadata, createdAt time.Time, createdBy string) error {
	var active bool
	err := tx.QueryRowContext(ctx, `SELECT active FROM accounts WHERE id = $1`, accountID).Scan(&active)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries (id, transaction_group_id, account_id, amount, status, description, metadata, created_at, created_by)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8)`,
		uuid.New().String(), groupID, accountID, amount, description, meta, createdAt, createdBy)
	return err
}

// validateGroupTx is the deferred invariant gate: evaluated once per group
// after all its entries are staged. Failure aborts the caller's transaction.
func (s *LedgerService) validateGroupTx(ctx context.Context, tx *sql.Tx, groupID string) error {
	var count int
	var sum int64
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM journal_entries
		WHERE transaction_group_id = $1`, groupID).Scan(&count, &sum)
	if err != nil {
		return err
	}

	if count < 2 {
		s.metrics.IncrLedgerGroup("rejected")
		s.audit.LogInvariantViolation(groupID, ErrTooFewEntries)
		return ErrTooFewEntries
	}
	if sum != 0 {
		s.metrics.IncrLedgerGroup("rejected")
		s.audit.LogInvariantViolation(groupID, ErrUnbalanced)
		return fmt.Errorf("%w: group %s sums to %d", ErrUnbalanced, groupID, sum)
	}
	return nil
}
