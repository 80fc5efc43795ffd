package services

import (
	"errors"

	"github.com/lib/pq"
)

// Validation errors: rejected immediately, no state change.
var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrUnknownAccount        = errors.New("account not found or inactive")
	ErrSameAccount           = errors.New("debit and credit account must differ")
	ErrNormalBalanceMismatch = errors.New("normal balance does not match account type")
)

// Invariant violations: the entire write is aborted, never partially applied.
var (
	ErrUnbalanced              = errors.New("transaction group does not balance")
	ErrTooFewEntries           = errors.New("transaction group needs at least two entries")
	ErrMixedEntry              = errors.New("entry cannot carry both a debit and a credit")
	ErrNothingPending          = errors.New("no pending entries in transaction group")
	ErrImmutableEntry          = errors.New("committed or settled entries cannot be changed")
	ErrInvalidStatusTransition = errors.New("entry status can only move forward")
)

// Reference errors.
var (
	ErrUnresolvedReference = errors.New("referenced card, agent or account cannot be resolved")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrCardNotFound        = errors.New("card not found")
	ErrCardAlreadyActive   = errors.New("agent already has an active card")
)

// Write conflicts: a concurrent call with the same key committed first.
// The stored outcome is authoritative; the losing transaction rolls back.
var (
	ErrDuplicateAuthorization  = errors.New("authorization id already decided")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")
)

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
