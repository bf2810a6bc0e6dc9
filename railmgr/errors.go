package railmgr

import "errors"

var (
	// ErrRailNotFound is returned for operations on a rail id that was
	// never allocated or has already been finalized.
	ErrRailNotFound = errors.New("rail not found")

	// ErrRailTerminated is returned when terminating a rail twice.
	ErrRailTerminated = errors.New("rail already terminated")

	// ErrNotAuthorized is returned when the caller is not allowed to
	// perform the requested operation.
	ErrNotAuthorized = errors.New("caller not authorized")

	// ErrOperationInProgress is returned when another operation holds
	// the rail or account the caller wants to mutate, including
	// reentrant calls made from inside a token transfer.
	ErrOperationInProgress = errors.New("conflicting operation in progress")

	// ErrInsufficientFunds is returned when an account's unlocked
	// balance cannot cover a withdrawal or a lockup increase.
	ErrInsufficientFunds = errors.New("insufficient unlocked funds")

	// ErrAllowanceExceeded is returned when an operator tries to commit
	// beyond the rate or lockup allowance granted by the client.
	ErrAllowanceExceeded = errors.New("operator allowance exceeded")

	// ErrLockupNotSettled is returned when an operation requires the
	// payer's lockup to be settled to the current epoch and it is not.
	ErrLockupNotSettled = errors.New("account lockup not settled to current epoch")

	// ErrRailInDebt is returned when a rail's payer has not kept lockup
	// settled far enough to cover the rail's lockup period.
	ErrRailInDebt = errors.New("rail is in debt")

	// ErrInvariantViolated marks internal accounting violations. Unlike
	// the errors above it indicates a bug, not bad input; callers
	// should surface it to monitoring. It is always wrapped with
	// context, match it with errors.Is.
	ErrInvariantViolated = errors.New("internal accounting invariant violated")
)
