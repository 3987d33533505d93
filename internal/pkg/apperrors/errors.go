package apperrors

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Error taxonomy shared by every ledger component. Services wrap these with
// fmt.Errorf("%w: ...") and callers match with errors.Is.
var (
	// ErrValidation covers amount and limit violations. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the status transition lost a CAS race or the record
	// is already terminal. Treated as an idempotent no-op, not a failure.
	ErrConflict = errors.New("conflict: already processed")

	// ErrInsufficientFunds means a debit would overdraw a member balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvariantViolation means a reserve pool would go negative or
	// reconciliation drift exceeds tolerance. Logged and alerted, never
	// silently clamped.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrGateway is an external payment-provider failure. Transient cases are
	// retried with backoff by the caller; the transaction stays PENDING.
	ErrGateway = errors.New("gateway error")
)

// StatusCode maps a taxonomy error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, ErrInsufficientFunds):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrInvariantViolation):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrGateway):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}
