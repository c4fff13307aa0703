package model

import "github.com/pkg/errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnsupportedPair   = errors.New("unsupported pair")
	ErrExecutionFailed   = errors.New("execution failed")

	// refinements, errors.Is still matches ErrInvalidState
	ErrNotAccepted = errors.Wrap(ErrInvalidState, "issue not accepted")
	ErrPoolClosed  = errors.Wrap(ErrInvalidState, "pool closed")
)

// ordered most specific first
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrNotAccepted, "NotAccepted"},
	{ErrPoolClosed, "PoolClosed"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNotFound, "NotFound"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrInvalidState, "InvalidState"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrUnsupportedPair, "UnsupportedPair"},
	{ErrExecutionFailed, "ExecutionFailed"},
}

// KindOf returns the taxonomy name of err, or "Internal" for anything that is
// not a ledger error (journal/io failures).
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// Retryable - only a failed execution may be retried with a fresh attempt
func Retryable(err error) bool {
	return errors.Is(err, ErrExecutionFailed)
}
