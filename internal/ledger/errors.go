package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyFinalized         = errors.New("transaction already finalized")
	ErrAlreadyExecuted          = errors.New("trade already executed")
	ErrInvalidAmount            = errors.New("amount must be greater than zero")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountBlocked           = errors.New("account is blocked")
	ErrConcurrentUpdateConflict = errors.New("account modified by another transaction")
	ErrContention               = errors.New("ledger update failed after retries")
	ErrStatusPrecondition       = errors.New("status precondition failed")
	ErrPartialFanOut            = errors.New("copy trade fan-out partially failed")
	ErrInvalidInput             = errors.New("invalid input")
	ErrDuplicate                = errors.New("already exists")
	ErrForbidden                = errors.New("forbidden")
)

// FollowerFailure describes why one follower did not receive a copy trade.
type FollowerFailure struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
	Err       error  `json:"-"`
}

// PartialFanOutError is returned next to a successful fan-out result when one
// or more followers could not be processed.
type PartialFanOutError struct {
	TradeID  string
	Failures []FollowerFailure
}

func (e *PartialFanOutError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.AccountID)
	}
	return fmt.Sprintf("%s: trade %s, %d follower(s) failed [%s]",
		ErrPartialFanOut.Error(), e.TradeID, len(e.Failures), strings.Join(ids, ", "))
}

func (e *PartialFanOutError) Unwrap() error {
	return ErrPartialFanOut
}
