package state

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountNotEmpty     = errors.New("account not empty")
	ErrAccountClosed       = errors.New("account closed")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrStaleOracle         = errors.New("oracle price stale")
	ErrNoOraclePrice       = errors.New("no oracle price")
)

// LiquidationError is reported per account and never aborts a crank pass.
type LiquidationError struct {
	AccountIndex uint64
	Reason       string
	Err          error
}

func (e *LiquidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("liquidation of account %d failed (%s): %v", e.AccountIndex, e.Reason, e.Err)
	}
	return fmt.Sprintf("liquidation of account %d failed: %s", e.AccountIndex, e.Reason)
}

func (e *LiquidationError) Unwrap() error { return e.Err }
