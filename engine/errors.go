package engine

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrUnknownPlayer    = errors.New("player is not part of this match")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrStaleCommand     = errors.New("stale command")
	ErrMatchNotCreated  = errors.New("match not created")
	ErrNotWaiting       = errors.New("player is not in the waiting pool")
	ErrAlreadyInMatch   = errors.New("player is already in a match")
	ErrNotPaid          = errors.New("player has not paid")
	ErrNoMatch          = errors.New("no such match")
	ErrMatchFinished    = errors.New("match finished")
	ErrMatchInProgress  = errors.New("match still in progress")
	ErrSchedulerRunning = errors.New("scheduler already running")
)

// MatchError ties an error to the match it happened in.
type MatchError struct {
	MatchID int64
	Err     error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("match %d: %v", e.MatchID, e.Err)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// PayoutError reports the transfers that failed while settling a match. The
// match is cleaned up regardless; the simulation outcome stands.
type PayoutError struct {
	MatchID int64
	Errs    *multierror.Error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("match %d payout: %v", e.MatchID, e.Errs)
}

func (e *PayoutError) Unwrap() error {
	return e.Errs.ErrorOrNil()
}
