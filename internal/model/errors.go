package model

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. Every precondition failure in the
// engine maps to exactly one of these; all are recoverable by retrying after
// the precondition is satisfied.
const (
	CodeOwnershipMismatch     = "OWNERSHIP_MISMATCH"
	CodeAlreadyInitialized    = "ALREADY_INITIALIZED"
	CodeNotInitialized        = "NOT_INITIALIZED"
	CodeCooldownActive        = "COOLDOWN_ACTIVE"
	CodeInsufficientAllowance = "INSUFFICIENT_ALLOWANCE"
	CodeInsufficientParts     = "INSUFFICIENT_PARTS"
	CodeBotLocked             = "BOT_LOCKED"
	CodeClassMismatch         = "CLASS_MISMATCH"
	CodeEventFull             = "EVENT_FULL"
	CodeDuplicateEntry        = "DUPLICATE_ENTRY"
	CodeNotFitToRace          = "NOT_FIT_TO_RACE"
	CodeInvalidPrice          = "INVALID_PRICE"
	CodeListingNotFound       = "LISTING_NOT_FOUND"
	CodeRaceNotFound          = "RACE_NOT_FOUND"
	CodeRaceClosed            = "RACE_CLOSED"
	CodeSponsorTooSmall       = "SPONSOR_TOO_SMALL"
	CodeNoActiveUpgrade       = "NO_ACTIVE_UPGRADE"
	CodeInvalidStat           = "INVALID_STAT"
)

// DomainError is a recoverable precondition failure with a stable code.
// Tool handlers and HTTP handlers translate it into a structured error
// payload instead of a transport-level failure.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a DomainError with a formatted message.
func Errorf(code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsDomain unwraps err to a DomainError, if it is one.
func AsDomain(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
