/*
errors.go - Centralized error taxonomy for the cultivation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Business-rule rejections are ordinary returned errors that callers branch
  on; nothing in this package panics on a rejected operation.

ERROR CATEGORIES:
  1. Lookup         - ErrNotFound (missing or belongs to another site)
  2. Lifecycle      - ErrInvalidTransition, ErrTerminalStage, ErrApprovalRequired,
                      ErrPreconditionFailed
  3. Quota          - ErrLimitExceeded (daily | weekly | per_mother)
  4. Genealogy      - ErrCycleDetected
  5. Integrity      - ErrIntegrityViolation (stored data is corrupt; never repaired)
  6. Input / state  - ErrValidationFailed, ErrInvalidState, ErrDuplicateKey
  7. Contention     - ErrConcurrencyConflict (safe to retry)

USAGE:
  Every structured error unwraps to its sentinel:

    var limit *cultivation.LimitExceededError
    if errors.As(err, &limit) && limit.Scope == cultivation.ScopeDaily {
        // route the requester into the override workflow
    }

SEE ALSO:
  - api/errors.go: HTTP status mapping
  - store/sqlstore: driver error mapping
*/
package cultivation

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrTerminalStage       = errors.New("terminal stage violation")
	ErrApprovalRequired    = errors.New("approval required")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrCycleDetected       = errors.New("cycle detected")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrValidationFailed    = errors.New("validation failed")
	ErrInvalidState        = errors.New("invalid state")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrDuplicateKey        = errors.New("duplicate key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// InvalidTransitionError means the stage graph has no edge from -> to.
type InvalidTransitionError struct {
	From StageID
	To   StageID
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition from stage %s to stage %s", e.From, e.To)
}
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// TerminalStageError means the batch already sits in a terminal stage.
type TerminalStageError struct {
	BatchID BatchID
	StageID StageID
}

func (e *TerminalStageError) Error() string {
	return fmt.Sprintf("batch %s is in terminal stage %s", e.BatchID, e.StageID)
}
func (e *TerminalStageError) Unwrap() error { return ErrTerminalStage }

// ApprovalRequiredError means the actor's role does not match the role the
// edge (or override resolution) demands.
type ApprovalRequiredError struct {
	RequiredRole string
	ActorRole    string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval by role %q required (actor role %q)", e.RequiredRole, e.ActorRole)
}
func (e *ApprovalRequiredError) Unwrap() error { return ErrApprovalRequired }

// PreconditionError lists the fields a target stage requires but the batch lacks.
type PreconditionError struct {
	BatchID BatchID
	Missing []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("batch %s missing required fields: %s", e.BatchID, strings.Join(e.Missing, ", "))
}
func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// LimitExceededError provides details about a quota breach.
type LimitExceededError struct {
	Scope     LimitScope
	Limit     int
	Used      int
	Requested int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s propagation limit exceeded: used %d + requested %d > limit %d",
		e.Scope, e.Used, e.Requested, e.Limit)
}
func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// Remaining is the headroom left under the breached limit.
func (e *LimitExceededError) Remaining() int {
	if r := e.Limit - e.Used; r > 0 {
		return r
	}
	return 0
}

// CycleError means recording parent -> child would close a loop.
type CycleError struct {
	ParentID BatchID
	ChildID  BatchID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("relationship %s -> %s would create a cycle", e.ParentID, e.ChildID)
}
func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// IntegrityError reports corrupt stored data. It is surfaced, never repaired.
type IntegrityError struct {
	Entity string
	ID     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s %s: %s", e.Entity, e.ID, e.Detail)
}
func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// Integrity wraps err as an IntegrityError for the given entity.
func Integrity(entity, id string, err error) error {
	return &IntegrityError{Entity: entity, ID: id, Detail: err.Error()}
}

// ValidationError provides details about malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }
func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

func invalid(field, message string) error { return &ValidationError{Field: field, Message: message} }

// InvalidStateError means the entity is not in a state that allows the operation.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s in state %s: %s", e.Entity, e.ID, e.State, e.Reason)
	}
	return fmt.Sprintf("%s %s in state %s", e.Entity, e.ID, e.State)
}
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// DuplicateKeyError means a per-site unique key is already taken.
type DuplicateKeyError struct {
	Entity string
	SiteID SiteID
	Key    string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s key %q already exists in site %s", e.Entity, e.Key, e.SiteID)
}
func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsRejection returns true for expected business-rule outcomes, as opposed to
// infrastructure or integrity failures.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTerminalStage) ||
		errors.Is(err, ErrApprovalRequired) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NeedsOverride reports whether the requester should be routed into the
// override workflow rather than shown a generic failure.
func NeedsOverride(err error) bool {
	return errors.Is(err, ErrLimitExceeded)
}

// NeedsApproval reports whether the caller must obtain approval from another role.
func NeedsApproval(err error) bool {
	return errors.Is(err, ErrApprovalRequired)
}
