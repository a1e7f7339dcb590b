package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ConflictError reports an optimistic-write collision. Retryable.
type ConflictError struct {
	EntityID string
	Expected Version
	Actual   Version
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.EntityID, e.Expected, e.Actual)
}

// CycleDetectedError reports a dependency edge that would close a cycle.
type CycleDetectedError struct {
	Blocker string
	Blocked string
	Path    []string
}

func (e CycleDetectedError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("dependency %s -> %s would create cycle %s", e.Blocker, e.Blocked, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.Blocker, e.Blocked)
}

// VersionNotFoundError reports an unknown version id.
type VersionNotFoundError struct {
	Version Version
	Head    Version
}

func (e VersionNotFoundError) Error() string {
	return fmt.Sprintf("version %d not found (head is %d)", e.Version, e.Head)
}

// InvalidTransitionError reports a (state, trigger) pair outside the transition table.
type InvalidTransitionError struct {
	ItemID  string
	From    Status
	Trigger string
	Reason  string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for %s: %s from %s", e.ItemID, e.Trigger, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// BlockedError reports a lock held by someone else.
type BlockedError struct {
	ResourceID    string
	CurrentHolder string
	Mode          LockMode
}

func (e BlockedError) Error() string {
	return fmt.Sprintf("resource %s held %s by %s", e.ResourceID, e.Mode, e.CurrentHolder)
}

// LockTimeoutError reports a lock wait that ran out of time.
type LockTimeoutError struct {
	ResourceID    string
	CurrentHolder string
	Mode          LockMode
}

func (e LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s (held %s by %s)", e.ResourceID, e.Mode, e.CurrentHolder)
}

// NoSuitableWorkError is the legitimate "nothing to pull" result.
type NoSuitableWorkError struct {
	WorkerID string
}

func (e NoSuitableWorkError) Error() string {
	return fmt.Sprintf("no suitable work for worker %s", e.WorkerID)
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ForbiddenError reports an approver not allowed to decide a gate.
type ForbiddenError struct {
	Approver string
	Gate     string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not an approver for gate %s", e.Approver, e.Gate)
}

// NotHolderError reports a lock release by someone other than its holder.
type NotHolderError struct {
	Token    string
	HolderID string
	Caller   string
}

func (e NotHolderError) Error() string {
	return fmt.Sprintf("lock %s is held by %s, not %s", e.Token, e.HolderID, e.Caller)
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether err came from concurrent contention.
func IsRetryable(err error) bool {
	var ce ConflictError
	var lt LockTimeoutError
	var be BlockedError
	return errors.As(err, &ce) || errors.As(err, &lt) || errors.As(err, &be)
}

// IsConflict reports whether err is an optimistic-write collision.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}
