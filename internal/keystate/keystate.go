// Package keystate tracks per-key health (blocked/failing state) and the
// monotone rotation cursor used to pick the next candidate in a group. Two
// interchangeable backends satisfy the same Store contract: an in-memory
// map for single-process deployments, and a Redis-backed store for
// distributed ones.
package keystate

import "time"

// KeyState is the per-key health record.
type KeyState struct {
	Key                 string
	GroupName           string
	IsBlocked           bool
	ConsecutiveFailures uint32
	LastFailure         time.Time // zero value means "never failed"
	BlockedUntil         time.Time // zero value means permanent (or not blocked)
}

// ShouldBlock reports whether the given failure should cause a block.
func (s KeyState) ShouldBlock(maxFailures uint32, terminal bool) bool {
	return terminal || s.ConsecutiveFailures >= maxFailures
}

// IsAvailable reports whether the key is currently usable: either never
// blocked, or temporarily blocked with an expired deadline.
func (s KeyState) IsAvailable(now time.Time) bool {
	if !s.IsBlocked {
		return true
	}
	if s.BlockedUntil.IsZero() {
		return false // permanent block
	}
	return now.After(s.BlockedUntil)
}

// Store is the capability set every Key State backend implements: no
// inheritance, just the operations the Key Manager and retry loop need.
type Store interface {
	// Seed registers keys belonging to groupName so GetCandidateKeys can
	// see them before any success/failure has been recorded. Idempotent:
	// a key already known keeps its existing state.
	Seed(groupName string, keys []string) error

	// GetCandidateKeys returns every key known to the store for group,
	// regardless of health; callers filter for usability themselves.
	GetCandidateKeys(groupName string) ([]string, error)

	// NextRotationIndex does an atomic fetch-add on the group's cursor.
	NextRotationIndex(groupName string) (uint64, error)

	// GetKeyState returns the current state, or the zero-value "never
	// failed" state if the key has no record yet.
	GetKeyState(key string) (KeyState, error)

	// MGetStates bulk-reads state for several keys; used on the Key
	// Manager hot path to avoid a read per candidate.
	MGetStates(keys []string) (map[string]KeyState, error)

	// RecordSuccess resets ConsecutiveFailures to zero. It does not clear
	// IsBlocked: clearance is explicit via Unblock.
	RecordSuccess(key, groupName string) error

	// RecordFailure increments ConsecutiveFailures, sets LastFailure to
	// now, and sets IsBlocked when terminal or the threshold is reached.
	// Non-terminal blocks get a temporary deadline of blockFor from now.
	RecordFailure(key, groupName string, terminal bool, maxFailures uint32, blockFor time.Duration) error

	// Unblock explicitly resets a key's state to fully available.
	Unblock(key string) error
}
