package keystate

import (
	"time"

	"github.com/stranmor/keyrelay/internal/logging"
)

// FallbackStore wraps a distributed backend with an in-memory store used
// whenever the backend errors. Every call degrades to the in-memory view
// rather than failing the request; callers never see the underlying error.
type FallbackStore struct {
	primary  Store
	fallback *MemoryStore
	logger   logging.Logger
}

// NewFallbackStore wraps primary (typically a *RedisStore) with an
// always-available in-memory store.
func NewFallbackStore(primary Store, logger logging.Logger) *FallbackStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &FallbackStore{
		primary:  primary,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

func (f *FallbackStore) warn(op string, err error) {
	f.logger.Warn("key state store degraded to in-memory fallback", map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	})
}

func (f *FallbackStore) Seed(groupName string, keys []string) error {
	_ = f.fallback.Seed(groupName, keys)
	if err := f.primary.Seed(groupName, keys); err != nil {
		f.warn("Seed", err)
	}
	return nil
}

func (f *FallbackStore) GetCandidateKeys(groupName string) ([]string, error) {
	keys, err := f.primary.GetCandidateKeys(groupName)
	if err != nil {
		f.warn("GetCandidateKeys", err)
		return f.fallback.GetCandidateKeys(groupName)
	}
	return keys, nil
}

func (f *FallbackStore) NextRotationIndex(groupName string) (uint64, error) {
	idx, err := f.primary.NextRotationIndex(groupName)
	if err != nil {
		f.warn("NextRotationIndex", err)
		return f.fallback.NextRotationIndex(groupName)
	}
	return idx, nil
}

func (f *FallbackStore) GetKeyState(key string) (KeyState, error) {
	st, err := f.primary.GetKeyState(key)
	if err != nil {
		f.warn("GetKeyState", err)
		return f.fallback.GetKeyState(key)
	}
	return st, nil
}

func (f *FallbackStore) MGetStates(keys []string) (map[string]KeyState, error) {
	states, err := f.primary.MGetStates(keys)
	if err != nil {
		f.warn("MGetStates", err)
		return f.fallback.MGetStates(keys)
	}
	return states, nil
}

func (f *FallbackStore) RecordSuccess(key, groupName string) error {
	_ = f.fallback.RecordSuccess(key, groupName)
	if err := f.primary.RecordSuccess(key, groupName); err != nil {
		f.warn("RecordSuccess", err)
	}
	return nil
}

func (f *FallbackStore) RecordFailure(key, groupName string, terminal bool, maxFailures uint32, blockFor time.Duration) error {
	_ = f.fallback.RecordFailure(key, groupName, terminal, maxFailures, blockFor)
	if err := f.primary.RecordFailure(key, groupName, terminal, maxFailures, blockFor); err != nil {
		f.warn("RecordFailure", err)
	}
	return nil
}

// Close releases the primary backend's resources, if it has any to
// release (the in-memory fallback needs none).
func (f *FallbackStore) Close() error {
	if closer, ok := f.primary.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (f *FallbackStore) Unblock(key string) error {
	_ = f.fallback.Unblock(key)
	if err := f.primary.Unblock(key); err != nil {
		f.warn("Unblock", err)
	}
	return nil
}
