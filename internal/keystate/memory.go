package keystate

import (
	"sync"
	"time"

	"github.com/stranmor/keyrelay/internal/logging"
)

// MemoryStore is a single mutex-protected map of key states plus one
// rotation counter per group. Latency is O(1) and there is no
// cross-process coordination.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string]KeyState
	cursors map[string]uint64
	logger  logging.Logger
}

// NewMemoryStore builds an empty in-memory key state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]KeyState),
		cursors: make(map[string]uint64),
		logger:  logging.NoOpLogger{},
	}
}

// SetLogger wires a structured logger in; nil is treated as no-op.
func (m *MemoryStore) SetLogger(logger logging.Logger) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	m.logger = logger
}

func (m *MemoryStore) Seed(groupName string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		if _, ok := m.states[k]; !ok {
			m.states[k] = KeyState{Key: k, GroupName: groupName}
		}
	}
	return nil
}

func (m *MemoryStore) GetCandidateKeys(groupName string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, st := range m.states {
		if st.GroupName == groupName {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) NextRotationIndex(groupName string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.cursors[groupName]
	m.cursors[groupName] = idx + 1
	return idx, nil
}

func (m *MemoryStore) GetKeyState(key string) (KeyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[key]
	if !ok {
		return KeyState{Key: key}, nil
	}
	return st, nil
}

func (m *MemoryStore) MGetStates(keys []string) (map[string]KeyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]KeyState, len(keys))
	for _, k := range keys {
		if st, ok := m.states[k]; ok {
			out[k] = st
		} else {
			out[k] = KeyState{Key: k}
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordSuccess(key, groupName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[key]
	st.Key = key
	st.GroupName = groupName
	st.ConsecutiveFailures = 0
	m.states[key] = st

	m.logger.Debug("key success recorded", map[string]interface{}{"key_prefix": previewKey(key)})
	return nil
}

func (m *MemoryStore) RecordFailure(key, groupName string, terminal bool, maxFailures uint32, blockFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[key]
	st.Key = key
	st.GroupName = groupName
	st.ConsecutiveFailures++
	st.LastFailure = time.Now()

	if st.ShouldBlock(maxFailures, terminal) {
		st.IsBlocked = true
		if terminal {
			st.BlockedUntil = time.Time{} // permanent
		} else {
			st.BlockedUntil = time.Now().Add(blockFor)
		}
	}
	m.states[key] = st

	m.logger.Warn("key failure recorded", map[string]interface{}{
		"key_prefix": previewKey(key),
		"terminal":   terminal,
		"blocked":    st.IsBlocked,
		"failures":   st.ConsecutiveFailures,
	})
	return nil
}

func (m *MemoryStore) Unblock(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[key]
	st.Key = key
	st.IsBlocked = false
	st.ConsecutiveFailures = 0
	st.LastFailure = time.Time{}
	st.BlockedUntil = time.Time{}
	m.states[key] = st
	return nil
}

func previewKey(key string) string {
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "***"
}
