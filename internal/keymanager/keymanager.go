// Package keymanager selects the next usable credential for a request,
// flattening configured groups into per-key routing info once at startup
// and advancing a round-robin cursor over whichever keys are currently
// usable.
package keymanager

import (
	"time"

	"github.com/stranmor/keyrelay/internal/config"
	"github.com/stranmor/keyrelay/internal/keystate"
	"github.com/stranmor/keyrelay/internal/logging"
	"github.com/stranmor/keyrelay/internal/secret"
)

// FlattenedKeyInfo is the per-key denormalization produced once at startup
// from the configured groups: immutable for the lifetime of a config
// snapshot.
type FlattenedKeyInfo struct {
	Key       secret.Key
	GroupName string
	TargetURL string
	ProxyURL  string
}

// Manager resolves a model name or explicit group hint to the next usable
// key, in round-robin order over currently-usable keys.
type Manager struct {
	store  keystate.Store
	logger logging.Logger
	// byGroup indexes flattened key info by group name, in configuration
	// order, rebuilt whenever the config snapshot changes.
	byGroup map[string][]FlattenedKeyInfo
	// cfg is retained only to resolve model aliases and the default group.
	cfg *config.Config
}

// New flattens cfg's groups and seeds the key state store with every
// configured key so GetCandidateKeys works immediately.
func New(cfg *config.Config, store keystate.Store, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	m := &Manager{store: store, logger: logger}
	if err := m.Rebuild(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Rebuild reindexes the manager for a new config snapshot, e.g. after a hot
// reload. It is safe to call concurrently with Next only if the caller
// guards against torn reads at a higher level (the HTTP server reloads
// while not serving, in this proxy's bootstrap).
func (m *Manager) Rebuild(cfg *config.Config) error {
	byGroup := make(map[string][]FlattenedKeyInfo, len(cfg.Groups))
	for _, g := range cfg.Groups {
		infos := make([]FlattenedKeyInfo, 0, len(g.APIKeys))
		for _, raw := range g.APIKeys {
			infos = append(infos, FlattenedKeyInfo{
				Key:       secret.New(raw),
				GroupName: g.Name,
				TargetURL: g.TargetURL,
				ProxyURL:  g.ProxyURL,
			})
		}
		byGroup[g.Name] = infos
		if err := m.store.Seed(g.Name, g.APIKeys); err != nil {
			return err
		}
	}
	m.byGroup = byGroup
	m.cfg = cfg
	return nil
}

// ResolveGroup picks the target group per the resolution order: explicit
// hint, else the group whose model_aliases contains model, else the first
// configured group. Returns false only when no groups exist.
func (m *Manager) ResolveGroup(groupHint, model string) (string, bool) {
	if groupHint != "" {
		if _, ok := m.byGroup[groupHint]; ok {
			return groupHint, true
		}
	}
	if model != "" {
		if name, ok := m.cfg.GroupForModel(model); ok {
			return name, true
		}
	}
	if len(m.cfg.Groups) > 0 {
		return m.cfg.Groups[0].Name, true
	}
	return "", false
}

// Next returns the next usable key in groupName, advancing the group's
// rotation cursor. Returns false when no key in the group is currently
// usable. Store read errors degrade to "treat all keys as usable" so
// callers never see the error — selection still returns a candidate.
func (m *Manager) Next(groupName string) (FlattenedKeyInfo, bool) {
	candidates := m.byGroup[groupName]
	if len(candidates) == 0 {
		return FlattenedKeyInfo{}, false
	}

	usable := m.filterUsable(groupName, candidates)
	if len(usable) == 0 {
		return FlattenedKeyInfo{}, false
	}

	idx, err := m.store.NextRotationIndex(groupName)
	if err != nil {
		m.logger.Warn("rotation cursor read failed, defaulting to index 0", map[string]interface{}{
			"group": groupName,
			"error": err.Error(),
		})
		idx = 0
	}

	chosen := usable[idx%uint64(len(usable))]
	return chosen, true
}

// filterUsable returns candidates whose underlying key state is available,
// preserving configuration order. A store read error is treated as "every
// key is usable" rather than surfaced to the caller.
func (m *Manager) filterUsable(groupName string, candidates []FlattenedKeyInfo) []FlattenedKeyInfo {
	rawKeys := make([]string, len(candidates))
	for i, c := range candidates {
		rawKeys[i] = c.Key.Expose()
	}

	states, err := m.store.MGetStates(rawKeys)
	if err != nil {
		m.logger.Warn("key state bulk read failed, treating all keys as usable", map[string]interface{}{
			"group": groupName,
			"error": err.Error(),
		})
		return candidates
	}

	usable := make([]FlattenedKeyInfo, 0, len(candidates))
	for _, c := range candidates {
		st, ok := states[c.Key.Expose()]
		if !ok || st.IsAvailable(time.Now()) {
			usable = append(usable, c)
		}
	}
	return usable
}
