package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stranmor/keyrelay/internal/apperrors"
)

const sampleYAML = `
server:
  port: 9090
groups:
  - name: primary
    api_keys: ["k1", "k2"]
    model_aliases: ["gemini-pro"]
redis_url: "redis://localhost:6379/0"
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, uint64(10), cfg.Server.ConnectTimeoutSecs)
	assert.Equal(t, uint64(60), cfg.Server.RequestTimeoutSecs)
	assert.Equal(t, uint32(3), cfg.MaxFailuresThreshold)
	assert.Equal(t, uint32(3), cfg.InternalRetries)
	assert.Equal(t, uint32(5), cfg.TemporaryBlockMinutes)
	assert.Equal(t, uint32(5), cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, defaultTargetURL, cfg.Groups[0].TargetURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	var pe *apperrors.ProxyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apperrors.ConfigNotFound, pe.Kind)
}

func TestValidateRequiresGroups(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one group")
}

func TestValidateRejectsEmptyGroup(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Groups: []KeyGroup{{Name: "g1"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `group "g1" has no api_keys`)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 70000},
		Groups: []KeyGroup{{Name: "g1", APIKeys: []string{"k"}}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestGroupForModel(t *testing.T) {
	cfg := &Config{Groups: []KeyGroup{
		{Name: "a", ModelAliases: []string{"model-a"}},
		{Name: "b", ModelAliases: []string{"model-b"}},
	}}
	name, ok := cfg.GroupForModel("model-b")
	require.True(t, ok)
	assert.Equal(t, "b", name)

	_, ok = cfg.GroupForModel("model-z")
	assert.False(t, ok)
}

func TestEffectiveTopPPrecedence(t *testing.T) {
	groupTopP := float32(0.5)
	serverTopP := float32(0.7)
	rootTopP := float32(0.9)

	cfg := &Config{
		TopP:   &rootTopP,
		Server: ServerConfig{TopP: &serverTopP},
		Groups: []KeyGroup{{Name: "g1", TopP: &groupTopP}, {Name: "g2"}},
	}

	assert.Equal(t, &groupTopP, cfg.EffectiveTopP("g1"))
	assert.Equal(t, &serverTopP, cfg.EffectiveTopP("g2"))

	cfg.Server.TopP = nil
	assert.Equal(t, &rootTopP, cfg.EffectiveTopP("g2"))
}

func TestEnvOverrideWins(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	t.Setenv("KEYRELAY_PORT", "7070")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestStoreReloadSwapsSnapshot(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\nmax_failures_threshold: 9\n"), 0o600))
	require.NoError(t, store.Reload(path))
	assert.Equal(t, uint32(9), store.Current().MaxFailuresThreshold)
}
