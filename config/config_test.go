package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv(envListenAddr, "127.0.0.1:9999")
	t.Setenv(envUseUpnp, "false")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.False(t, cfg.UseUpnp)
	assert.Equal(t, Default().DataDir, cfg.DataDir) // unset vars keep defaults
}

func TestLoadFromEnvRejectsInvalidBool(t *testing.T) {
	t.Setenv(envUseUpnp, "not-a-bool")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}
