package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Port     int           `env:"TEST_CFG_PORT" envDefault:"8005"`
	Login    string        `env:"TEST_CFG_LOGIN" envDefault:"waxhands"`
	Cutoff   time.Duration `env:"TEST_CFG_CUTOFF" envDefault:"72h"`
	TestMode bool          `env:"TEST_CFG_TEST_MODE" envDefault:"false"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 8005, cfg.Port)
	assert.Equal(t, "waxhands", cfg.Login)
	assert.Equal(t, 72*time.Hour, cfg.Cutoff)
	assert.False(t, cfg.TestMode)
}

func TestLoad_FromEnvVars(t *testing.T) {
	t.Setenv("TEST_CFG_PORT", "9090")
	t.Setenv("TEST_CFG_CUTOFF", "48h")
	t.Setenv("TEST_CFG_TEST_MODE", "true")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.Cutoff)
	assert.True(t, cfg.TestMode)
}

func TestLoad_DotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_CFG_LOGIN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEST_CFG_LOGIN") })

	var cfg testConfig
	require.NoError(t, Load(&cfg, path))

	assert.Equal(t, "from-dotenv", cfg.Login)
}

func TestLoad_DotenvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_CFG_PORT=1111\n"), 0o600))
	t.Setenv("TEST_CFG_PORT", "2222")

	var cfg testConfig
	require.NoError(t, Load(&cfg, path))

	assert.Equal(t, 2222, cfg.Port)
}

func TestLoad_MissingDotenvIsIgnored(t *testing.T) {
	var cfg testConfig
	require.NoError(t, Load(&cfg, filepath.Join(t.TempDir(), "absent.env")))
}

type requiredConfig struct {
	Password string `env:"TEST_CFG_PASSWORD,required"`
}

func TestLoad_RequiredFieldMissing(t *testing.T) {
	var cfg requiredConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
