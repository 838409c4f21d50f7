package configloader_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/common/configloader"
)

type sample struct {
	Name     string        `mapstructure:"name"`
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
	Symbols  []string      `mapstructure:"symbols"`
	Secret   string        `mapstructure:"secret" json:"-"`
	Limit    int           `mapstructure:"limit"`
	Rate     float64       `mapstructure:"rate"`

	defaulted bool
}

func (s *sample) ApplyDefaults() {
	s.defaulted = true
	if s.Interval == 0 {
		s.Interval = time.Second
	}
}

func (s *sample) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeYAML(t, "name: feed\nsymbols: [AAPL, MSFT]\n")

	var cfg sample
	err := configloader.Load(configloader.Options{
		Path:      path,
		EnvPrefix: "CFGTEST_A",
		Defaults:  map[string]interface{}{"enabled": true},
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "feed", cfg.Name)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Symbols)
	assert.Equal(t, time.Second, cfg.Interval)
	assert.True(t, cfg.defaulted)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "name: feed\ninterval: 2s\n")
	t.Setenv("CFGTEST_B_INTERVAL", "5s")
	t.Setenv("CFGTEST_B_ENABLED", "true")

	var cfg sample
	err := configloader.Load(configloader.Options{
		Path:      path,
		EnvPrefix: "CFGTEST_B",
		Defaults:  map[string]interface{}{"enabled": false},
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.True(t, cfg.Enabled)
}

func TestLoad_EnvStringsIntoNumbersAndLists(t *testing.T) {
	t.Setenv("CFGTEST_D_NAME", "feed")
	t.Setenv("CFGTEST_D_LIMIT", " 25 ")
	t.Setenv("CFGTEST_D_RATE", "0.5")
	t.Setenv("CFGTEST_D_SYMBOLS", "AAPL, MSFT,,TSLA ")

	var cfg sample
	err := configloader.Load(configloader.Options{
		EnvPrefix: "CFGTEST_D",
		Defaults:  map[string]interface{}{"name": "", "limit": 0, "rate": 1.0, "symbols": []string{}},
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Limit)
	assert.Equal(t, 0.5, cfg.Rate)
	assert.Equal(t, []string{"AAPL", "MSFT", "TSLA"}, cfg.Symbols)
}

func TestLoad_BadNumberInEnv(t *testing.T) {
	t.Setenv("CFGTEST_E_LIMIT", "many")

	var cfg sample
	err := configloader.Load(configloader.Options{
		EnvPrefix: "CFGTEST_E",
		Defaults:  map[string]interface{}{"name": "feed", "limit": 0},
	}, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failed")
}

func TestLoad_ValidationError(t *testing.T) {
	var cfg sample
	err := configloader.Load(configloader.Options{EnvPrefix: "CFGTEST_C"}, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sample
	err := configloader.Load(configloader.Options{Path: "/nonexistent/config.yaml"}, &cfg)
	require.Error(t, err)
}

func TestFprint_HidesSecrets(t *testing.T) {
	var buf bytes.Buffer
	configloader.Fprint(&buf, sample{Name: "feed", Secret: "s3cr3t"})
	assert.Contains(t, buf.String(), "Loaded configuration")
	assert.NotContains(t, buf.String(), "s3cr3t")
}
