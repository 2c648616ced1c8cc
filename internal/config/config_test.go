package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlhq/spiderd/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 6800, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Launcher.MaxProc)
	assert.Equal(t, 4, cfg.Launcher.MaxProcPerCPU)
	assert.Equal(t, 100, cfg.Launcher.FinishedToKeep)
	assert.Equal(t, 5, cfg.Launcher.PollIntervalSeconds)
	assert.Equal(t, "python", cfg.Runner.Python)
	assert.Equal(t, "scrapyd.runner", cfg.Runner.Module)
	assert.Equal(t, 5, cfg.Paths.LogsToKeep)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spiderd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
launcher:
  max_proc: 2
settings:
  mybot: mybot.settings
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Launcher.MaxProc)
	assert.Equal(t, map[string]string{"mybot": "mybot.settings"}, cfg.Settings)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := config.Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"BadPort", func(c *config.Config) { c.Server.Port = 0 }},
		{"NegativeMaxProc", func(c *config.Config) { c.Launcher.MaxProc = -1 }},
		{"NoPerCPUFallback", func(c *config.Config) {
			c.Launcher.MaxProc = 0
			c.Launcher.MaxProcPerCPU = 0
		}},
		{"BadFinishedToKeep", func(c *config.Config) { c.Launcher.FinishedToKeep = 0 }},
		{"BadPollInterval", func(c *config.Config) { c.Launcher.PollIntervalSeconds = 0 }},
		{"NoRunner", func(c *config.Config) { c.Runner.Python = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestEffectiveMaxProc(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Launcher.MaxProc = 3
	assert.Equal(t, 3, cfg.EffectiveMaxProc())

	cfg.Launcher.MaxProc = 0
	cfg.Launcher.MaxProcPerCPU = 4
	assert.Equal(t, runtime.NumCPU()*4, cfg.EffectiveMaxProc())
}
