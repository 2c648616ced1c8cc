// Package config loads and validates spiderd configuration via Viper.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Launcher LauncherConfig    `mapstructure:"launcher"`
	Runner   RunnerConfig      `mapstructure:"runner"`
	Paths    PathsConfig       `mapstructure:"paths"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Settings map[string]string `mapstructure:"settings"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LauncherConfig governs the worker-slot pool.
type LauncherConfig struct {
	MaxProc             int `mapstructure:"max_proc"`
	MaxProcPerCPU       int `mapstructure:"max_proc_per_cpu"`
	FinishedToKeep      int `mapstructure:"finished_to_keep"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// RunnerConfig names the interpreter and module that run one crawl job.
type RunnerConfig struct {
	Python string `mapstructure:"python"`
	Module string `mapstructure:"module"`
}

// PathsConfig sets the on-disk layout for eggs, logs and queue databases.
type PathsConfig struct {
	EggsDir    string `mapstructure:"eggs_dir"`
	LogsDir    string `mapstructure:"logs_dir"`
	DBsDir     string `mapstructure:"dbs_dir"`
	LogsToKeep int    `mapstructure:"logs_to_keep"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 6800)
	v.SetDefault("launcher.max_proc", 0)
	v.SetDefault("launcher.max_proc_per_cpu", 4)
	v.SetDefault("launcher.finished_to_keep", 100)
	v.SetDefault("launcher.poll_interval_seconds", 5)
	v.SetDefault("runner.python", "python")
	v.SetDefault("runner.module", "scrapyd.runner")
	v.SetDefault("paths.eggs_dir", "data/eggs")
	v.SetDefault("paths.logs_dir", "data/logs")
	v.SetDefault("paths.dbs_dir", "data/dbs")
	v.SetDefault("paths.logs_to_keep", 5)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Launcher.MaxProc < 0 {
		return fmt.Errorf("launcher.max_proc must be >= 0")
	}
	if c.Launcher.MaxProc == 0 && c.Launcher.MaxProcPerCPU <= 0 {
		return fmt.Errorf("launcher.max_proc_per_cpu must be > 0 when launcher.max_proc is 0")
	}
	if c.Launcher.FinishedToKeep <= 0 {
		return fmt.Errorf("launcher.finished_to_keep must be > 0")
	}
	if c.Launcher.PollIntervalSeconds <= 0 {
		return fmt.Errorf("launcher.poll_interval_seconds must be > 0")
	}
	if c.Runner.Python == "" || c.Runner.Module == "" {
		return fmt.Errorf("runner.python and runner.module must be set")
	}
	if c.Paths.LogsToKeep < 0 {
		return fmt.Errorf("paths.logs_to_keep must be >= 0")
	}
	return nil
}

// EffectiveMaxProc resolves launcher.max_proc, deriving it from the CPU
// count when unset.
func (c Config) EffectiveMaxProc() int {
	if c.Launcher.MaxProc > 0 {
		return c.Launcher.MaxProc
	}
	return runtime.NumCPU() * c.Launcher.MaxProcPerCPU
}
