// Package config loads rowcost settings from a file, ROWCOST_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mickamy/rowcost/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. ROWCOST_DATABASE_DSN.
const EnvPrefix = "ROWCOST"

// Config holds everything a run needs. It is passed down explicitly.
type Config struct {
	Database    DatabaseConfig `mapstructure:"database"`
	Stats       StatsConfig    `mapstructure:"stats"`
	Insights    InsightConfig  `mapstructure:"insights"`
	Diff        DiffConfig     `mapstructure:"diff"`
	Log         logging.Config `mapstructure:"log"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Concurrency int            `mapstructure:"concurrency"`
}

// DatabaseConfig points at the MySQL server used for EXPLAIN.
type DatabaseConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StatsConfig lists the statistics snapshots, highest precedence first.
type StatsConfig struct {
	Manual string `mapstructure:"manual"`
	Dump   string `mapstructure:"dump"`
	Fuzzed string `mapstructure:"fuzzed"`
}

// InsightConfig defines cost thresholds for insight generation.
type InsightConfig struct {
	CostWarning  int64 `mapstructure:"cost_warning"`
	CostCritical int64 `mapstructure:"cost_critical"`
}

// DiffConfig defines thresholds for diff summaries.
type DiffConfig struct {
	MinDelta         int64   `mapstructure:"min_delta"`
	MinPercentChange float64 `mapstructure:"min_percent_change"`
	MaxItems         int     `mapstructure:"max_items"`
}

// MetricsConfig controls the Prometheus textfile written after a run.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Timeout: 30 * time.Second,
		},
		Insights: InsightConfig{
			CostWarning:  10000,
			CostCritical: 1000000,
		},
		Diff: DiffConfig{
			MinDelta:         100,
			MinPercentChange: 10,
			MaxItems:         8,
		},
		Log: logging.Config{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Concurrency: 4,
	}
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"dsn":              "database.dsn",
	"timeout":          "database.timeout",
	"manual-stats":     "stats.manual",
	"dump-stats":       "stats.dump",
	"fuzzed-stats":     "stats.fuzzed",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"metrics-textfile": "metrics.textfile",
	"concurrency":      "concurrency",
}

// Load reads the configuration file at path (YAML or JSON, by extension) on
// top of Default, then applies environment overrides and any flags in flags
// that were set explicitly. An empty path skips the file.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the estimator cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Database.Timeout < 0 {
		errs = append(errs, fmt.Errorf("database timeout must not be negative, got %s", c.Database.Timeout))
	}
	if c.Insights.CostWarning > c.Insights.CostCritical {
		errs = append(errs, fmt.Errorf("insights cost_warning %d exceeds cost_critical %d", c.Insights.CostWarning, c.Insights.CostCritical))
	}
	if c.Diff.MaxItems < 0 {
		errs = append(errs, fmt.Errorf("diff max_items must not be negative, got %d", c.Diff.MaxItems))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("database.timeout", cfg.Database.Timeout)
	v.SetDefault("stats.manual", cfg.Stats.Manual)
	v.SetDefault("stats.dump", cfg.Stats.Dump)
	v.SetDefault("stats.fuzzed", cfg.Stats.Fuzzed)
	v.SetDefault("insights.cost_warning", cfg.Insights.CostWarning)
	v.SetDefault("insights.cost_critical", cfg.Insights.CostCritical)
	v.SetDefault("diff.min_delta", cfg.Diff.MinDelta)
	v.SetDefault("diff.min_percent_change", cfg.Diff.MinPercentChange)
	v.SetDefault("diff.max_items", cfg.Diff.MaxItems)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("metrics.textfile", cfg.Metrics.Textfile)
	v.SetDefault("concurrency", cfg.Concurrency)
}
