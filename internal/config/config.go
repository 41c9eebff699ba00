// Package config loads the daemon's configuration via viper: a root flag
// or AOF_ROOT env var locates the project directory, project.yaml in that
// directory supplies the bulk of the settings, and any AOF_* environment
// variable overrides a matching key (§6).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TeamLimits holds per-team throttle overrides keyed by team name.
type TeamLimits struct {
	Concurrency map[string]int           `mapstructure:"concurrency"`
	Interval    map[string]time.Duration `mapstructure:"interval"`
}

// Config is the daemon's fully resolved configuration.
type Config struct {
	Root    string `mapstructure:"root"`
	Project string `mapstructure:"project"`

	PollInterval time.Duration `mapstructure:"pollInterval"`
	DrainTimeout time.Duration `mapstructure:"drainTimeout"`

	LeaseTTL         time.Duration `mapstructure:"leaseTTL"`
	LeaseMaxRenewals int           `mapstructure:"leaseMaxRenewals"`

	GlobalConcurrency int           `mapstructure:"globalConcurrency"`
	GlobalInterval    time.Duration `mapstructure:"globalInterval"`
	PerPollCap        int           `mapstructure:"perPollCap"`
	TeamLimits        TeamLimits    `mapstructure:"teamLimits"`

	StaleHeartbeat time.Duration `mapstructure:"staleHeartbeat"`
	SLAWarn        time.Duration `mapstructure:"slaWarn"`

	MaxDispatchFailures int `mapstructure:"maxDispatchFailures"`

	NotifyRulesPath    string        `mapstructure:"notifyRulesPath"`
	NotifyDedupeWindow time.Duration `mapstructure:"notifyDedupeWindow"`

	MetricsAddr string `mapstructure:"metricsAddr"`
	LogLevel    string `mapstructure:"logLevel"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("project", "default")
	v.SetDefault("pollInterval", 5*time.Second)
	v.SetDefault("drainTimeout", 30*time.Second)
	v.SetDefault("leaseTTL", 15*time.Minute)
	v.SetDefault("leaseMaxRenewals", 5)
	v.SetDefault("globalConcurrency", 10)
	v.SetDefault("perPollCap", 5)
	v.SetDefault("staleHeartbeat", 10*time.Minute)
	v.SetDefault("slaWarn", 2*time.Hour)
	v.SetDefault("maxDispatchFailures", 3)
	v.SetDefault("notifyRulesPath", "notify-rules.yaml")
	v.SetDefault("notifyDedupeWindow", 10*time.Minute)
	v.SetDefault("metricsAddr", ":9090")
	v.SetDefault("logLevel", "info")
}

// Load resolves configuration from, in ascending priority: built-in
// defaults, <root>/project.yaml, and AOF_* environment variables. rootFlag
// takes precedence over AOF_ROOT when both are set; one of them must
// resolve to a non-empty value.
func Load(rootFlag string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("AOF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	root := rootFlag
	if root == "" {
		root = v.GetString("root")
	}
	if root == "" {
		return nil, fmt.Errorf("config: root directory not set (pass --root or set AOF_ROOT)")
	}
	v.Set("root", root)

	v.SetConfigName("project")
	v.SetConfigType("yaml")
	v.AddConfigPath(root)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read project.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Root = root
	return &cfg, nil
}
