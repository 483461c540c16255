package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the host configuration, loaded from config.yaml and the
// environment (FLOWHOST_SERVER_ADDR and friends).
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Auth struct {
		// Tokens are the accepted API bearer tokens. Issuance lives with
		// the external identity layer; the host only verifies membership.
		Tokens []string `mapstructure:"tokens"`
	} `mapstructure:"auth"`

	DB struct {
		// DSN empty selects the in-memory stores.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	Redis struct {
		// Addr empty keeps event fan-out process-local.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`

	Engine struct {
		StepBudget int           `mapstructure:"step_budget"`
		LockWait   time.Duration `mapstructure:"lock_wait"`
	} `mapstructure:"engine"`

	Triggers struct {
		// TimerScan is a cron spec for the timer dispatcher cadence.
		TimerScan string `mapstructure:"timer_scan"`
		// StartAllVersions fans multi-start routes out to every published
		// version instead of only the latest.
		StartAllVersions bool `mapstructure:"start_all_versions"`
	} `mapstructure:"triggers"`

	Hub struct {
		SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	} `mapstructure:"hub"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("flowhost")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("engine.step_budget", 1000)
	viper.SetDefault("engine.lock_wait", 5*time.Second)
	viper.SetDefault("triggers.timer_scan", "@every 5s")
	viper.SetDefault("hub.subscriber_buffer", 64)

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env carry a dev setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
