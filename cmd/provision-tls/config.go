package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/meshworks/fleet-tls/internal/jobstore"
	"github.com/spf13/viper"
)

type Config struct {
	Log        LogConfig
	Auth       AuthConfig       `mapstructure:"auth"`
	CA         CAConfig         `mapstructure:"ca"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Membership MembershipConfig `mapstructure:"membership"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Database   jobstore.Config  `mapstructure:"database"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
}

type AuthConfig struct {
	Secret          string `mapstructure:"secret"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

type CAConfig struct {
	Url           string `mapstructure:"url"`
	ValidityHours int    `mapstructure:"validity_hours"`
	KeyBits       int    `mapstructure:"key_bits"`
}

type ChannelConfig struct {
	Transport string    `mapstructure:"transport"`
	Url       string    `mapstructure:"url"`
	SSH       SSHConfig `mapstructure:"ssh"`
}

type SSHConfig struct {
	User           string `mapstructure:"user"`
	Port           int    `mapstructure:"port"`
	KeyFile        string `mapstructure:"key_file"`
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	HelperPath     string `mapstructure:"helper_path"`
}

type MembershipConfig struct {
	Url string `mapstructure:"url"`
}

type SecretsConfig struct {
	Backend string `mapstructure:"backend"`
	Url     string `mapstructure:"url"`
	Dir     string `mapstructure:"dir"`
}

type FleetConfig struct {
	MaxConcurrency   int    `mapstructure:"max_concurrency"`
	MaxRetries       int    `mapstructure:"max_retries"`
	PerNodeTimeout   string `mapstructure:"per_node_timeout"`
	RenewBeforeHours int    `mapstructure:"renew_before_hours"`
	ReportPath       string `mapstructure:"report_path"`
	MaterialDir      string `mapstructure:"material_dir"`
	Service          string `mapstructure:"service"`
}

var config Config

func InitConfig() error {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/provision-tls")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("fleet.max_concurrency", 5)
	viper.SetDefault("fleet.max_retries", 3)
	viper.SetDefault("fleet.per_node_timeout", "120s")
	viper.SetDefault("fleet.renew_before_hours", 24)
	viper.SetDefault("fleet.report_path", "fleet-report.json")
	viper.SetDefault("ca.validity_hours", 90*24)
	viper.SetDefault("auth.token_ttl_minutes", 30)
	viper.SetDefault("channel.transport", "http")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	initLogger(config.Log.Level)
	return nil
}
