package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	internalhttp "github.com/meshworks/fleet-tls/internal/api/http"
	"github.com/meshworks/fleet-tls/internal/simulator"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig
	Http    internalhttp.Config
	CA      CAConfig                            `mapstructure:"ca"`
	Channel ChannelConfig                       `mapstructure:"channel"`
	Groups  map[string][]simulator.MemberRecord `mapstructure:"groups"`
}

type CAConfig struct {
	IssueDelayMs    int      `mapstructure:"issue_delay_ms"`
	MaxValidityDays int      `mapstructure:"max_validity_days"`
	DenyCommonNames []string `mapstructure:"deny_common_names"`
}

type ChannelConfig struct {
	ExecDelayMs int `mapstructure:"exec_delay_ms"`
}

var config Config

func InitConfig() error {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fleet-simulator")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.port", 8080)
	viper.SetDefault("ca.issue_delay_ms", 750)
	viper.SetDefault("ca.max_validity_days", 90)
	viper.SetDefault("channel.exec_delay_ms", 250)

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	initLogger(config.Log.Level)
	return nil
}
