// Package config loads application configuration from an optional yaml file
// and CALLROOM_-prefixed environment variables, with sensible defaults for
// everything.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	UserID        string `mapstructure:"user_id"`
	SignalingAddr string `mapstructure:"signaling_addr"`
	LogLevel      string `mapstructure:"log_level"`

	Room  RoomConfig  `mapstructure:"room"`
	Media MediaConfig `mapstructure:"media"`
	Store StoreConfig `mapstructure:"store"`
}

type RoomConfig struct {
	ReconnectInterval        time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts     uint64        `mapstructure:"max_reconnect_attempts"`
	NegotiationRetryInterval time.Duration `mapstructure:"negotiation_retry_interval"`
	UnpublishRetryInterval   time.Duration `mapstructure:"unpublish_retry_interval"`
}

type MediaConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

type StoreConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	PostgresDSN     string `mapstructure:"postgres_dsn"`
	MinIOEndpoint   string `mapstructure:"minio_endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
}

// Load reads the config file at path (empty path skips the file) plus the
// environment, and returns the merged configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CALLROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("signaling_addr", "ws://localhost:7000/ws")
	v.SetDefault("log_level", "info")
	v.SetDefault("room.reconnect_interval", "3s")
	v.SetDefault("room.max_reconnect_attempts", 5)
	v.SetDefault("room.negotiation_retry_interval", "2s")
	v.SetDefault("room.unpublish_retry_interval", "1s")
	v.SetDefault("media.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.bucket", "callroom-snapshots")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}
