package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	Secret       string        `mapstructure:"secret"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`

	NonceCapacity      int           `mapstructure:"nonce_capacity"`
	NonceTTL           time.Duration `mapstructure:"nonce_ttl"`
	NonceSweepInterval time.Duration `mapstructure:"nonce_sweep_interval"`

	PresenceGrace         time.Duration `mapstructure:"presence_grace"`
	PresenceRetention     time.Duration `mapstructure:"presence_retention"`
	PresenceSweepInterval time.Duration `mapstructure:"presence_sweep_interval"`

	TempoTTL         time.Duration `mapstructure:"tempo_ttl"`
	MediaMinInterval time.Duration `mapstructure:"media_min_interval"`
	PollMaxDuration  time.Duration `mapstructure:"poll_max_duration"`

	DBPath string `mapstructure:"db_path"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("nonce_capacity", 4096)
	v.SetDefault("nonce_ttl", "5m")
	v.SetDefault("nonce_sweep_interval", "1m")
	v.SetDefault("presence_grace", "30s")
	v.SetDefault("presence_retention", "10m")
	v.SetDefault("presence_sweep_interval", "1m")
	v.SetDefault("tempo_ttl", "2m")
	v.SetDefault("media_min_interval", "2s")
	v.SetDefault("poll_max_duration", "10m")
	v.SetDefault("db_path", "pika-relay.db")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
