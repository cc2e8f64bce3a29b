package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type BusConfig struct {
	// Driver selects the cross-instance transport: memory, redis or postgres.
	Driver       string        `mapstructure:"driver"`
	RedisURL     string        `mapstructure:"redis_url"`
	UserTopic    string        `mapstructure:"user_topic"`
	ChannelTopic string        `mapstructure:"channel_topic"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

type OutboxConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`
	DispatchLease time.Duration `mapstructure:"dispatch_lease"`
	AckRetention  time.Duration `mapstructure:"ack_retention"`
}

type BroadcastConfig struct {
	ChunkSize  int           `mapstructure:"chunk_size"`
	Workers    int           `mapstructure:"workers"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type WebsocketConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

type Config struct {
	DatabaseURL    string          `mapstructure:"database_url"`
	ServerPort     string          `mapstructure:"server_port"`
	JWTSecret      string          `mapstructure:"jwt_secret"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	Log            LogConfig       `mapstructure:"log"`
	Bus            BusConfig       `mapstructure:"bus"`
	Outbox         OutboxConfig    `mapstructure:"outbox"`
	Broadcast      BroadcastConfig `mapstructure:"broadcast"`
	Websocket      WebsocketConfig `mapstructure:"websocket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("allowed_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("log.level", "info")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.user_topic", "notifications")
	v.SetDefault("bus.channel_topic", "channels")
	v.SetDefault("bus.poll_timeout", time.Second)

	v.SetDefault("outbox.poll_interval", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.retry_base", 2*time.Second)
	v.SetDefault("outbox.retry_cap", 5*time.Minute)
	v.SetDefault("outbox.dispatch_lease", time.Minute)
	v.SetDefault("outbox.ack_retention", 24*time.Hour)

	v.SetDefault("broadcast.chunk_size", 500)
	v.SetDefault("broadcast.workers", 4)
	v.SetDefault("broadcast.stale_after", 10*time.Minute)

	v.SetDefault("websocket.write_timeout", 5*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.read_limit", 4096)
}

// Load reads config.yaml from the current directory or ./config, applies
// NOTIFYD_* environment overrides and validates the result. A missing file is
// fine as long as the environment supplies the required values.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("NOTIFYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"database_url", "jwt_secret", "bus.redis_url"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("jwt_secret must be set")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url must be set")
	}
	switch c.Bus.Driver {
	case "memory", "postgres":
	case "redis":
		if strings.TrimSpace(c.Bus.RedisURL) == "" {
			return errors.New("bus.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.UserTopic == c.Bus.ChannelTopic {
		return errors.New("bus.user_topic and bus.channel_topic must differ")
	}
	if c.Outbox.MaxAttempts < 1 {
		return errors.New("outbox.max_attempts must be at least 1")
	}
	if c.Outbox.BatchSize < 1 {
		c.Outbox.BatchSize = 100
	}
	if c.Broadcast.ChunkSize < 1 {
		c.Broadcast.ChunkSize = 500
	}
	if c.Broadcast.Workers < 1 {
		c.Broadcast.Workers = 1
	}
	if c.Broadcast.StaleAfter <= 0 {
		c.Broadcast.StaleAfter = 10 * time.Minute
	}
	return nil
}
