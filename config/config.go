// Package config loads the engine configuration from an optional file plus
// IM_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	// InstanceID tags bus envelopes so instances can drop their own echoes.
	// Generated when not configured.
	InstanceID string `mapstructure:"instance_id"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Hub       HubConfig       `mapstructure:"hub"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Offline   OfflineConfig   `mapstructure:"offline"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Batch     BatchConfig     `mapstructure:"batch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type AMQPConfig struct {
	// URL empty means the in-process broker (single-node mode).
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	// Addr empty means the in-memory store (single-node mode).
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HubConfig struct {
	MailboxSize      int           `mapstructure:"mailbox_size"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	ConnBuffer       int           `mapstructure:"conn_buffer"`
}

type DeliveryConfig struct {
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
	DedupHorizon  time.Duration `mapstructure:"dedup_horizon"`
}

type OfflineConfig struct {
	Capacity   int           `mapstructure:"capacity"`
	TTL        time.Duration `mapstructure:"ttl"`
	DrainBatch int           `mapstructure:"drain_batch"`
	DrainDelay time.Duration `mapstructure:"drain_delay"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

type TypingConfig struct {
	AutoExpiry    time.Duration `mapstructure:"auto_expiry"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

type PresenceConfig struct {
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
	StoreTTL      time.Duration `mapstructure:"store_ttl"`
}

type BatchConfig struct {
	Size   int           `mapstructure:"size"`
	Window time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	MessagesPerMinute int `mapstructure:"messages_per_minute"`
	TypingPer10s      int `mapstructure:"typing_per_10s"`
	PresencePerMinute int `mapstructure:"presence_per_minute"`
	ReadsPerMinute    int `mapstructure:"reads_per_minute"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("redis.timeout", 5*time.Second)

	v.SetDefault("hub.mailbox_size", 2048)
	v.SetDefault("hub.idle_timeout", 30*time.Minute)
	v.SetDefault("hub.eviction_interval", 15*time.Minute)
	v.SetDefault("hub.conn_buffer", 1024)

	v.SetDefault("delivery.ack_timeout", 30*time.Second)
	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.backoff_base", 2*time.Second)
	v.SetDefault("delivery.dedup_capacity", 50000)
	v.SetDefault("delivery.dedup_horizon", 30*time.Minute)

	v.SetDefault("offline.capacity", 500)
	v.SetDefault("offline.ttl", 7*24*time.Hour)
	v.SetDefault("offline.drain_batch", 25)
	v.SetDefault("offline.drain_delay", 150*time.Millisecond)
	v.SetDefault("offline.sweep_every", 10*time.Minute)

	v.SetDefault("typing.auto_expiry", 10*time.Second)
	v.SetDefault("typing.sweep_interval", 30*time.Second)
	v.SetDefault("typing.max_age", 15*time.Second)

	v.SetDefault("presence.stale_after", 5*time.Minute)
	v.SetDefault("presence.sweep_interval", time.Minute)
	v.SetDefault("presence.debounce", 7*time.Second)
	v.SetDefault("presence.store_ttl", 10*time.Minute)

	v.SetDefault("batch.size", 20)
	v.SetDefault("batch.window", 2*time.Second)

	v.SetDefault("rate_limit.messages_per_minute", 60)
	v.SetDefault("rate_limit.typing_per_10s", 10)
	v.SetDefault("rate_limit.presence_per_minute", 30)
	v.SetDefault("rate_limit.reads_per_minute", 120)
}

// Load reads the configuration, merging file (if given), environment and
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Delivery.AckTimeout <= 0 {
		return fmt.Errorf("config: delivery.ack_timeout must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("config: delivery.max_retries must not be negative")
	}
	if c.Delivery.BackoffBase <= 0 {
		return fmt.Errorf("config: delivery.backoff_base must be positive")
	}
	if c.Offline.Capacity <= 0 {
		return fmt.Errorf("config: offline.capacity must be positive")
	}
	if c.Offline.TTL <= 0 {
		return fmt.Errorf("config: offline.ttl must be positive")
	}
	if c.Offline.DrainBatch <= 0 {
		return fmt.Errorf("config: offline.drain_batch must be positive")
	}
	if c.Typing.AutoExpiry <= 0 || c.Typing.MaxAge < c.Typing.AutoExpiry {
		return fmt.Errorf("config: typing.max_age must be at least typing.auto_expiry")
	}
	if c.Presence.StaleAfter <= 0 {
		return fmt.Errorf("config: presence.stale_after must be positive")
	}
	if c.Batch.Size <= 0 || c.Batch.Window <= 0 {
		return fmt.Errorf("config: batch.size and batch.window must be positive")
	}
	return nil
}
