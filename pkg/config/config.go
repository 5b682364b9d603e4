package config

import (
	"fmt"
	"os"
	"time"

	"presencerelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// Forwarded-for headers are only honoured from these addresses or networks.
		TrustedProxies  []string      `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Relay struct {
		Path              string        `yaml:"path"`
		Protocol          string        `yaml:"protocol"`
		TickInterval      time.Duration `yaml:"tick_interval"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		SendBuffer        int           `yaml:"send_buffer"`
		MaxMessageSize    int64         `yaml:"max_message_size_bytes"`
		BroadcastSentinel string        `yaml:"broadcast_sentinel"`
		AnnounceTypes     []string      `yaml:"announce_types"`
		MessageTypes      []string      `yaml:"message_types"`
		AllowedOrigins    []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled    bool   `yaml:"enabled"`
		Address    string `yaml:"address"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		PoolSize   int    `yaml:"pool_size"`
		Channel    string `yaml:"channel"`
		QueueSize  int    `yaml:"queue_size"`
		InstanceID string `yaml:"instance_id"`

		// Publishing to the feed stops for BreakerOpenTimeout after
		// BreakerFailures consecutive failed publishes.
		BreakerFailures    int           `yaml:"breaker_failures"`
		BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	for i, p := range c.Server.TrustedProxies {
		if err := validation.ValidateIPOrCIDR(p); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: %w", i, err)
		}
	}

	// Relay
	if c.Relay.Path == "" || c.Relay.Path[0] != '/' {
		return fmt.Errorf("relay.path must start with '/'")
	}
	if c.Relay.Protocol == "" {
		return fmt.Errorf("relay.protocol must not be empty")
	}
	if c.Relay.TickInterval <= 0 {
		return fmt.Errorf("relay.tick_interval must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be > 0")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size_bytes must be > 0")
	}
	if c.Relay.BroadcastSentinel == "" {
		return fmt.Errorf("relay.broadcast_sentinel must not be empty")
	}
	if len(c.Relay.AnnounceTypes) == 0 {
		return fmt.Errorf("relay.announce_types must not be empty")
	}
	if len(c.Relay.MessageTypes) == 0 {
		return fmt.Errorf("relay.message_types must not be empty")
	}
	for _, a := range c.Relay.AnnounceTypes {
		for _, m := range c.Relay.MessageTypes {
			if a == m {
				return fmt.Errorf("relay type %q cannot be both an announce and a message type", a)
			}
		}
	}

	// Monitoring
	if c.Monitoring.HealthCheckTimeout <= 0 {
		return fmt.Errorf("monitoring.health_check_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
		if c.Redis.QueueSize <= 0 {
			return fmt.Errorf("redis.queue_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.BreakerFailures <= 0 {
			return fmt.Errorf("redis.breaker_failures must be > 0 when redis.enabled=true")
		}
		if c.Redis.BreakerOpenTimeout <= 0 {
			return fmt.Errorf("redis.breaker_open_timeout must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first configuration that
// loads from an existing file. When none of the files exist the defaults
// (with env overrides) are returned.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, "", err
	}
	return cfg, "", cfg.Validate()
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Relay.Path = "/ws"
	cfg.Relay.Protocol = "presence-relay-v1"
	cfg.Relay.TickInterval = 5 * time.Second
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.SendBuffer = 256
	cfg.Relay.MaxMessageSize = 64 * 1024
	cfg.Relay.BroadcastSentinel = "all"
	cfg.Relay.AnnounceTypes = []string{"presence:announce", "announce", "register"}
	cfg.Relay.MessageTypes = []string{"msg:send", "message"}
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckTimeout = 2 * time.Second
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "presence:events"
	cfg.Redis.QueueSize = 1024
	cfg.Redis.BreakerFailures = 5
	cfg.Redis.BreakerOpenTimeout = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "presence-relay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("PRESENCE_RELAY_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("PRESENCE_RELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if interval := os.Getenv("PRESENCE_RELAY_TICK_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid PRESENCE_RELAY_TICK_INTERVAL %q: %w", interval, err)
		}
		c.Relay.TickInterval = d
	}
	if addr := os.Getenv("PRESENCE_RELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	return nil
}
