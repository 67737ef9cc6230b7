package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"meetline/pkg/validation"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Relay struct {
		Endpoints       []string      `yaml:"endpoints"`
		ConnectTimeout  time.Duration `yaml:"connect_timeout"`
		EndpointBackoff time.Duration `yaml:"endpoint_backoff"`
		AckTimeout      time.Duration `yaml:"ack_timeout"`
		Token           string        `yaml:"token,omitempty"`

		Reconnect struct {
			Enabled  bool          `yaml:"enabled"`
			Attempts int           `yaml:"attempts"`
			Delay    time.Duration `yaml:"delay"`
			MaxDelay time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICERestartGrace time.Duration `yaml:"ice_restart_grace"`
	} `yaml:"webrtc"`

	Media struct {
		Audio        bool   `yaml:"audio"`
		Video        bool   `yaml:"video"`
		MinWidth     int    `yaml:"min_width"`
		MinHeight    int    `yaml:"min_height"`
		MinFrameRate int    `yaml:"min_frame_rate"`
		Facing       string `yaml:"facing"`
	} `yaml:"media"`

	Identity struct {
		DisplayName string `yaml:"display_name"`
		UserID      string `yaml:"user_id,omitempty"`
	} `yaml:"identity"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		MaxMessageSize  int64         `yaml:"max_message_size"`
	} `yaml:"server"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Auth struct {
		Required  bool          `yaml:"required"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		PrometheusAddress string `yaml:"prometheus_address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Relay
	if err := validation.ValidateEndpoints(c.Relay.Endpoints); err != nil {
		return fmt.Errorf("relay.endpoints: %w", err)
	}
	if c.Relay.ConnectTimeout <= 0 {
		return fmt.Errorf("relay.connect_timeout must be > 0")
	}
	if c.Relay.EndpointBackoff < 0 {
		return fmt.Errorf("relay.endpoint_backoff must be >= 0")
	}
	if c.Relay.AckTimeout <= 0 {
		return fmt.Errorf("relay.ack_timeout must be > 0")
	}
	if c.Relay.Reconnect.Enabled {
		if c.Relay.Reconnect.Attempts <= 0 {
			return fmt.Errorf("relay.reconnect.attempts must be > 0 when reconnect is enabled")
		}
		if c.Relay.Reconnect.Delay <= 0 {
			return fmt.Errorf("relay.reconnect.delay must be > 0 when reconnect is enabled")
		}
		if c.Relay.Reconnect.MaxDelay < c.Relay.Reconnect.Delay {
			return fmt.Errorf("relay.reconnect.max_delay must be >= delay")
		}
	}

	// WebRTC
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.ICERestartGrace <= 0 {
		return fmt.Errorf("webrtc.ice_restart_grace must be > 0")
	}

	// Media
	if !c.Media.Audio && !c.Media.Video {
		return fmt.Errorf("media: at least one of audio or video must be enabled")
	}
	if c.Media.MinWidth < 0 || c.Media.MinHeight < 0 || c.Media.MinFrameRate < 0 {
		return fmt.Errorf("media constraints must be >= 0")
	}
	if c.Media.Facing != "front" && c.Media.Facing != "back" {
		return fmt.Errorf("media.facing must be front or back")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be > 0")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must be > ping_interval")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Required {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.required=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.required=true")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}

	if err := validation.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.Endpoints = []string{"ws://localhost:8081/ws"}
	cfg.Relay.ConnectTimeout = 5 * time.Second
	cfg.Relay.EndpointBackoff = 500 * time.Millisecond
	cfg.Relay.AckTimeout = 10 * time.Second
	cfg.Relay.Reconnect.Enabled = true
	cfg.Relay.Reconnect.Attempts = 3
	cfg.Relay.Reconnect.Delay = time.Second
	cfg.Relay.Reconnect.MaxDelay = 10 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.ICERestartGrace = 5 * time.Second

	cfg.Media.Audio = true
	cfg.Media.Video = true
	cfg.Media.MinWidth = 640
	cfg.Media.MinHeight = 480
	cfg.Media.MinFrameRate = 15
	cfg.Media.Facing = "front"

	cfg.Identity.DisplayName = "guest"

	cfg.Server.Address = ":8081"
	cfg.Server.ReadTimeout = 60 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second
	cfg.Server.MaxMessageSize = 64 * 1024

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.TTL = 10 * time.Minute

	cfg.Auth.Required = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusAddress = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if eps := os.Getenv("MEETLINE_RELAY_ENDPOINTS"); eps != "" {
		var list []string
		for _, ep := range strings.Split(eps, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				list = append(list, ep)
			}
		}
		c.Relay.Endpoints = list
	}
	if name := os.Getenv("MEETLINE_DISPLAY_NAME"); name != "" {
		c.Identity.DisplayName = name
	}
	if addr := os.Getenv("MEETLINE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("MEETLINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MEETLINE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
