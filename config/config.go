package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const envPrefix = "CODECAST"

type AppConfig struct {
	Server    ServerConfig
	Broker    BrokerConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Session   SessionConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ID              string
	AllowedOrigins  []string
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
	ShutdownTimeout int // Seconds
}

type BrokerConfig struct {
	Type            string // redis, kafka, nats or memory
	Channel         string
	ClaimsChannel   string
	RepublishClaims bool
	Reconnect       bool
	Redis           RedisConfig
	Kafka           KafkaConfig
	Nats            NatsConfig
}

type RedisConfig struct {
	// URL takes precedence over Address when set, e.g. redis://:pass@host:6379/0.
	URL         string
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type NatsConfig struct {
	URL string
}

type RateLimitConfig struct {
	WindowSeconds        int
	ConnectionsPerMinute int
	MessagesPerMinute    int
	SweepInterval        int // Seconds
	MaxWindows           int
}

type CacheConfig struct {
	RecentSize int
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	SendBuffer       int
	KeepAlive        bool
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	RevocationListKey string
	MinIdentityLength int
}

type SessionConfig struct {
	TTLSeconds int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load resolves configuration from defaults, an optional config.<env>.yaml and
// the environment. The result is complete: every default, including the server
// id, is filled in here and nowhere else.
func Load(env string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("config env binding error: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) resolve() {
	if c.Server.ID == "" {
		c.Server.ID = "server-" + uuid.NewString()[:8]
	}
	c.Server.AllowedOrigins = splitList(c.Server.AllowedOrigins)
	c.Broker.Kafka.Brokers = splitList(c.Broker.Kafka.Brokers)
	c.Broker.Type = strings.ToLower(strings.TrimSpace(c.Broker.Type))
}

// Addr is the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c *SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
