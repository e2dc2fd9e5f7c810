package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Auth.Enabled && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret") {
		return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
	}
	if c.Auth.MinIdentityLength < 1 {
		return errors.New("auth.minIdentityLength must be positive")
	}

	if c.Broker.Channel == "" {
		return errors.New("broker.channel must be set")
	}
	if c.Broker.RepublishClaims && c.Broker.ClaimsChannel == "" {
		return errors.New("broker.claimsChannel must be set when claims are republished")
	}
	switch c.Broker.Type {
	case "redis":
		if c.Broker.Redis.URL == "" && c.Broker.Redis.Address == "" {
			return errors.New("redis url or address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	case "nats":
		if c.Broker.Nats.URL == "" {
			return errors.New("nats url must be specified for nats broker")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis', 'kafka', 'nats' or 'memory'", c.Broker.Type)
	}

	if c.RateLimit.WindowSeconds < 1 {
		return errors.New("rate limit window must be at least 1 second")
	}
	if c.RateLimit.ConnectionsPerMinute < 0 || c.RateLimit.MessagesPerMinute < 0 {
		return errors.New("rate limits must not be negative")
	}

	if c.Cache.RecentSize < 1 {
		return errors.New("cache.recentSize must be positive")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongTimeout {
		return errors.New("ping interval should be less than pong timeout")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}
	if c.WebSocket.SendBuffer < 1 {
		return errors.New("websocket send buffer must be positive")
	}

	if c.Session.TTLSeconds <= c.WebSocket.ActivityTimeout {
		return errors.New("session TTL should be greater than activity timeout")
	}

	return nil
}

// bindEnvVars maps the conventional deployment variables onto config keys.
// Every other key is reachable as CODECAST_<SECTION>_<KEY>.
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":           {"CODECAST_PORT", "PORT"},
		"server.host":           {"CODECAST_HOST", "HOST"},
		"server.id":             {"CODECAST_SERVER_ID", "SERVER_ID"},
		"server.allowedOrigins": {"CODECAST_ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},

		"broker.type":           {"CODECAST_BROKER_TYPE"},
		"broker.redis.url":      {"CODECAST_REDIS_URL", "REDIS_URL"},
		"broker.redis.address":  {"CODECAST_REDIS_ADDRESS"},
		"broker.redis.password": {"CODECAST_REDIS_PASSWORD", "REDIS_PASSWORD"},
		"broker.kafka.brokers":  {"CODECAST_KAFKA_BROKERS"},
		"broker.kafka.groupID":  {"CODECAST_KAFKA_GROUPID"},
		"broker.nats.url":       {"CODECAST_NATS_URL", "NATS_URL"},

		"auth.enabled":           {"CODECAST_AUTH_ENABLED"},
		"auth.jwtSecret":         {"CODECAST_AUTH_JWT_SECRET"},
		"auth.revocationListKey": {"CODECAST_AUTH_REVOCATION_KEY"},

		"logging.level":  {"CODECAST_LOG_LEVEL", "LOG_LEVEL"},
		"logging.format": {"CODECAST_LOG_FORMAT"},

		"websocket.pingInterval": {"CODECAST_PING_INTERVAL"},
		"websocket.pongTimeout":  {"CODECAST_PONG_TIMEOUT"},

		"rateLimit.connectionsPerMinute": {"CODECAST_CONNECTIONS_PER_MINUTE"},
		"rateLimit.messagesPerMinute":    {"CODECAST_MESSAGES_PER_MINUTE"},
		"cache.recentSize":               {"CODECAST_RECENT_SIZE"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}
