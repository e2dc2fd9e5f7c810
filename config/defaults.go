package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.id", "")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.readTimeout", 15)
	v.SetDefault("server.writeTimeout", 15)
	v.SetDefault("server.shutdownTimeout", 10)

	// Broker
	v.SetDefault("broker.type", "redis")
	v.SetDefault("broker.channel", "bonus_codes")
	v.SetDefault("broker.claimsChannel", "code_claims")
	v.SetDefault("broker.republishClaims", false)
	v.SetDefault("broker.reconnect", true)

	// Redis
	v.SetDefault("broker.redis.url", "")
	v.SetDefault("broker.redis.address", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.poolSize", 100)
	v.SetDefault("broker.redis.poolTimeout", 5)

	// Kafka
	v.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("broker.kafka.groupID", "codecast")

	// NATS
	v.SetDefault("broker.nats.url", "nats://localhost:4222")

	// Rate limits
	v.SetDefault("rateLimit.windowSeconds", 60)
	v.SetDefault("rateLimit.connectionsPerMinute", 5)
	v.SetDefault("rateLimit.messagesPerMinute", 10)
	v.SetDefault("rateLimit.sweepInterval", 60)
	v.SetDefault("rateLimit.maxWindows", 100000)

	// Cache
	v.SetDefault("cache.recentSize", 10)

	// WebSocket
	v.SetDefault("websocket.maxConnections", 10000)
	v.SetDefault("websocket.messageSizeLimit", 4096)
	v.SetDefault("websocket.handshakeTimeout", 10)
	v.SetDefault("websocket.pingInterval", 25)
	v.SetDefault("websocket.pongTimeout", 60)
	v.SetDefault("websocket.activityTimeout", 300)
	v.SetDefault("websocket.writeTimeout", 10)
	v.SetDefault("websocket.sendBuffer", 256)
	v.SetDefault("websocket.keepAlive", true)

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwtSecret", "default-secret")
	v.SetDefault("auth.revocationListKey", "jwt:revoked")
	v.SetDefault("auth.minIdentityLength", 3)

	// Session
	v.SetDefault("session.ttlSeconds", 3600)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
