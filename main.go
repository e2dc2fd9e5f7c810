package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/config"
	"github.com/abdelmounim-dev/codecast/logging"
	"github.com/abdelmounim-dev/codecast/server"
	"github.com/abdelmounim-dev/codecast/services"
)

func main() {
	dotenvErr := godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	cfg, err := config.Load(env)
	if err != nil {
		boot := logging.New(logging.Config{Level: "info"})
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if dotenvErr != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}
	log.Info().
		Str("server_id", cfg.Server.ID).
		Str("environment", env).
		Str("broker_type", cfg.Broker.Type).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Msg("starting codecast")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs presence records and token revocation for every broker type.
	var opts []server.Option
	rdb := connectRedis(ctx, cfg, log)
	if rdb != nil {
		defer services.CloseRedisClient(rdb)
		opts = append(opts, server.WithRedis(rdb))
	}

	srv, err := server.New(cfg, log, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		services.CloseRedisClient(rdb)
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// connectRedis returns nil when Redis is unreachable at startup. With the Redis
// broker the server then keeps its own client and reconnects in the background.
func connectRedis(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger) *redis.Client {
	client, err := services.NewRedisClient(ctx, cfg.Broker.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable at startup")
		return nil
	}
	return client
}
