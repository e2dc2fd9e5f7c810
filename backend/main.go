// Command backend publishes bonus codes onto the fanout bus, paced to a fixed rate.
//
//	backend -redis redis://localhost:6379/0 -rate 2 CODE1 CODE2
//	backend -count 10 -prefix PROMO -target alice -meta value=50
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/abdelmounim-dev/codecast/broker"
	"github.com/abdelmounim-dev/codecast/config"
	"github.com/abdelmounim-dev/codecast/logging"
	"github.com/abdelmounim-dev/codecast/services"
)

type metaFlags map[string]any

func (m metaFlags) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (m metaFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	m[strings.TrimSpace(key)] = value
	return nil
}

type publishOptions struct {
	Channel string
	Codes   []string
	Target  string
	Meta    map[string]any
	Rate    float64
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	meta := metaFlags{}
	var (
		brokerType = flag.String("broker", getEnv("BROKER_TYPE", "redis"), "bus transport: redis or nats")
		redisURL   = flag.String("redis", getEnv("REDIS_URL", "redis://localhost:6379/0"), "redis url")
		natsURL    = flag.String("nats", getEnv("NATS_URL", "nats://localhost:4222"), "nats url")
		channel    = flag.String("channel", getEnv("BUS_CHANNEL", "bonus_codes"), "bus channel")
		target     = flag.String("target", "", "deliver only to this identity")
		ratePerSec = flag.Float64("rate", 1, "codes per second")
		count      = flag.Int("count", 0, "generate this many codes when none are given")
		prefix     = flag.String("prefix", "BONUS", "prefix for generated codes")
		level      = flag.String("log-level", getEnv("LOG_LEVEL", "info"), "log level")
	)
	flag.Var(meta, "meta", "extra key=value field, repeatable")
	flag.Parse()

	log := logging.Component(logging.New(logging.Config{Level: *level}), "publisher")

	codes := flag.Args()
	if len(codes) == 0 {
		codes = generateCodes(*prefix, *count)
	}
	if len(codes) == 0 {
		log.Fatal().Msg("no codes to publish: pass codes as arguments or use -count")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mb, err := openBroker(ctx, *brokerType, *redisURL, *natsURL, log)
	if err != nil {
		log.Fatal().Err(err).Str("broker_type", *brokerType).Msg("failed to connect to bus")
	}
	defer mb.Close()

	sent, err := publish(ctx, mb, publishOptions{
		Channel: *channel,
		Codes:   codes,
		Target:  *target,
		Meta:    meta,
		Rate:    *ratePerSec,
	}, log)
	if err != nil {
		log.Error().Err(err).Int("sent", sent).Msg("publishing stopped")
		os.Exit(1)
	}
	log.Info().Int("sent", sent).Str("channel", *channel).Msg("done")
}

func openBroker(ctx context.Context, kind, redisURL, natsURL string, log zerolog.Logger) (broker.MessageBroker, error) {
	switch kind {
	case "redis":
		client, err := services.NewRedisClient(ctx, config.RedisConfig{URL: redisURL})
		if err != nil {
			return nil, err
		}
		return &ownedRedis{RedisBroker: broker.NewRedisBroker(client, log), closeClient: client.Close}, nil
	case "nats":
		return broker.NewNatsBroker(natsURL, "codecast-publisher", log)
	default:
		return nil, fmt.Errorf("unsupported broker type %q", kind)
	}
}

// ownedRedis closes the client along with the broker.
type ownedRedis struct {
	*broker.RedisBroker
	closeClient func() error
}

func (o *ownedRedis) Close() error {
	_ = o.RedisBroker.Close()
	return o.closeClient()
}

// publish sends every code in order, waiting on the limiter between them.
func publish(ctx context.Context, mb broker.MessageBroker, opts publishOptions, log zerolog.Logger) (int, error) {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	sent := 0
	for _, code := range opts.Codes {
		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		evt := broker.Event{
			Code:       code,
			Timestamp:  time.Now().UnixMilli(),
			TargetUser: opts.Target,
			Metadata:   copyMeta(opts.Meta),
		}
		if err := mb.Publish(ctx, opts.Channel, evt); err != nil {
			return sent, fmt.Errorf("publish %s: %w", code, err)
		}
		sent++
		log.Info().Str("code", code).Str("target_user", opts.Target).Msg("code published")
	}
	return sent, nil
}

func generateCodes(prefix string, n int) []string {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		codes = append(codes, fmt.Sprintf("%s-%s", prefix, strings.ToUpper(uuid.NewString()[:8])))
	}
	return codes
}

func copyMeta(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
