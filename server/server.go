package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/abdelmounim-dev/codecast/auth"
	"github.com/abdelmounim-dev/codecast/broker"
	"github.com/abdelmounim-dev/codecast/cache"
	"github.com/abdelmounim-dev/codecast/config"
	"github.com/abdelmounim-dev/codecast/logging"
	"github.com/abdelmounim-dev/codecast/metrics"
	"github.com/abdelmounim-dev/codecast/protocol"
	"github.com/abdelmounim-dev/codecast/ratelimit"
	"github.com/abdelmounim-dev/codecast/registry"
	"github.com/abdelmounim-dev/codecast/services"
	"github.com/abdelmounim-dev/codecast/session"
	"github.com/abdelmounim-dev/codecast/websocket"
)

const dialTimeout = 5 * time.Second

// Server owns every component of one instance and the HTTP listener in front of them.
type Server struct {
	cfg *config.AppConfig
	log zerolog.Logger

	redis     *redis.Client
	ownsRedis bool
	dial      broker.Dialer

	stats    *metrics.Collector
	limiter  *ratelimit.Limiter
	recent   *cache.Recent[map[string]any]
	registry *registry.Registry
	bus      *broker.Bus
	sessions *session.Handler
	ws       *websocket.Handler
	proc     *process.Process

	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

type Option func(*Server)

// WithRedis shares an existing client for the Redis bus, presence records and
// token revocation. The Server does not close it.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) { s.redis = client }
}

// WithDialer replaces the bus transport chosen from the broker type.
func WithDialer(d broker.Dialer) Option {
	return func(s *Server) { s.dial = d }
}

// New wires an instance from a resolved configuration. Nothing touches the network
// until Start.
func New(cfg *config.AppConfig, log zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      logging.Component(log, "server"),
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.redis == nil && cfg.Broker.Type == "redis" && s.dial == nil {
		ropts, err := services.RedisOptions(cfg.Broker.Redis)
		if err != nil {
			return nil, err
		}
		s.redis = redis.NewClient(ropts)
		s.ownsRedis = true
	}
	if s.dial == nil {
		dial, err := s.dialerFor(cfg.Broker, logging.Component(log, "broker"))
		if err != nil {
			return nil, err
		}
		s.dial = dial
	}

	s.stats = metrics.NewCollector()
	s.recent = cache.NewRecent[map[string]any](cfg.Cache.RecentSize)
	s.limiter = ratelimit.New(cfg.RateLimit.Window(), map[ratelimit.Category]int{
		ratelimit.CategoryConnection: cfg.RateLimit.ConnectionsPerMinute,
		ratelimit.CategoryMessage:    cfg.RateLimit.MessagesPerMinute,
	}, ratelimit.WithMaxWindows(cfg.RateLimit.MaxWindows))
	s.registry = registry.New(s.stats, logging.Component(log, "registry"),
		registry.WithValidator(registry.MinLength(cfg.Auth.MinIdentityLength)))
	s.bus = broker.NewBus(s.dial, broker.BusOptions{
		ServerID:  cfg.Server.ID,
		Reconnect: cfg.Broker.Reconnect,
	}, logging.Component(log, "bus"))

	sessOpts := []session.Option{}
	if cfg.Auth.Enabled {
		sessOpts = append(sessOpts, session.WithValidator(
			auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.RevocationListKey, s.redis, logging.Component(log, "auth"))))
	}
	if s.redis != nil {
		sessOpts = append(sessOpts, session.WithStore(session.NewRedisStore(s.redis, cfg.Session.TTL())))
	} else {
		sessOpts = append(sessOpts, session.WithStore(session.NewMemoryStore(cfg.Session.TTL())))
	}
	s.sessions = session.NewHandler(session.Config{
		ServerID:        cfg.Server.ID,
		ClaimsChannel:   cfg.Broker.ClaimsChannel,
		RepublishClaims: cfg.Broker.RepublishClaims,
		RateLimits:      s.rateLimits(),
	}, s.registry, s.limiter, s.bus, s.recent, s.stats, logging.Component(log, "session"), sessOpts...)

	s.ws = websocket.NewHandler(s.sessions, &cfg.WebSocket, cfg.Server.AllowedOrigins, logging.Component(log, "websocket"))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.Warn().Err(err).Msg("process stats unavailable")
	} else {
		s.proc = proc
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ws.HandleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

func (s *Server) dialerFor(cfg config.BrokerConfig, log zerolog.Logger) (broker.Dialer, error) {
	switch cfg.Type {
	case "redis":
		client := s.redis
		return func(ctx context.Context) (broker.MessageBroker, error) {
			ctx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			rb := broker.NewRedisBroker(client, log)
			if err := rb.Ping(ctx); err != nil {
				return nil, fmt.Errorf("redis unreachable: %w", err)
			}
			return rb, nil
		}, nil
	case "kafka":
		groupID := cfg.Kafka.GroupID + "-" + s.cfg.Server.ID
		return func(context.Context) (broker.MessageBroker, error) {
			return broker.NewKafkaBroker(cfg.Kafka.Brokers, groupID, log)
		}, nil
	case "nats":
		name := "codecast-" + s.cfg.Server.ID
		return func(context.Context) (broker.MessageBroker, error) {
			return broker.NewNatsBroker(cfg.Nats.URL, name, log)
		}, nil
	case "memory":
		mb := broker.NewMemoryBroker()
		return func(context.Context) (broker.MessageBroker, error) {
			return mb, nil
		}, nil
	default:
		return nil, fmt.Errorf("invalid broker type: %s", cfg.Type)
	}
}

// Start subscribes to the bus, connects it and begins serving. Only a listener
// failure is returned; an unreachable bus leaves the instance degraded.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, s.cfg.Broker.Channel, s.sessions.DeliverBonus); err != nil {
		return err
	}
	if s.cfg.Broker.RepublishClaims {
		if err := s.bus.Subscribe(ctx, s.cfg.Broker.ClaimsChannel, s.sessions.DeliverClaim); err != nil {
			return err
		}
	}
	if err := s.bus.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("starting without fanout bus")
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		_ = s.bus.Close()
		if s.ownsRedis {
			_ = services.CloseRedisClient(s.redis)
		}
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("server_id", s.cfg.Server.ID).
		Str("broker_type", s.cfg.Broker.Type).
		Msg("server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Run starts the server and blocks until ctx is done or serving fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.limiter.Run(gctx, time.Duration(s.cfg.RateLimit.SweepInterval)*time.Second)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-s.serveErr:
			if ok {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace())
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("shutdown incomplete")
	}
	return runErr
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Server.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting, closes every connection with a going-away frame, waits
// for their handlers, then closes the bus and Redis.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")
	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.registry.CloseAll()
	drained := make(chan struct{})
	go func() {
		s.ws.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("connections still open: %w", ctx.Err()))
	}

	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus close: %w", err))
	}
	if s.ownsRedis {
		if err := services.CloseRedisClient(s.redis); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) rateLimits() protocol.RateLimits {
	return protocol.RateLimits{
		ConnectionsPerMinute: s.cfg.RateLimit.ConnectionsPerMinute,
		MessagesPerMinute:    s.cfg.RateLimit.MessagesPerMinute,
		WindowSeconds:        s.cfg.RateLimit.WindowSeconds,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	writeJSON(w, map[string]any{
		"status":          "healthy",
		"uptime":          s.stats.Uptime().Seconds(),
		"redis_connected": s.bus.Healthy(),
		"stats":           s.stats.Snapshot(),
		"server_id":       s.cfg.Server.ID,
	})
}

// maxIdle is how long the quietest connection has gone without a frame.
func (s *Server) maxIdle() time.Duration {
	now := time.Now()
	var idle time.Duration
	s.registry.ForEach(func(info registry.Info) {
		if d := now.Sub(info.LastActivity); d > idle {
			idle = d
		}
	})
	return idle
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	out := make(map[string]any)
	for k, v := range s.stats.Snapshot() {
		out[k] = v
	}
	out["uptime"] = s.stats.Uptime().Seconds()
	out["redis_status"] = "disconnected"
	if s.bus.Healthy() {
		out["redis_status"] = "connected"
	}
	out["broker_type"] = s.bus.Type()
	out["rate_limits"] = s.rateLimits()
	out["recent_codes"] = s.recent.Len()
	out["rate_limit_windows"] = s.limiter.Len()
	out["max_idle_seconds"] = s.maxIdle().Seconds()

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			out["memory_mb"] = float64(mem.RSS) / 1024 / 1024
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			out["cpu_percent"] = cpu
		}
	}
	writeJSON(w, out)
}

func preflight(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Bus exposes the fanout bus, mostly for publishing from the same process.
func (s *Server) Bus() *broker.Bus { return s.bus }

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry { return s.registry }
