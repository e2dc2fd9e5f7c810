package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/auth"
	"github.com/abdelmounim-dev/codecast/broker"
	"github.com/abdelmounim-dev/codecast/cache"
	"github.com/abdelmounim-dev/codecast/metrics"
	"github.com/abdelmounim-dev/codecast/protocol"
	"github.com/abdelmounim-dev/codecast/ratelimit"
	"github.com/abdelmounim-dev/codecast/registry"
)

var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrNotAuthenticated = errors.New("authentication required")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrInvalidClaim     = errors.New("invalid claim")
	ErrClosed           = errors.New("session closed")
)

// Messages sent to clients.
const (
	msgTooManyConnections = "Too many connections. Please try again later."
	msgRateLimited        = "Rate limit exceeded. Please slow down."
	msgAuthRequired       = "Authentication required"
	msgInvalidUsername    = "Invalid username"
	msgUsernameTaken      = "Username already in use"
	msgInvalidToken       = "Invalid token"
	msgInvalidCode        = "Invalid code"
)

const storeTimeout = 2 * time.Second

type State int32

const (
	StateConnecting State = iota
	StateUnauthenticated
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Bus is the part of the fanout bus a session needs.
type Bus interface {
	Publish(ctx context.Context, channel string, evt broker.Event)
	Healthy() bool
}

// RoomFor names the room every connection of an identity joins.
func RoomFor(identity string) string {
	return "user:" + identity
}

type Config struct {
	ServerID        string
	ClaimsChannel   string
	RepublishClaims bool
	RateLimits      protocol.RateLimits
}

// Handler drives the per-connection state machine and delivers bus events locally.
type Handler struct {
	cfg       Config
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	bus       Bus
	recent    *cache.Recent[map[string]any]
	stats     *metrics.Collector
	validator auth.Validator
	store     Store
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Handler)

// WithValidator sets the identity hook. Defaults to auth.Trust.
func WithValidator(v auth.Validator) Option {
	return func(h *Handler) { h.validator = v }
}

// WithStore records authenticated sessions in s.
func WithStore(s Store) Option {
	return func(h *Handler) { h.store = s }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(
	cfg Config,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	bus Bus,
	recent *cache.Recent[map[string]any],
	stats *metrics.Collector,
	log zerolog.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		cfg:       cfg,
		registry:  reg,
		limiter:   limiter,
		bus:       bus,
		recent:    recent,
		stats:     stats,
		validator: auth.Trust,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open admits a new connection. When the remote address is over its connection
// limit the client is told so and ErrRateLimited is returned; the caller terminates it.
func (h *Handler) Open(client registry.Client) (*Session, error) {
	addr := remoteHost(client.RemoteAddr())
	if !h.limiter.Allow(addr, ratelimit.CategoryConnection) {
		metrics.RateLimited.WithLabelValues(string(ratelimit.CategoryConnection)).Inc()
		h.log.Warn().Str("remote_addr", addr).Msg("connection rate limit exceeded")
		if data, err := protocol.Encode(protocol.EventError, protocol.Error{Message: msgTooManyConnections}); err == nil {
			_ = client.Send(data)
		}
		return nil, ErrRateLimited
	}

	s := &Session{h: h, client: client}
	s.state.Store(int32(StateConnecting))

	if err := h.registry.Register(client); err != nil {
		return nil, err
	}
	s.state.Store(int32(StateUnauthenticated))

	s.emit(protocol.EventWelcome, protocol.Welcome{
		ServerID:       h.cfg.ServerID,
		RedisEnabled:   h.bus.Healthy(),
		ConnectionTime: h.now().UnixMilli(),
		RateLimits:     h.cfg.RateLimits,
	})
	h.log.Info().Str("client_id", client.ID()).Str("remote_addr", client.RemoteAddr()).Msg("client connected")
	return s, nil
}

// DeliverBonus fans a bonus code from the bus out to local connections. Targeted
// codes go only to the target's room and are not remembered.
func (h *Handler) DeliverBonus(_ context.Context, evt broker.Event) {
	payload := evt.Fields()
	payload["server_id"] = h.cfg.ServerID
	payload["broadcast_time"] = h.now().UnixMilli()

	opts := registry.BroadcastOptions{}
	if evt.TargetUser != "" {
		opts.Room = RoomFor(evt.TargetUser)
	} else {
		h.recent.Append(payload)
	}

	delivered, err := h.registry.Broadcast(protocol.EventBonusCode, payload, opts)
	if err != nil {
		h.log.Error().Err(err).Str("code", evt.Code).Msg("failed to broadcast bonus code")
		return
	}
	h.stats.Inc(metrics.MetricCodesBroadcasted)
	h.log.Info().Str("code", evt.Code).Str("target_user", evt.TargetUser).Int("delivered", delivered).Msg("bonus code broadcast")
}

// DeliverClaim relays a claim made on another instance. Echoes of local claims are skipped.
func (h *Handler) DeliverClaim(_ context.Context, evt broker.Event) {
	if evt.OriginServerID == h.cfg.ServerID {
		return
	}
	_, err := h.registry.Broadcast(protocol.EventCodeClaimed, protocol.CodeClaimed{
		Code:      evt.Code,
		ClaimedBy: evt.Get("claimed_by"),
		Time:      evt.Timestamp,
	}, registry.BroadcastOptions{})
	if err != nil {
		h.log.Error().Err(err).Str("code", evt.Code).Msg("failed to relay claim")
	}
}

// Session is one connection's position in the state machine. Dispatch must be called
// from a single goroutine; Close may be called from anywhere.
type Session struct {
	h      *Handler
	client registry.Client
	state  atomic.Int32

	mu       sync.Mutex
	identity string

	closeOnce sync.Once
}

func (s *Session) ID() string { return s.client.ID() }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Dispatch handles one inbound event. The returned value, when non-nil, is the
// payload of the ack frame. Errors describe rejected events; the client has
// already been told and the connection stays open.
func (s *Session) Dispatch(ctx context.Context, in protocol.Inbound) (any, error) {
	if s.State() == StateDisconnected {
		return nil, ErrClosed
	}
	metrics.MessagesReceived.WithLabelValues(in.EventName()).Inc()

	switch msg := in.(type) {
	case protocol.Authenticate:
		return nil, s.authenticate(ctx, msg)
	case protocol.ClaimCode:
		return nil, s.claim(ctx, msg)
	case protocol.Ping:
		return protocol.PingAck{ServerTime: s.h.now().UnixMilli(), ServerID: s.h.cfg.ServerID}, nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, in.EventName())
	}
}

// Reject tells the client its last frame could not be understood.
func (s *Session) Reject(err error) {
	s.emit(protocol.EventError, protocol.Error{Message: "Invalid message"})
	s.h.log.Debug().Err(err).Str("client_id", s.ID()).Msg("rejected frame")
}

func (s *Session) authenticate(ctx context.Context, msg protocol.Authenticate) error {
	// Attempts are counted per connection, apart from the claim budget.
	if !s.h.limiter.Allow(authKey(s.ID()), ratelimit.CategoryMessage) {
		return s.rateLimited()
	}

	identity, err := s.h.validator.Validate(ctx, msg.Username, msg.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("token").Inc()
		s.emit(protocol.EventAuthError, protocol.AuthError{Message: msgInvalidToken})
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	previous := s.Identity()
	if err := s.h.registry.Authenticate(s.ID(), identity); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrClosed
		}
		reason, message := "invalid_identity", msgInvalidUsername
		if errors.Is(err, registry.ErrAlreadyTaken) {
			reason, message = "taken", msgUsernameTaken
		}
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		s.emit(protocol.EventAuthError, protocol.AuthError{Message: message})
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := s.h.registry.JoinRoom(s.ID(), RoomFor(identity)); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrClosed
		}
		return err
	}

	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	s.state.Store(int32(StateAuthenticated))
	metrics.AuthSuccess.Inc()

	if previous != "" && previous != identity {
		s.forget(previous)
	}
	s.remember(identity)

	s.emit(protocol.EventAuthenticated, protocol.Authenticated{
		Username: identity,
		ServerID: s.h.cfg.ServerID,
		Time:     s.h.now().UnixMilli(),
	})
	s.h.log.Info().Str("client_id", s.ID()).Str("identity", identity).Msg("client authenticated")

	if s.h.bus.Healthy() {
		if codes := s.h.recent.Recent(0); len(codes) > 0 {
			s.emit(protocol.EventRecentCodes, protocol.RecentCodes{Codes: codes, Count: len(codes)})
		}
	}
	return nil
}

func (s *Session) claim(ctx context.Context, msg protocol.ClaimCode) error {
	if s.State() != StateAuthenticated {
		s.emit(protocol.EventError, protocol.Error{Message: msgAuthRequired})
		return ErrNotAuthenticated
	}

	// Both budgets apply so switching identity does not reset the connection's.
	identity := s.Identity()
	if !s.h.limiter.Allow(claimKey(s.ID()), ratelimit.CategoryMessage) ||
		!s.h.limiter.Allow(identity, ratelimit.CategoryMessage) {
		return s.rateLimited()
	}

	code := strings.TrimSpace(msg.Code)
	if code == "" {
		s.emit(protocol.EventError, protocol.Error{Message: msgInvalidCode})
		return ErrInvalidClaim
	}

	now := s.h.now().UnixMilli()
	s.emit(protocol.EventClaimReceived, protocol.ClaimReceived{
		Code:      code,
		User:      identity,
		Time:      now,
		AutoClaim: msg.AutoClaim,
	})
	if _, err := s.h.registry.Broadcast(protocol.EventCodeClaimed, protocol.CodeClaimed{
		Code:      code,
		ClaimedBy: identity,
		Time:      now,
	}, registry.BroadcastOptions{ExcludeID: s.ID()}); err != nil {
		s.h.log.Error().Err(err).Str("code", code).Msg("failed to broadcast claim")
	}
	s.h.stats.Inc(metrics.MetricMessagesSent)

	if s.h.cfg.RepublishClaims && s.h.cfg.ClaimsChannel != "" {
		s.h.bus.Publish(ctx, s.h.cfg.ClaimsChannel, broker.Event{
			Code:      code,
			Timestamp: now,
			Metadata:  map[string]any{"claimed_by": identity},
		})
	}

	if s.h.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := s.h.store.RefreshTTL(storeCtx, identity); err != nil {
			s.h.log.Warn().Err(err).Str("identity", identity).Msg("failed to refresh session TTL")
		}
	}

	s.h.log.Debug().Str("client_id", s.ID()).Str("identity", identity).Str("code", code).Msg("code claimed")
	return nil
}

// Close moves the session to Disconnected and releases its registry entry.
// Only the first call has any effect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		s.h.registry.Unregister(s.ID())

		if identity := s.Identity(); identity != "" {
			s.forget(identity)
		}
		s.h.log.Info().Str("client_id", s.ID()).Str("reason", reason).Msg("client disconnected")
	})
}

func authKey(connID string) string  { return "auth-conn:" + connID }
func claimKey(connID string) string { return "claim-conn:" + connID }

func (s *Session) rateLimited() error {
	metrics.RateLimited.WithLabelValues(string(ratelimit.CategoryMessage)).Inc()
	s.emit(protocol.EventError, protocol.Error{Message: msgRateLimited})
	return ErrRateLimited
}

func (s *Session) remember(identity string) {
	if s.h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := s.h.store.Create(ctx, &Record{
		Identity:        identity,
		ConnID:          s.ID(),
		ServerID:        s.h.cfg.ServerID,
		RemoteAddr:      s.client.RemoteAddr(),
		AuthenticatedAt: s.h.now(),
	})
	if err != nil {
		s.h.log.Warn().Err(err).Str("identity", identity).Msg("failed to record session")
	}
}

func (s *Session) forget(identity string) {
	if s.h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.h.store.Delete(ctx, identity, s.ID()); err != nil {
		s.h.log.Warn().Err(err).Str("identity", identity).Msg("failed to delete session")
	}
}

func (s *Session) emit(event string, payload any) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		s.h.log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	if err := s.client.Send(data); err != nil {
		s.h.log.Debug().Err(err).Str("client_id", s.ID()).Str("event", event).Msg("send failed")
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
