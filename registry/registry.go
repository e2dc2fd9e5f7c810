package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/metrics"
	"github.com/abdelmounim-dev/codecast/protocol"
)

var (
	ErrNotFound          = errors.New("connection not found")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrAlreadyTaken      = errors.New("identity already taken")
	ErrNotAuthenticated  = errors.New("connection not authenticated")
)

// DefaultMinIdentityLength is the shortest identity accepted by MinLength.
const DefaultMinIdentityLength = 3

// Client is the transport side of a connection.
// Send must not block; a full or closed client returns an error.
type Client interface {
	ID() string
	RemoteAddr() string
	Send(data []byte) error
	Close() error
}

// IdentityValidator rejects identities that may not be used.
type IdentityValidator func(identity string) error

// MinLength accepts identities of at least n bytes.
func MinLength(n int) IdentityValidator {
	return func(identity string) error {
		if len(identity) < n {
			return fmt.Errorf("identity must be at least %d characters", n)
		}
		return nil
	}
}

// Info is a point-in-time copy of a connection's state.
type Info struct {
	ID            string
	RemoteAddr    string
	Identity      string
	Authenticated bool
	Rooms         []string
	CreatedAt     time.Time
	LastActivity  time.Time
}

// activityReporter is implemented by clients that track when they last heard from the peer.
type activityReporter interface {
	LastActivityTime() time.Time
}

type connection struct {
	client        Client
	identity      string
	authenticated bool
	rooms         map[string]struct{}
	createdAt     time.Time
}

func (c *connection) info() Info {
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	last := c.createdAt
	if ar, ok := c.client.(activityReporter); ok {
		last = ar.LastActivityTime()
	}
	return Info{
		ID:            c.client.ID(),
		RemoteAddr:    c.client.RemoteAddr(),
		Identity:      c.identity,
		Authenticated: c.authenticated,
		Rooms:         rooms,
		CreatedAt:     c.createdAt,
		LastActivity:  last,
	}
}

// BroadcastOptions scopes a broadcast. Zero value means every connection.
type BroadcastOptions struct {
	ExcludeID string
	Room      string
}

// Registry tracks the live connections of this instance, their identities and rooms.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*connection
	rooms      map[string]map[string]struct{} // room -> conn ids
	identities map[string]string              // identity -> conn id

	validate IdentityValidator
	stats    *metrics.Collector
	log      zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithValidator replaces the default MinLength(3) identity check.
func WithValidator(v IdentityValidator) Option {
	return func(r *Registry) { r.validate = v }
}

// New creates an empty registry reporting to stats.
func New(stats *metrics.Collector, log zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		conns:      make(map[string]*connection),
		rooms:      make(map[string]map[string]struct{}),
		identities: make(map[string]string),
		validate:   MinLength(DefaultMinIdentityLength),
		stats:      stats,
		log:        log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an unauthenticated connection.
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	if _, exists := r.conns[c.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, c.ID())
	}
	r.conns[c.ID()] = &connection{
		client:    c,
		rooms:     make(map[string]struct{}),
		createdAt: time.Now(),
	}
	count := len(r.conns)
	r.mu.Unlock()

	r.stats.Inc(metrics.MetricTotalConnections)
	r.stats.Inc(metrics.MetricActiveConnections)
	r.log.Debug().Str("client_id", c.ID()).Str("remote_addr", c.RemoteAddr()).Int("clients", count).Msg("client registered")
	return nil
}

// Authenticate binds an identity to a connection. Re-authenticating with another
// identity releases the previous one and leaves its rooms.
func (r *Registry) Authenticate(connID, identity string) error {
	if err := r.validate(identity); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if holder, taken := r.identities[identity]; taken && holder != connID {
		r.mu.Unlock()
		return ErrAlreadyTaken
	}

	wasAuthenticated := conn.authenticated
	if wasAuthenticated && conn.identity != identity {
		delete(r.identities, conn.identity)
		r.leaveAllLocked(connID, conn)
	}
	conn.identity = identity
	conn.authenticated = true
	r.identities[identity] = connID
	r.mu.Unlock()

	if !wasAuthenticated {
		r.stats.Inc(metrics.MetricAuthenticatedConnections)
	}
	return nil
}

// JoinRoom adds an authenticated connection to a room.
func (r *Registry) JoinRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrNotFound
	}
	if !conn.authenticated {
		return ErrNotAuthenticated
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	conn.rooms[room] = struct{}{}
	return nil
}

// Unregister removes a connection and its room memberships.
// It reports false when the connection was already gone.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)
	r.leaveAllLocked(connID, conn)
	if conn.authenticated && r.identities[conn.identity] == connID {
		delete(r.identities, conn.identity)
	}
	count := len(r.conns)
	r.mu.Unlock()

	r.stats.Increment(metrics.MetricActiveConnections, -1)
	if conn.authenticated {
		r.stats.Increment(metrics.MetricAuthenticatedConnections, -1)
	}
	r.log.Debug().Str("client_id", connID).Int("clients", count).Msg("client unregistered")
	return true
}

// Get returns a copy of a connection's state.
func (r *Registry) Get(connID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return Info{}, false
	}
	return conn.info(), true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize returns the number of connections in a room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// ForEach calls fn with a copy of every connection. fn runs without the registry lock held.
func (r *Registry) ForEach(fn func(Info)) {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, conn.info())
	}
	r.mu.RUnlock()

	for _, info := range infos {
		fn(info)
	}
}

// Send delivers a named event to a single connection.
func (r *Registry) Send(connID, event string, payload any) error {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return conn.client.Send(data)
}

// Broadcast encodes the event once and hands it to every matching connection.
// Clients that fail to accept it are closed; their transport then unregisters them.
// It returns the number of connections the event was handed to.
func (r *Registry) Broadcast(event string, payload any, opts BroadcastOptions) (int, error) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]Client, 0, len(r.conns))
	if opts.Room != "" {
		for id := range r.rooms[opts.Room] {
			if id == opts.ExcludeID {
				continue
			}
			if conn, ok := r.conns[id]; ok {
				targets = append(targets, conn.client)
			}
		}
	} else {
		for id, conn := range r.conns {
			if id == opts.ExcludeID {
				continue
			}
			targets = append(targets, conn.client)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			r.log.Warn().Err(err).Str("client_id", c.ID()).Str("event", event).Msg("broadcast send failed, closing client")
			go c.Close()
			continue
		}
		delivered++
	}
	metrics.BroadcastFanout.Observe(float64(delivered))
	return delivered, nil
}

// CloseAll closes every client. Unregistration follows from each transport's disconnect path.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]Client, 0, len(r.conns))
	for _, conn := range r.conns {
		clients = append(clients, conn.client)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			r.log.Debug().Err(err).Str("client_id", c.ID()).Msg("close failed")
		}
	}
}

func (r *Registry) leaveAllLocked(connID string, conn *connection) {
	for room := range conn.rooms {
		r.removeFromRoomLocked(connID, room)
	}
	conn.rooms = make(map[string]struct{})
}

func (r *Registry) removeFromRoomLocked(connID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}
