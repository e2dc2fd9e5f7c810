package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/codecast/broker"
	"github.com/abdelmounim-dev/codecast/config"
)

type frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func loadConfig(t *testing.T, brokerType string) *config.AppConfig {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	cfg, err := config.Load("test")
	require.NoError(t, os.Chdir(wd))
	require.NoError(t, err)

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2
	cfg.Broker.Type = brokerType
	cfg.Broker.Reconnect = false
	return cfg
}

func startServer(t *testing.T, cfg *config.AppConfig, opts ...Option) *Server {
	t.Helper()
	srv, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func connect(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func authenticate(t *testing.T, conn *websocket.Conn, username string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "authenticate",
		"data":  map[string]any{"username": username},
	}))
	f := read(t, conn)
	require.Equal(t, "authenticated", f.Event, "%v", f.Data)
}

func getJSON(t *testing.T, srv *Server, path string) map[string]any {
	t.Helper()
	resp, err := http.Get("http://" + srv.Addr() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_HealthAndStats(t *testing.T) {
	cfg := loadConfig(t, "memory")
	cfg.Server.ID = "server-health"
	srv := startServer(t, cfg)

	conn := connect(t, srv)
	assert.Equal(t, "welcome", read(t, conn).Event)

	health := getJSON(t, srv, "/health")
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "server-health", health["server_id"])
	assert.Equal(t, true, health["redis_connected"])
	stats, ok := health["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats["active_connections"])
	assert.EqualValues(t, 1, stats["total_connections"])

	out := getJSON(t, srv, "/stats")
	assert.Equal(t, "connected", out["redis_status"])
	assert.Equal(t, "memory", out["broker_type"])
	assert.EqualValues(t, 0, out["codes_broadcasted"])
	limits, ok := out["rate_limits"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 10, limits["messages_per_minute"])
	assert.EqualValues(t, 5, limits["connections_per_minute"])
	idle, ok := out["max_idle_seconds"].(float64)
	require.True(t, ok)
	assert.Less(t, idle, 60.0)

	resp, err := http.Get("http://" + srv.Addr() + cfg.Metrics.Path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MemoryBusDeliversLocally(t *testing.T) {
	srv := startServer(t, loadConfig(t, "memory"))
	conn := connect(t, srv)
	read(t, conn)
	authenticate(t, conn, "alice")

	srv.Bus().Publish(context.Background(), "bonus_codes", broker.Event{Code: "LOCAL1", Metadata: map[string]any{"value": "50"}})

	f := read(t, conn)
	assert.Equal(t, "bonus_code", f.Event)
	assert.Equal(t, "LOCAL1", f.Data["code"])
	assert.Equal(t, "50", f.Data["value"])
}

// Two instances on one Redis: a code published once reaches clients of both,
// each stamped by the instance that delivered it.
func TestServer_CrossInstanceFanout(t *testing.T) {
	mr := miniredis.RunT(t)

	newInstance := func(id string) *Server {
		cfg := loadConfig(t, "redis")
		cfg.Server.ID = id
		cfg.Broker.Redis.Address = mr.Addr()
		return startServer(t, cfg)
	}
	a := newInstance("server-a")
	b := newInstance("server-b")
	require.Eventually(t, func() bool { return a.Bus().Healthy() && b.Bus().Healthy() }, 3*time.Second, 20*time.Millisecond)

	connA := connect(t, a)
	welcome := read(t, connA)
	assert.Equal(t, true, welcome.Data["redis_enabled"])
	authenticate(t, connA, "alice")

	connB := connect(t, b)
	read(t, connB)
	authenticate(t, connB, "bobby")

	a.Bus().Publish(context.Background(), "bonus_codes", broker.Event{Code: "BONUS42"})

	fa := read(t, connA)
	fb := read(t, connB)
	assert.Equal(t, "bonus_code", fa.Event)
	assert.Equal(t, "bonus_code", fb.Event)
	assert.Equal(t, "BONUS42", fa.Data["code"])
	assert.Equal(t, "BONUS42", fb.Data["code"])
	assert.Equal(t, "server-a", fa.Data["server_id"])
	assert.Equal(t, "server-b", fb.Data["server_id"])
	assert.Equal(t, "server-a", fa.Data["origin_server_id"])
	assert.Equal(t, "server-a", fb.Data["origin_server_id"])

	// A late joiner on b gets the replay.
	connLate := connect(t, b)
	read(t, connLate)
	authenticate(t, connLate, "carol")
	replay := read(t, connLate)
	assert.Equal(t, "recent_codes", replay.Event)
	assert.EqualValues(t, 1, replay.Data["count"])
}

func TestServer_DegradedWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := loadConfig(t, "redis")
	cfg.Broker.Redis.Address = addr
	srv := startServer(t, cfg)

	conn := connect(t, srv)
	welcome := read(t, conn)
	assert.Equal(t, "welcome", welcome.Event)
	assert.Equal(t, false, welcome.Data["redis_enabled"])

	// Presence writes fail quietly; authentication still succeeds.
	authenticate(t, conn, "alice")

	health := getJSON(t, srv, "/health")
	assert.Equal(t, false, health["redis_connected"])
	assert.Equal(t, "disconnected", getJSON(t, srv, "/stats")["redis_status"])
}

func TestServer_DegradedStillBroadcastsLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := loadConfig(t, "redis")
	cfg.Broker.Redis.Address = addr
	srv := startServer(t, cfg)

	conn1 := connect(t, srv)
	assert.Equal(t, "welcome", read(t, conn1).Event)
	authenticate(t, conn1, "alice")
	conn2 := connect(t, srv)
	assert.Equal(t, "welcome", read(t, conn2).Event)
	authenticate(t, conn2, "bobby")

	require.NoError(t, conn1.WriteJSON(map[string]any{
		"event": "claim_code",
		"data":  map[string]any{"code": "X1"},
	}))
	received := read(t, conn1)
	assert.Equal(t, "claim_received", received.Event)
	assert.Equal(t, "X1", received.Data["code"])

	claimed := read(t, conn2)
	assert.Equal(t, "code_claimed", claimed.Event)
	assert.Equal(t, "X1", claimed.Data["code"])
	assert.Equal(t, "alice", claimed.Data["claimed_by"])

	assert.Equal(t, false, getJSON(t, srv, "/health")["redis_connected"])
}

func TestServer_StartFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := loadConfig(t, "memory")
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, srv.Start(context.Background()))
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	cfg := loadConfig(t, "memory")
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	conn := connect(t, srv)
	read(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.False(t, srv.Bus().Healthy())
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, err := New(loadConfig(t, "memory"), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Bus().Healthy() }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNew_UnknownBroker(t *testing.T) {
	cfg := loadConfig(t, "memory")
	cfg.Broker.Type = "carrier-pigeon"
	_, err := New(cfg, zerolog.Nop())
	assert.Error(t, err)
}
