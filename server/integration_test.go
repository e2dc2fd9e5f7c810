package server

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/codecast/broker"
)

const (
	defaultWSHost    = "localhost:3000"
	defaultRedisAddr = "localhost:6379"
	testTimeout      = 15 * time.Second
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Runs against a live instance and Redis, e.g. from docker compose.
func TestE2EBonusCodeFlow(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: envOr("REDIS_ADDRESS", defaultRedisAddr)})
	require.NoError(t, redisClient.Ping(ctx).Err(), "Failed to connect to Redis")
	defer redisClient.Close()
	publisher := broker.NewRedisBroker(redisClient, zerolog.Nop())

	u := url.URL{Scheme: "ws", Host: envOr("WS_HOST", defaultWSHost), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err, "Failed to connect to WebSocket server")
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	var welcome frame
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "welcome", welcome.Event)
	require.Equal(t, true, welcome.Data["redis_enabled"], "instance must be connected to the bus")

	username := fmt.Sprintf("e2e%d", time.Now().UnixNano()%100000)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "authenticate",
		"data":  map[string]any{"username": username},
	}))

	code := fmt.Sprintf("E2E-%d", time.Now().UnixNano())
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		switch f.Event {
		case "authenticated":
			require.NoError(t, publisher.Publish(ctx, envOr("BUS_CHANNEL", "bonus_codes"), broker.Event{Code: code}))
		case "bonus_code":
			if f.Data["code"] != code {
				continue
			}
			assert.NotEmpty(t, f.Data["server_id"])
			assert.NotEmpty(t, f.Data["broadcast_time"])
			return
		}
	}
}
