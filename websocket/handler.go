package websocket

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/config"
	"github.com/abdelmounim-dev/codecast/protocol"
	"github.com/abdelmounim-dev/codecast/session"
)

// Handler upgrades HTTP requests and runs the read loop of each connection.
type Handler struct {
	sessions *session.Handler
	cfg      *config.WebSocketConfig
	origins  []string
	upgrader websocket.Upgrader
	log      zerolog.Logger

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewHandler creates a new websocket handler. allowedOrigins may contain "*".
func NewHandler(sessions *session.Handler, cfg *config.WebSocketConfig, allowedOrigins []string, log zerolog.Logger) *Handler {
	h := &Handler{
		sessions: sessions,
		cfg:      cfg,
		origins:  allowedOrigins,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.active.Load() >= int64(h.cfg.MaxConnections) {
		h.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("connection limit reached")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	h.wg.Add(1)
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		h.wg.Done()
	}()

	client := NewClientSession(uuid.NewString(), r.RemoteAddr, conn, h.cfg, h.log)
	client.Start()

	sess, err := h.sessions.Open(client)
	if err != nil {
		h.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connection refused")
		client.CloseWith(websocket.ClosePolicyViolation, "Too many connections")
		<-client.Done()
		return
	}

	reason := h.readLoop(client, sess)
	client.Close()
	sess.Close(reason)
	<-client.Done()
}

func (h *Handler) readLoop(client *ClientSession, sess *session.Session) string {
	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return "client disconnected"
			}
			if errors.Is(err, net.ErrClosed) || client.Context().Err() != nil {
				return "server closed connection"
			}
			h.log.Debug().Err(err).Str("client_id", client.ID()).Msg("read error")
			return "transport error"
		}
		client.UpdateActivity()

		in, frame, err := protocol.Decode(msg)
		if err != nil {
			sess.Reject(err)
			continue
		}

		ack, err := sess.Dispatch(client.Context(), in)
		if err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID()).Str("event", in.EventName()).Msg("event rejected")
		}
		if ack != nil {
			data, err := protocol.EncodeAck(frame.ID, ack)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to encode ack")
				continue
			}
			if err := client.Send(data); err != nil {
				h.log.Debug().Err(err).Str("client_id", client.ID()).Msg("failed to queue ack")
			}
		}
	}
}

// Active returns the number of open websocket connections.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Wait blocks until every connection handler has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.log.Warn().Str("origin", origin).Msg("origin not allowed")
	return false
}
