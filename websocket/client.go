package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/config"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// ClientSession is the transport side of one websocket connection. All writes go
// through a single write pump; Send only queues.
type ClientSession struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	cfg        *config.WebSocketConfig
	log        zerolog.Logger

	send         chan []byte
	lastActivity atomic.Int64

	mu            sync.Mutex
	activityTimer *time.Timer
	closeCode     int
	closeText     string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClientSession creates a new client session. Call Start before use.
func NewClientSession(id, remoteAddr string, conn *websocket.Conn, cfg *config.WebSocketConfig, log zerolog.Logger) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		cfg:        cfg,
		log:        log.With().Str("client_id", id).Logger(),
		send:       make(chan []byte, cfg.SendBuffer),
		closeCode:  websocket.CloseGoingAway,
		closeText:  "server closing connection",
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

func (s *ClientSession) ID() string { return s.id }

func (s *ClientSession) RemoteAddr() string { return s.remoteAddr }

// Context is cancelled once the session starts closing.
func (s *ClientSession) Context() context.Context { return s.ctx }

// Done is closed after the write pump has closed the connection.
func (s *ClientSession) Done() <-chan struct{} { return s.done }

// Send queues a frame without blocking.
func (s *ClientSession) Send(data []byte) error {
	if s.ctx.Err() != nil {
		return ErrClientClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Start arms the inactivity timer, installs keep-alive handlers and starts the write pump.
func (s *ClientSession) Start() {
	s.conn.SetReadLimit(int64(s.cfg.MessageSizeLimit))
	s.extendReadDeadline()
	s.conn.SetPongHandler(s.pongHandler)

	s.mu.Lock()
	s.activityTimer = time.AfterFunc(s.activityTimeout(), s.onActivityTimeout)
	s.mu.Unlock()

	go s.writePump()
}

// UpdateActivity records a client message and resets the inactivity timer.
func (s *ClientSession) UpdateActivity() {
	s.lastActivity.Store(time.Now().Unix())
	s.extendReadDeadline()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityTimer != nil {
		s.activityTimer.Reset(s.activityTimeout())
	}
}

// LastActivityTime returns the time of last activity
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

// Close closes the connection with a going-away frame.
func (s *ClientSession) Close() error {
	s.CloseWith(websocket.CloseGoingAway, "server closing connection")
	return nil
}

// CloseWith closes the connection with the given close code. Frames already queued
// are flushed first. Only the first call decides the code.
func (s *ClientSession) CloseWith(code int, text string) {
	s.mu.Lock()
	if s.ctx.Err() == nil {
		s.closeCode, s.closeText = code, text
	}
	if s.activityTimer != nil {
		s.activityTimer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *ClientSession) writePump() {
	pingTicker := time.NewTicker(time.Duration(s.cfg.PingInterval) * time.Second)
	defer func() {
		pingTicker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.cancel()
				return
			}
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, s.writeDeadline()); err != nil {
				s.log.Debug().Err(err).Msg("failed to send ping")
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			s.flush()
			s.mu.Lock()
			code, text := s.closeCode, s.closeText
			s.mu.Unlock()
			if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), s.writeDeadline()); err != nil {
				s.log.Debug().Err(err).Msg("error sending close message")
			}
			return
		}
	}
}

func (s *ClientSession) flush() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *ClientSession) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(s.writeDeadline()); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *ClientSession) pongHandler(string) error {
	s.extendReadDeadline()
	if s.cfg.KeepAlive {
		s.UpdateActivity()
	} else {
		s.lastActivity.Store(time.Now().Unix())
	}
	return nil
}

func (s *ClientSession) onActivityTimeout() {
	s.log.Info().Msg("connection timed out")
	s.CloseWith(websocket.ClosePolicyViolation, "Inactivity timeout")
}

func (s *ClientSession) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.PongTimeout) * time.Second))
}

func (s *ClientSession) writeDeadline() time.Time {
	return time.Now().Add(time.Duration(s.cfg.WriteTimeout) * time.Second)
}

func (s *ClientSession) activityTimeout() time.Duration {
	return time.Duration(s.cfg.ActivityTimeout) * time.Second
}
