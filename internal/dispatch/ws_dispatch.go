package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSSession streams one subscription to one websocket connection.
type WSSession struct {
	key  string
	conn *websocket.Conn
	sub  *Subscription
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func (s *WSSession) write(msgType int, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if msgType == websocket.TextMessage {
		return s.conn.WriteJSON(v)
	}
	return s.conn.WriteMessage(msgType, nil)
}

func (s *WSSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Close()
		_ = s.conn.Close()
	})
}

// WSRegistry tracks live sessions so they can be counted and shut down.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[*WSSession]struct{}), logger: logger}
}

// Serve pumps events from sub to conn until either side goes away or ctx
// ends. It owns both conn and sub and closes them on return.
func (r *WSRegistry) Serve(ctx context.Context, key string, conn *websocket.Conn, sub *Subscription) {
	s := &WSSession{key: key, conn: conn, sub: sub, done: make(chan struct{})}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, s)
		r.mu.Unlock()
		s.close()
	}()

	go r.readLoop(s)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.write(websocket.CloseMessage, nil)
			return
		case <-s.done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				r.logger.Warn("ws subscription closed by broker", "session", key)
				_ = s.write(websocket.CloseMessage, nil)
				return
			}
			if err := s.write(websocket.TextMessage, ev); err != nil {
				r.logger.Info("ws send error", "session", key, "error", err)
				return
			}
		case <-ping.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
func (r *WSRegistry) readLoop(s *WSSession) {
	defer s.close()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll drops every session, used on shutdown.
func (r *WSRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*WSSession, 0, len(r.sessions))
	for s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		s.close()
	}
}
