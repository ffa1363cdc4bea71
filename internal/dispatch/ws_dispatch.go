package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/oku-ride/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ErrEvicted is returned by Serve when the hub dropped the subscription
// because the client could not keep up.
var ErrEvicted = errors.New("subscription evicted")

// WSSession streams the events of one relay subscription to a websocket
// client.
type WSSession struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *slog.Logger
}

func NewWSSession(conn *websocket.Conn, logger *slog.Logger) *WSSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSession{conn: conn, logger: logger}
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) control(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// Serve pumps events until ctx ends, the client disconnects or the hub evicts
// the subscription. It closes both the subscription and the connection.
func (s *WSSession) Serve(ctx context.Context, sub *relay.Subscription) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()
	defer sub.Close()

	go s.readLoop(cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				_ = s.control(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"))
				return ErrEvicted
			}
			if err := s.Send(evt); err != nil {
				s.logger.Debug("ws write failed", "rooms", sub.Rooms(), "error", err)
				return err
			}
		case <-ticker.C:
			if err := s.control(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// readLoop drains client frames so control messages are processed, and ends
// the session when the client goes away.
func (s *WSSession) readLoop(cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadLimit(4096)
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
