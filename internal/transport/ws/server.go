// Package ws streams run log lines to WebSocket subscribers.
package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowlab/internal/broadcast"
	"github.com/xiaot623/flowlab/internal/config"
	"github.com/xiaot623/flowlab/internal/controller"
	"github.com/xiaot623/flowlab/internal/domain"
)

// Server handles the per-source log stream endpoints.
type Server struct {
	cfg      *config.Config
	ctrl     *controller.Controller
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, ctrl *controller.Controller) *Server {
	return &Server{
		cfg:  cfg,
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The operator UI may be served from anywhere.
				return true
			},
		},
	}
}

// RegisterRoutes registers the stream endpoints with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/probe", s.handleSource(domain.SourceProbe))
	e.GET("/ws/capture", s.handleSource(domain.SourceCapture))
}

// handleSource upgrades the connection and attaches it to the matching
// broadcaster: backlog first, then live lines, then a close frame when
// the stream ends.
func (s *Server) handleSource(src domain.LogSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("Failed to upgrade WebSocket: %v", err)
			return err
		}

		b := s.ctrl.Broadcaster(src)
		if b == nil {
			// No run was ever started; nothing to stream.
			s.closeConn(conn, "no active run")
			return nil
		}

		sub := b.Subscribe()
		clientGone := make(chan struct{})
		go s.readPump(conn, clientGone)
		s.writePump(conn, b, sub, clientGone)
		return nil
	}
}

// writePump delivers subscribed lines as newline-terminated text frames.
func (s *Server) writePump(conn *websocket.Conn, b *broadcast.Broadcaster, sub *broadcast.Subscriber, clientGone chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		b.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case line, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// End of stream: broadcaster closed or we were dropped
				// for falling behind.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line+"\n")); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-clientGone:
			return
		}
	}
}

// readPump consumes control frames and detects the client going away.
// The stream carries no client-to-server payload beyond the attach.
func (s *Server) readPump(conn *websocket.Conn, clientGone chan struct{}) {
	defer close(clientGone)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (s *Server) closeConn(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	conn.Close()
}
