// Package ingest accepts capture connections over WebSocket and feeds their
// binary frames into the per-stream segmenter.
package ingest

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hjdhjd/prismcast/internal/logger"
	"github.com/hjdhjd/prismcast/internal/segmenter"
	"github.com/hjdhjd/prismcast/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server upgrades capture requests and runs their read loops.
type Server struct {
	logger  logger.Logger
	manager *session.Manager
}

// NewServer creates a capture ingest server on top of the session manager.
func NewServer(log logger.Logger, manager *session.Manager) *Server {
	return &Server{logger: log, manager: manager}
}

// HandleCapture upgrades the request to a WebSocket, attaches the connection
// to the stream's segmenter and pumps frames until the connection closes.
func (s *Server) HandleCapture(w http.ResponseWriter, r *http.Request, streamID int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade capture request for stream %d: %v", streamID, err)
		return
	}

	connID := uuid.NewString()
	src := &connSource{}

	if _, err := s.manager.Attach(streamID, src); err != nil {
		s.logger.Warnf("Rejecting capture connection %s: %v", connID, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	s.logger.Infof("Capture connection %s attached to stream %d from %s", connID, streamID, r.RemoteAddr)
	s.readLoop(conn, src, connID, streamID)
}

// readLoop pumps WebSocket frames into the source until the peer goes away.
func (s *Server) readLoop(conn *websocket.Conn, src *connSource, connID string, streamID int) {
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infof("Capture connection %s for stream %d closed", connID, streamID)
				src.end()
				return
			}
			s.logger.Warnf("Capture connection %s for stream %d broke: %v", connID, streamID, err)
			src.fail(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			src.deliver(data)
		default:
			s.logger.Debugf("Capture connection %s: ignoring message type %d", connID, messageType)
		}
	}
}

// connSource adapts one capture connection to the segmenter's Source. Events
// originate from the single read loop goroutine, so handler calls are never
// concurrent with themselves.
type connSource struct {
	mutex   sync.Mutex
	handler segmenter.Handler
}

func (c *connSource) Subscribe(h segmenter.Handler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handler = h
}

func (c *connSource) Unsubscribe(h segmenter.Handler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.handler == h {
		c.handler = nil
	}
}

func (c *connSource) deliver(data []byte) {
	if h := c.current(); h != nil {
		h.OnData(data)
	}
}

func (c *connSource) end() {
	if h := c.current(); h != nil {
		h.OnEnd()
	}
}

func (c *connSource) fail(err error) {
	if h := c.current(); h != nil {
		h.OnError(err)
	}
}

func (c *connSource) current() segmenter.Handler {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.handler
}
