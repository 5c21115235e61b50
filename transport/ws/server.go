package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/transport"
)

// Server accepts WebSocket connections and dispatches envelope frames
// to per-path handlers. It produces an http.Handler per path so routes
// can be mounted on any router.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]transport.Handler
	fallback transport.Handler
}

// NewServer creates a WebSocket server.
func NewServer(logger *slog.Logger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	checkOrigin := func(*http.Request) bool { return true }
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}

	return &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		handlers: make(map[string]transport.Handler),
	}
}

// ReceiveEnvelope binds the default handler used when no path-specific
// handler matches.
func (s *Server) ReceiveEnvelope(handler transport.Handler) error {
	if handler == nil {
		return errors.New(errors.KindValidation, "ws", "ReceiveEnvelope", "nil handler")
	}
	s.mu.Lock()
	s.fallback = handler
	s.mu.Unlock()
	return nil
}

// ReceiveEnvelopeAt binds a handler for one upgrade path.
func (s *Server) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	if handler == nil {
		return errors.New(errors.KindValidation, "ws", "ReceiveEnvelopeAt", "nil handler")
	}
	s.mu.Lock()
	s.handlers[route] = handler
	s.mu.Unlock()
	return nil
}

// ServeHTTP upgrades the connection and runs the read loop until the
// peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	handler, ok := s.handlers[r.URL.Path]
	if !ok {
		handler = s.fallback
	}
	s.mu.RUnlock()

	if handler == nil {
		http.Error(w, "no handler for path", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}

	s.serveConn(r.Context(), conn, handler)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn, handler transport.Handler) {
	defer func() { _ = conn.Close() }()

	// Interleaved responses share one writer.
	var writeMu sync.Mutex
	writeFrame := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			s.writeErrorFrame(writeFrame, nil, errors.KindDeserialization, "malformed frame")
			continue
		}

		switch frame.Type {
		case FramePing:
			pong, _ := json.Marshal(Frame{Type: FramePong})
			_ = writeFrame(pong)

		case FrameEnvelope:
			req, err := envelope.Decode[json.RawMessage](frame.Payload)
			if err != nil {
				s.writeErrorFrame(writeFrame, nil, errors.KindDeserialization, "malformed envelope")
				continue
			}

			// Each request runs independently so one slow handler does
			// not stall the connection.
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := transport.Dispatch(ctx, req, handler)
				respData, err := EncodeFrame(resp)
				if err != nil {
					s.logger.Error("encode response frame", "error", err)
					return
				}
				if err := writeFrame(respData); err != nil {
					s.logger.Debug("response write failed, peer gone", "error", err)
				}
			}()

		default:
			s.writeErrorFrame(writeFrame, nil, errors.KindValidation, "unknown frame type")
		}
	}
}

func (s *Server) writeErrorFrame(write func([]byte) error, meta *envelope.Meta, kind errors.Kind, msg string) {
	if meta == nil {
		meta = envelope.NewMetaForRequest()
	}
	env := &envelope.AnyEnvelope{
		Meta:  meta.ResponseMeta(),
		Error: envelope.ErrorFromKind(kind, msg),
	}
	data, err := EncodeFrame(env)
	if err != nil {
		return
	}
	_ = write(data)
}
