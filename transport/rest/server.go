package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
	"github.com/jocax/qollective/transport"
)

// ServerConfig configures the REST server.
type ServerConfig struct {
	Port           int                `json:"port" yaml:"port"`
	MaxBodyBytes   int64              `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`
	MaxConnections int                `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`
	AllowedOrigins []string           `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
	ReadTimeout    time.Duration      `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	WriteTimeout   time.Duration      `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	TLS            security.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

func (c *ServerConfig) withDefaults() {
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 4 << 20
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// Server is the HTTP receiver. It implements transport.Receiver; each
// registered route dispatches incoming envelopes to its handler.
type Server struct {
	config ServerConfig
	router chi.Router
	logger *slog.Logger

	// Connection limiter; nil means unlimited.
	slots chan struct{}

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a REST server.
func NewServer(cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.New(errors.KindConfig, "rest", "NewServer",
			fmt.Sprintf("invalid port %d", cfg.Port))
	}
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		logger: logger,
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(s.limitConnections)
	s.router.Use(s.cors)

	return s, nil
}

// Router exposes the underlying router so extra endpoints (metrics,
// health) can be mounted next to the envelope routes.
func (s *Server) Router() chi.Router {
	return s.router
}

// Register binds a handler to an explicit method and route.
func (s *Server) Register(method, route string, handler transport.Handler) error {
	if handler == nil {
		return errors.New(errors.KindValidation, "rest", "Register", "nil handler")
	}
	if !strings.HasPrefix(route, "/") {
		return errors.New(errors.KindValidation, "rest", "Register",
			fmt.Sprintf("route must be rooted: %q", route))
	}
	s.router.Method(strings.ToUpper(method), route, s.envelopeHandler(handler))
	return nil
}

// ReceiveEnvelope binds the default handler for the canonical
// three-segment route shape on POST.
func (s *Server) ReceiveEnvelope(handler transport.Handler) error {
	return s.Register(http.MethodPost, "/{version}/{service}/{operation}", handler)
}

// ReceiveEnvelopeAt binds a handler to one POST route.
func (s *Server) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	return s.Register(http.MethodPost, route, handler)
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.New(errors.KindValidation, "rest", "Start", "server already running")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	if s.config.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(s.config.TLS)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		srv.TLSConfig = tlsConfig
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("REST server listening", "port", s.config.Port, "tls", s.config.TLS.Enabled)

	var err error
	if s.config.TLS.Enabled {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.KindConnection, "rest", "Start",
			fmt.Sprintf("serve on port %d", s.config.Port))
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.KindConnection, "rest", "Stop", "graceful shutdown")
	}
	return nil
}

// envelopeHandler adapts a transport.Handler to an http.Handler.
func (s *Server) envelopeHandler(handler transport.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := s.decodeRequest(r)
		if err != nil {
			kind := errors.KindOf(err)
			s.writeEnvelope(w, &envelope.AnyEnvelope{
				Meta:  envelope.NewMetaForRequest().ResponseMeta(),
				Error: envelope.ErrorFromKind(kind, publicMessage(kind)),
			})
			return
		}

		resp := transport.Dispatch(r.Context(), req, handler)
		s.writeEnvelope(w, resp)
	})
}

// decodeRequest extracts the request envelope from body or header. A
// plain JSON body becomes the payload of a synthesized envelope so
// non-framework callers still work.
func (s *Server) decodeRequest(r *http.Request) (*envelope.AnyEnvelope, error) {
	if header := r.Header.Get(HeaderEnvelope); header != "" {
		data, err := base64.URLEncoding.DecodeString(header)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindDeserialization, "rest", "decodeRequest",
				"invalid envelope header encoding")
		}
		return envelope.Decode[json.RawMessage](data)
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "rest", "decodeRequest",
			"request body exceeds size limit")
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, EnvelopeContentType) {
		return envelope.Decode[json.RawMessage](body)
	}

	if len(body) > 0 && !json.Valid(body) {
		return nil, errors.New(errors.KindDeserialization, "rest", "decodeRequest",
			"request body is not valid JSON")
	}

	env := envelope.NewRequest(json.RawMessage(body))
	if id := r.Header.Get(HeaderRequestID); id != "" {
		env.Meta.EnsureCore().RequestID = id
	}
	return env, nil
}

func (s *Server) writeEnvelope(w http.ResponseWriter, env *envelope.AnyEnvelope) {
	status := http.StatusOK
	if env.Error != nil {
		if env.Error.HTTPStatusCode != 0 {
			status = int(env.Error.HTTPStatusCode)
		} else {
			status = errors.HTTPStatus(env.Error.Kind())
		}
	}

	data, err := envelope.Encode(env)
	if err != nil {
		s.logger.Error("encode response envelope", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", EnvelopeContentType)
	if id := env.Meta.RequestID(); id != "" {
		w.Header().Set(HeaderRequestID, id)
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// limitConnections refuses requests above the configured concurrency
// with a CONNECTION_FAILED envelope rather than queueing them.
func (s *Server) limitConnections(next http.Handler) http.Handler {
	if s.slots == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
			next.ServeHTTP(w, r)
		default:
			s.writeEnvelope(w, &envelope.AnyEnvelope{
				Meta:  envelope.NewMetaForRequest().ResponseMeta(),
				Error: envelope.ErrorFromKind(errors.KindConnection, "server at connection capacity"),
			})
		}
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.config.AllowedOrigins) == 0 {
		return next
	}
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	allowAll := false
	for _, origin := range s.config.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderEnvelope+", "+HeaderRequestID)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// publicMessage keeps internal failure detail out of responses.
func publicMessage(kind errors.Kind) string {
	switch kind {
	case errors.KindDeserialization:
		return "request could not be decoded"
	case errors.KindValidation:
		return "request failed validation"
	default:
		return "request could not be processed"
	}
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	return &net.TCPAddr{Port: s.config.Port}
}
