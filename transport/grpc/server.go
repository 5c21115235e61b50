package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// Server is the gRPC receiver. Handlers registered before Start are
// grouped into one ServiceDesc per service name.
type Server struct {
	logger *slog.Logger
	tls    security.TLSConfig

	mu       sync.Mutex
	handlers map[string]map[string]transport.Handler // service -> operation -> handler
	server   *grpc.Server
}

// NewServer creates a gRPC server.
func NewServer(tlsCfg security.TLSConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		tls:      tlsCfg,
		handlers: make(map[string]map[string]transport.Handler),
	}
}

// ReceiveEnvelope is not supported: gRPC method names are fixed at
// registration, so a catch-all binding has nothing to attach to.
func (s *Server) ReceiveEnvelope(transport.Handler) error {
	return errors.New(errors.KindFeatureNotEnabled, "grpc", "ReceiveEnvelope",
		"gRPC requires per-operation registration")
}

// ReceiveEnvelopeAt binds a handler to a subject or /service/operation
// method. Must be called before Start.
func (s *Server) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	if handler == nil {
		return errors.New(errors.KindValidation, "grpc", "ReceiveEnvelopeAt", "nil handler")
	}

	pattern, err := resolvePattern(route)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New(errors.KindValidation, "grpc", "ReceiveEnvelopeAt",
			"handlers must be registered before Start")
	}
	if s.handlers[pattern.Service] == nil {
		s.handlers[pattern.Service] = make(map[string]transport.Handler)
	}
	s.handlers[pattern.Service][pattern.Operation] = handler
	return nil
}

func resolvePattern(route string) (subject.Pattern, error) {
	if len(route) > 0 && route[0] == '/' {
		return subject.ParseGRPCMethod(route)
	}
	return subject.Parse(route)
}

// Serve builds the service descriptors and serves on the listener.
// Blocks until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.New(errors.KindValidation, "grpc", "Serve", "server already running")
	}

	var opts []grpc.ServerOption
	if s.tls.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(s.tls)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	server := grpc.NewServer(opts...)
	for service, operations := range s.handlers {
		server.RegisterService(s.buildServiceDesc(service, operations), nil)
	}
	s.server = server
	s.mu.Unlock()

	s.logger.Info("gRPC server listening", "addr", lis.Addr().String(), "tls", s.tls.Enabled)
	if err := server.Serve(lis); err != nil {
		return errors.Wrap(err, errors.KindConnection, "grpc", "Serve", "serve listener")
	}
	return nil
}

// Stop drains in-flight calls and shuts the server down.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
}

func (s *Server) buildServiceDesc(service string, operations map[string]transport.Handler) *grpc.ServiceDesc {
	methods := make([]grpc.MethodDesc, 0, len(operations))
	for operation, handler := range operations {
		methods = append(methods, grpc.MethodDesc{
			MethodName: operation,
			Handler:    s.unaryHandler(handler),
		})
	}
	return &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*any)(nil),
		Methods:     methods,
	}
}

// unaryHandler adapts a transport.Handler into a grpc.MethodDesc
// handler. Malformed envelopes become status errors; handler failures
// stay inside the reply envelope so metadata survives.
func (s *Server) unaryHandler(handler transport.Handler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		invoke := func(ctx context.Context, req any) (any, error) {
			msg, ok := req.(*EnvelopeMessage)
			if !ok {
				return nil, status.Errorf(errors.GRPCCode(errors.KindInternal), "unexpected message type %T", req)
			}

			reqEnv, err := envelope.Decode[json.RawMessage](msg.Data)
			if err != nil {
				return nil, status.Error(errors.GRPCCode(errors.KindDeserialization),
					"request is not a valid envelope")
			}

			resp := transport.Dispatch(ctx, reqEnv, handler)
			respData, err := envelope.Encode(resp)
			if err != nil {
				return nil, status.Error(errors.GRPCCode(errors.KindSerialization),
					"response envelope could not be encoded")
			}
			return &EnvelopeMessage{Data: respData}, nil
		}

		msg := new(EnvelopeMessage)
		if err := dec(msg); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(ctx, msg)
		}
		info := &grpc.UnaryServerInfo{Server: nil, FullMethod: ""}
		return interceptor(ctx, msg, info, invoke)
	}
}

// ListenAndServe listens on the port and serves.
func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "grpc", "ListenAndServe",
			fmt.Sprintf("listen on port %d", port))
	}
	return s.Serve(lis)
}
