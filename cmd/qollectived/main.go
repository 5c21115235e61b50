// Package main implements the entry point for the qollective daemon.
// The daemon hosts the NATS, REST, WebSocket and gRPC adapters behind
// one configuration file and answers discovery and health probes for
// the services registered with it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jocax/qollective/config"
	"github.com/jocax/qollective/discovery"
	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/health"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/natsclient"
	"github.com/jocax/qollective/transport"
	grpctransport "github.com/jocax/qollective/transport/grpc"
	natstransport "github.com/jocax/qollective/transport/nats"
	"github.com/jocax/qollective/transport/rest"
	"github.com/jocax/qollective/transport/ws"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "qollectived"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	// CLI logging flags beat the config file.
	logLevel := cfg.Logging.Level
	if cliCfg.LogLevel != "" {
		logLevel = cliCfg.LogLevel
	}
	logFormat := cfg.Logging.Format
	if cliCfg.LogFormat != "" {
		logFormat = cliCfg.LogFormat
	}
	logger := setupLogger(logLevel, logFormat)
	slog.SetDefault(logger)

	slog.Info("Starting qollective daemon",
		"version", Version,
		"build_time", BuildTime,
		"platform", cfg.Platform.ID,
		"config_path", cliCfg.ConfigPath)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	daemon := &daemon{cfg: cfg, logger: logger}
	return daemon.run(cliCfg.ShutdownTimeout)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("default configuration invalid: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// daemon ties the adapters, discovery responder and health tracker
// together for one process lifetime.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracker *health.Tracker

	registry   *metric.Registry
	natsClient *natsclient.Client

	stops []func(context.Context)
}

func (d *daemon) run(shutdownTimeout time.Duration) error {
	ctx := context.Background()
	d.tracker = health.NewTracker()
	d.registry = metric.NewRegistry()

	if err := d.connectNATS(ctx); err != nil {
		return err
	}
	defer func() { _ = d.natsClient.Close(ctx) }()

	natsTransport, err := natstransport.New(d.natsClient,
		natstransport.WithLogger(d.logger),
		natstransport.WithMetrics(d.registry))
	if err != nil {
		return fmt.Errorf("create NATS transport: %w", err)
	}

	responder, err := d.setupDiscovery(natsTransport)
	if err != nil {
		return err
	}

	slog.Debug("Discovery services registered", "count", len(responder.Services()))

	errCh := make(chan error, 4)
	if err := d.startREST(errCh); err != nil {
		return err
	}
	if err := d.startWS(errCh); err != nil {
		return err
	}
	if err := d.startGRPC(errCh); err != nil {
		return err
	}
	if err := d.startMetrics(errCh); err != nil {
		return err
	}

	return d.waitForShutdown(ctx, errCh, shutdownTimeout)
}

func (d *daemon) connectNATS(ctx context.Context) error {
	cfg := d.cfg.NATS
	opts := []natsclient.ClientOption{}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWaitMS > 0 {
		opts = append(opts, natsclient.WithReconnectWait(time.Duration(cfg.ReconnectWaitMS)*time.Millisecond))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if d.cfg.TLS.Client.Enabled {
		opts = append(opts, natsclient.WithTLS(d.cfg.TLS.Client))
	}
	opts = append(opts, natsclient.WithHealthChangeCallback(func(healthy bool) {
		if healthy {
			d.tracker.SetHealthy("nats")
		} else {
			d.tracker.SetUnhealthy("nats",
				errors.New(errors.KindConnection, "natsclient", "monitor", "broker connection lost"))
		}
	}))

	client, err := natsclient.NewClient(cfg.URL(), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	d.natsClient = client

	slog.Info("Connecting to NATS", "url", cfg.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	d.tracker.SetHealthy("nats")
	return nil
}

func (d *daemon) setupDiscovery(receiver transport.Receiver) (*discovery.Responder, error) {
	endpoint := discovery.ServerEndpoint{
		ServerID:           d.cfg.Platform.ID,
		EndpointURL:        d.cfg.NATS.URL(),
		Capabilities:       []string{"envelopes", "discovery"},
		ProtocolVersion:    Version,
		PreferredTransport: transport.ProtocolNATS,
		IsNativeEnvelope:   true,
	}

	responder, err := discovery.NewResponder(endpoint,
		discovery.WithResponderLogger(d.logger),
		discovery.WithResponderMetrics(d.registry),
		discovery.WithHealthFunc(func(string) discovery.HealthReport {
			agg := d.tracker.Aggregate()
			return discovery.HealthReport{
				Healthy: agg.Healthy,
				Status:  agg.Status,
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("create discovery responder: %w", err)
	}

	// The platform itself is discoverable even before any service
	// registers tools with it.
	if err := responder.RegisterTools(d.cfg.Platform.ID); err != nil {
		return nil, fmt.Errorf("register platform service: %w", err)
	}
	if err := responder.Bind(receiver); err != nil {
		return nil, fmt.Errorf("bind discovery responder: %w", err)
	}

	slog.Info("Discovery responder bound", "services", responder.Services())
	return responder, nil
}

func (d *daemon) startREST(errCh chan<- error) error {
	if !d.cfg.REST.Enabled {
		slog.Debug("REST adapter disabled")
		return nil
	}

	cfg := d.cfg.REST
	srv, err := rest.NewServer(rest.ServerConfig{
		Port:           cfg.Port,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		MaxConnections: cfg.MaxConnections,
		AllowedOrigins: cfg.AllowedOrigins,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:   time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		TLS:            d.cfg.TLS.Server,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("create REST server: %w", err)
	}

	if err := srv.ReceiveEnvelopeAt("/v1/discovery/health", d.healthHandler()); err != nil {
		return fmt.Errorf("register health route: %w", err)
	}

	d.tracker.Register("rest")
	go func() {
		d.tracker.SetHealthy("rest")
		if err := srv.Start(); err != nil {
			d.tracker.SetUnhealthy("rest", err)
			errCh <- fmt.Errorf("REST server: %w", err)
		}
	}()
	d.stops = append(d.stops, func(ctx context.Context) {
		if err := srv.Stop(ctx); err != nil {
			slog.Error("REST shutdown failed", "error", err)
		}
	})

	slog.Info("REST adapter listening", "port", cfg.Port, "tls", d.cfg.TLS.Server.Enabled)
	return nil
}

func (d *daemon) startWS(errCh chan<- error) error {
	if !d.cfg.WS.Enabled {
		slog.Debug("WebSocket adapter disabled")
		return nil
	}

	cfg := d.cfg.WS
	srv := ws.NewServer(d.logger, cfg.AllowedOrigins)
	if err := srv.ReceiveEnvelope(d.healthHandler()); err != nil {
		return fmt.Errorf("register WebSocket handler: %w", err)
	}

	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.Handle(path, srv)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.tracker.Register("ws")
	go func() {
		d.tracker.SetHealthy("ws")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.tracker.SetUnhealthy("ws", err)
			errCh <- fmt.Errorf("WebSocket server: %w", err)
		}
	}()
	d.stops = append(d.stops, func(ctx context.Context) {
		if err := httpSrv.Shutdown(ctx); err != nil {
			slog.Error("WebSocket shutdown failed", "error", err)
		}
	})

	slog.Info("WebSocket adapter listening", "port", cfg.Port, "path", path)
	return nil
}

func (d *daemon) startGRPC(errCh chan<- error) error {
	if !d.cfg.GRPC.Enabled {
		slog.Debug("gRPC adapter disabled")
		return nil
	}

	srv := grpctransport.NewServer(d.cfg.TLS.Server, d.logger)

	d.tracker.Register("grpc")
	go func() {
		d.tracker.SetHealthy("grpc")
		if err := srv.ListenAndServe(d.cfg.GRPC.Port); err != nil {
			d.tracker.SetUnhealthy("grpc", err)
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	d.stops = append(d.stops, func(context.Context) { srv.Stop() })

	slog.Info("gRPC adapter listening", "port", d.cfg.GRPC.Port)
	return nil
}

func (d *daemon) startMetrics(errCh chan<- error) error {
	if !d.cfg.Metrics.Enabled {
		slog.Debug("Metrics endpoint disabled")
		return nil
	}

	srv := metric.NewServer(d.cfg.Metrics.Port, d.cfg.Metrics.Path, d.registry, d.cfg.TLS.Server)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	d.stops = append(d.stops, func(context.Context) {
		if err := srv.Stop(); err != nil {
			slog.Error("Metrics shutdown failed", "error", err)
		}
	})

	slog.Info("Metrics endpoint listening", "port", d.cfg.Metrics.Port, "path", d.cfg.Metrics.Path)
	return nil
}

// healthHandler serves the aggregate component health as an envelope
// payload, shared by the REST route and the WebSocket fallback.
func (d *daemon) healthHandler() transport.Handler {
	return func(_ context.Context, _ *transport.MessageContext, _ json.RawMessage) (json.RawMessage, *envelope.Error) {
		payload, err := json.Marshal(d.tracker.Aggregate())
		if err != nil {
			return nil, envelope.ErrorFromKind(errors.KindSerialization, "encode health status")
		}
		return payload, nil
	}
}

func (d *daemon) waitForShutdown(ctx context.Context, errCh <-chan error, timeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Daemon started")

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-errCh:
		slog.Error("Adapter failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop in reverse start order.
	for i := len(d.stops) - 1; i >= 0; i-- {
		d.stops[i](shutdownCtx)
	}

	slog.Info("Daemon shutdown complete")
	return runErr
}
