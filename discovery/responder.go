package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// HealthFunc reports the current health of one hosted service.
type HealthFunc func(service string) HealthReport

// Responder answers the discovery subjects for the services a server
// hosts. Tools are registered per service, then Bind attaches the
// handlers to a receiver.
type Responder struct {
	endpoint ServerEndpoint
	started  time.Time

	mu       sync.RWMutex
	services map[string][]ToolRegistration

	healthFn HealthFunc
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithHealthFunc overrides the always-healthy default.
func WithHealthFunc(fn HealthFunc) ResponderOption {
	return func(r *Responder) {
		if fn != nil {
			r.healthFn = fn
		}
	}
}

// WithResponderLogger sets the structured logger.
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResponderMetrics wires the discovery counters into a registry.
func WithResponderMetrics(registry *metric.Registry) ResponderOption {
	return func(r *Responder) {
		if registry != nil {
			r.metrics = registry.CoreMetrics()
		}
	}
}

// NewResponder creates a responder describing this server. The endpoint
// acts as a template; per-service replies fill in the tool list.
func NewResponder(endpoint ServerEndpoint, opts ...ResponderOption) (*Responder, error) {
	if endpoint.ServerID == "" {
		return nil, errors.New(errors.KindConfig, "discovery", "NewResponder", "empty serverId")
	}

	r := &Responder{
		endpoint: endpoint,
		started:  time.Now(),
		services: make(map[string][]ToolRegistration),
		healthFn: func(string) HealthReport {
			return HealthReport{Healthy: true, Status: "ok", Timestamp: time.Now().UTC()}
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RegisterTools announces tools under a service name. Registering the
// same service again replaces its tool list.
func (r *Responder) RegisterTools(service string, tools ...ToolRegistration) error {
	if service == "" {
		return errors.New(errors.KindValidation, "discovery", "RegisterTools", "empty service name")
	}
	for _, tool := range tools {
		if tool.Name == "" {
			return errors.New(errors.KindValidation, "discovery", "RegisterTools",
				fmt.Sprintf("tool without a name under service %s", service))
		}
	}

	r.mu.Lock()
	r.services[service] = append([]ToolRegistration(nil), tools...)
	r.mu.Unlock()
	return nil
}

// Services returns the registered service names, sorted.
func (r *Responder) Services() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Bind attaches the discovery handlers to a receiver. Every registered
// service gets list_tools and health subjects plus the shared
// list_services subject.
func (r *Responder) Bind(receiver transport.Receiver) error {
	if receiver == nil {
		return errors.New(errors.KindConfig, "discovery", "Bind", "nil receiver")
	}

	for _, service := range r.Services() {
		if err := receiver.ReceiveEnvelopeAt(subject.ListToolsSubject(service), r.handleListTools(service)); err != nil {
			return err
		}
		if err := receiver.ReceiveEnvelopeAt(subject.HealthSubject(service), r.handleHealth(service)); err != nil {
			return err
		}
	}
	return receiver.ReceiveEnvelopeAt(subject.ListServicesSubject(), r.handleListServices)
}

func (r *Responder) handleListTools(service string) transport.Handler {
	return func(_ context.Context, _ *transport.MessageContext, _ json.RawMessage) (json.RawMessage, *envelope.Error) {
		r.mu.RLock()
		tools, ok := r.services[service]
		r.mu.RUnlock()
		if !ok {
			r.count("list_tools", "failed")
			return nil, envelope.ErrorFromKind(errors.KindServerNotFound,
				fmt.Sprintf("service %s is not hosted here", service))
		}

		ep := r.endpoint
		ep.SupportedTools = append([]ToolRegistration{}, tools...)

		payload, err := json.Marshal(ep)
		if err != nil {
			r.count("list_tools", "failed")
			return nil, envelope.ErrorFromKind(errors.KindSerialization, "encode catalog entry")
		}
		r.count("list_tools", "ok")
		return payload, nil
	}
}

func (r *Responder) handleHealth(service string) transport.Handler {
	return func(_ context.Context, _ *transport.MessageContext, _ json.RawMessage) (json.RawMessage, *envelope.Error) {
		report := r.healthFn(service)
		if report.Timestamp.IsZero() {
			report.Timestamp = time.Now().UTC()
		}

		payload, err := json.Marshal(report)
		if err != nil {
			r.count("health", "failed")
			return nil, envelope.ErrorFromKind(errors.KindSerialization, "encode health report")
		}
		r.count("health", "ok")
		return payload, nil
	}
}

func (r *Responder) handleListServices(_ context.Context, _ *transport.MessageContext, _ json.RawMessage) (json.RawMessage, *envelope.Error) {
	payload, err := json.Marshal(ListServicesReply{Services: r.Services()})
	if err != nil {
		r.count("list_services", "failed")
		return nil, envelope.ErrorFromKind(errors.KindSerialization, "encode service list")
	}
	r.count("list_services", "ok")
	return payload, nil
}

// Uptime reports how long this responder has been serving.
func (r *Responder) Uptime() time.Duration {
	return time.Since(r.started)
}

func (r *Responder) count(operation, outcome string) {
	if r.metrics != nil {
		r.metrics.DiscoveryRequests.WithLabelValues(operation, outcome).Inc()
	}
}
