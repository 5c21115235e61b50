// Package nats adapts the shared NATS client to the transport
// contracts. Request/reply rides core NATS inboxes; events publish
// fire-and-forget or through JetStream when durability is required.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/natsclient"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// Transport is the NATS adapter. It implements transport.Sender and
// transport.Receiver over a shared natsclient.Client.
type Transport struct {
	client  *natsclient.Client
	logger  *slog.Logger
	metrics *metric.Metrics
	queue   string
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics wires the adapter counters into a registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(t *Transport) {
		if registry != nil {
			t.metrics = registry.CoreMetrics()
		}
	}
}

// WithQueueGroup sets the queue group used by subscriptions so multiple
// instances of a service share one subject.
func WithQueueGroup(queue string) Option {
	return func(t *Transport) {
		t.queue = queue
	}
}

// New creates a NATS transport over an existing client.
func New(client *natsclient.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.New(errors.KindConfig, "nats", "New", "nil NATS client")
	}
	t := &Transport{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Protocol identifies this adapter.
func (t *Transport) Protocol() transport.Protocol {
	return transport.ProtocolNATS
}

// Send wraps the payload in a fresh request envelope and performs a
// request/reply exchange on the endpoint subject. A remote error
// envelope surfaces as a classified Go error.
func (t *Transport) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	env := envelope.NewRequest(payload)
	reply, err := t.SendEnvelope(ctx, endpoint, env)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.AsFrameworkError("nats", "Send")
	}
	return reply.Payload, nil
}

// SendEnvelope sends a caller-built envelope and returns the reply
// envelope. The endpoint must be a valid platform subject.
func (t *Transport) SendEnvelope(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	operation, err := routeOperation(endpoint)
	if err != nil {
		return nil, err
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	replyData, err := t.client.Request(ctx, endpoint, data)
	t.observe(operation, start, err)
	if err != nil {
		return nil, err
	}

	reply, err := envelope.Decode[json.RawMessage](replyData)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Publish sends a fire-and-forget event envelope with no reply.
func (t *Transport) Publish(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) error {
	if _, err := subject.Parse(endpoint); err != nil {
		return err
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, endpoint, data); err != nil {
		t.countFailure(err)
		return errors.Wrap(err, errors.KindConnection, "nats", "Publish",
			fmt.Sprintf("publish to %s", endpoint))
	}
	t.countSuccess()
	return nil
}

// PublishPersistent publishes an event through JetStream so it survives
// a broker restart. The matching stream must already exist.
func (t *Transport) PublishPersistent(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) error {
	if _, err := subject.Parse(endpoint); err != nil {
		return err
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := t.client.PublishToStream(ctx, endpoint, data); err != nil {
		t.countFailure(err)
		return err
	}
	t.countSuccess()
	return nil
}

// ReceiveEnvelope binds the default handler for every platform subject.
func (t *Transport) ReceiveEnvelope(handler transport.Handler) error {
	return t.subscribe(subject.AllWildcard(), handler)
}

// ReceiveEnvelopeAt binds a handler for one subject, which may carry
// wildcards.
func (t *Transport) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	if _, err := routeOperation(route); err != nil {
		return err
	}
	return t.subscribe(route, handler)
}

// routeOperation validates an address and extracts its operation label.
// The reserved discovery subjects pass even though they break the
// four-segment pattern rule.
func routeOperation(endpoint string) (string, error) {
	pattern, err := subject.Parse(endpoint)
	if err == nil {
		return pattern.Operation, nil
	}
	if subject.IsDiscoverySubject(endpoint) {
		return strings.Split(endpoint, ".")[2], nil
	}
	return "", err
}

func (t *Transport) subscribe(subj string, handler transport.Handler) error {
	onMessage := func(ctx context.Context, data []byte, reply func([]byte) error) {
		resp := t.handleMessage(ctx, subj, data, handler)
		respData, err := envelope.Encode(resp)
		if err != nil {
			t.logger.Error("encode response envelope", "subject", subj, "error", err)
			return
		}
		if err := reply(respData); err != nil {
			// Requester is gone; its inbox no longer exists.
			if t.metrics != nil {
				t.metrics.LateRepliesTotal.WithLabelValues("nats").Inc()
			}
			t.logger.Debug("reply discarded", "subject", subj, "error", err)
		}
	}

	if t.queue != "" {
		return t.client.QueueSubscribe(context.Background(), subj, t.queue, onMessage)
	}
	return t.client.Subscribe(context.Background(), subj, onMessage)
}

func (t *Transport) handleMessage(ctx context.Context, subj string, data []byte, handler transport.Handler) *envelope.AnyEnvelope {
	req, err := envelope.Decode[json.RawMessage](data)
	if err != nil {
		t.logger.Warn("malformed request envelope", "subject", subj, "error", err)
		return &envelope.AnyEnvelope{
			Meta:  envelope.NewMetaForRequest().ResponseMeta(),
			Error: envelope.ErrorFromKind(errors.KindDeserialization, "request is not a valid envelope"),
		}
	}
	return transport.Dispatch(ctx, req, handler)
}

func (t *Transport) observe(operation string, start time.Time, err error) {
	if t.metrics == nil {
		return
	}
	t.metrics.RequestDuration.WithLabelValues("nats", operation).Observe(time.Since(start).Seconds())
	if err != nil {
		t.countFailure(err)
		return
	}
	t.countSuccess()
}

func (t *Transport) countSuccess() {
	if t.metrics != nil {
		t.metrics.RequestsTotal.WithLabelValues("nats", "success").Inc()
	}
}

func (t *Transport) countFailure(err error) {
	if t.metrics != nil {
		t.metrics.RequestsTotal.WithLabelValues("nats", "failure").Inc()
		t.metrics.FailuresTotal.WithLabelValues("nats", errors.KindOf(err).Code()).Inc()
	}
}
