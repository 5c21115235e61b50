package hybrid

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/pkg/retry"
	"github.com/jocax/qollective/transport"
)

// CallState names the phases of one hybrid call.
type CallState string

// Call states.
const (
	StateSelecting     CallState = "selecting"
	StateSending       CallState = "sending"
	StateAwaitingReply CallState = "awaiting_reply"
	StateDecoding      CallState = "decoding"
	StateSucceeded     CallState = "succeeded"
	StateFailed        CallState = "failed"
)

// Attempt records one protocol try within a call.
type Attempt struct {
	Protocol transport.Protocol
	Retries  int
	State    CallState
	Duration time.Duration
	Err      string
}

// Report is the telemetry record of one hybrid call.
type Report struct {
	Endpoint   string
	Attempts   []Attempt
	FinalState CallState
	Winner     transport.Protocol
}

// Transport fans a call out over the registered senders, best protocol
// first. Fallback happens only on transport-class failures; a remote
// error envelope is a delivered reply.
type Transport struct {
	detector *Detector
	senders  map[transport.Protocol]transport.Sender
	policy   retry.Policy
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a hybrid Transport.
type Option func(*Transport)

// WithRetryPolicy sets the per-protocol retry budget.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(t *Transport) { t.policy = policy }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics wires the fallback counters into a registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(t *Transport) {
		if registry != nil {
			t.metrics = registry.CoreMetrics()
		}
	}
}

// New creates a hybrid transport over a detector.
func New(detector *Detector, opts ...Option) (*Transport, error) {
	if detector == nil {
		return nil, errors.New(errors.KindConfig, "hybrid", "New", "nil detector")
	}
	t := &Transport{
		detector: detector,
		senders:  make(map[transport.Protocol]transport.Sender),
		policy: retry.Policy{
			MaxAttempts:  2,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RegisterSender makes a protocol available for selection.
func (t *Transport) RegisterSender(sender transport.Sender) error {
	if sender == nil {
		return errors.New(errors.KindValidation, "hybrid", "RegisterSender", "nil sender")
	}
	t.senders[sender.Protocol()] = sender
	return nil
}

// SendWithFallback sends an envelope via the best-ranked protocol,
// walking down the ranking when a protocol fails with a
// transport-class error. The report documents every attempt.
func (t *Transport) SendWithFallback(ctx context.Context, endpoint string, env *envelope.AnyEnvelope, req Requirements) (*envelope.AnyEnvelope, *Report, error) {
	report := &Report{Endpoint: endpoint, FinalState: StateSelecting}

	set, err := t.detector.Detect(ctx, endpoint)
	if err != nil {
		report.FinalState = StateFailed
		return nil, report, err
	}

	ranked := t.available(Rank(set, req))
	if len(ranked) == 0 {
		report.FinalState = StateFailed
		return nil, report, errors.New(errors.KindDiscovery, "hybrid", "SendWithFallback",
			fmt.Sprintf("no registered protocol of %s satisfies the requirements", endpoint))
	}

	var lastErr error
	for _, protocol := range ranked {
		reply, attempt, err := t.tryProtocol(ctx, protocol, endpoint, env)
		report.Attempts = append(report.Attempts, attempt)

		if err == nil {
			report.FinalState = StateSucceeded
			report.Winner = protocol
			t.countFallback(protocol, "success")
			return reply, report, nil
		}

		lastErr = err
		t.countFallback(protocol, "failed")

		if !isTransportClass(err) {
			// The endpoint answered and rejected the call; another
			// protocol would get the same answer.
			report.FinalState = StateFailed
			return nil, report, err
		}

		t.detector.Demote(endpoint, protocol)
		t.logger.Warn("protocol failed, falling back",
			"endpoint", endpoint, "protocol", protocol, "error", err)
	}

	report.FinalState = StateFailed
	return nil, report, errors.Wrap(lastErr, errors.KindTransport, "hybrid", "SendWithFallback",
		fmt.Sprintf("all %d protocol(s) failed for %s", len(ranked), endpoint))
}

func (t *Transport) tryProtocol(ctx context.Context, protocol transport.Protocol, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, Attempt, error) {
	sender := t.senders[protocol]
	attempt := Attempt{Protocol: protocol, State: StateSending}
	start := time.Now()

	var reply *envelope.AnyEnvelope
	retries, err := retry.Do(ctx, t.policy, func() error {
		attempt.State = StateAwaitingReply
		r, err := sender.SendEnvelope(ctx, endpoint, env)
		if err != nil {
			if !isTransportClass(err) {
				return retry.Permanent(err)
			}
			return err
		}
		attempt.State = StateDecoding
		reply = r
		return nil
	})

	attempt.Retries = retries
	attempt.Duration = time.Since(start)
	var perm *retry.PermanentError
	if stderrors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil {
		attempt.State = StateFailed
		attempt.Err = err.Error()
		return nil, attempt, err
	}
	attempt.State = StateSucceeded
	return reply, attempt, nil
}

// available filters the ranking down to protocols with a registered
// sender.
func (t *Transport) available(ranked []transport.Protocol) []transport.Protocol {
	out := make([]transport.Protocol, 0, len(ranked))
	for _, protocol := range ranked {
		if _, ok := t.senders[protocol]; ok {
			out = append(out, protocol)
		}
	}
	return out
}

func (t *Transport) countFallback(protocol transport.Protocol, outcome string) {
	if t.metrics != nil {
		t.metrics.FallbackAttempts.WithLabelValues(string(protocol), outcome).Inc()
	}
}

// isTransportClass reports whether the failure happened on the wire
// rather than inside the remote handler.
func isTransportClass(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindTransport, errors.KindConnection, errors.KindTimeout:
		return true
	default:
		return false
	}
}
