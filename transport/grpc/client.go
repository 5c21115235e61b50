package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// Client is the gRPC sender. It implements transport.Sender over one
// client connection.
type Client struct {
	conn    *grpc.ClientConn
	metrics *metric.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig) error

type clientConfig struct {
	tls     security.TLSConfig
	metrics *metric.Metrics
}

// WithClientTLS configures transport security.
func WithClientTLS(cfg security.TLSConfig) ClientOption {
	return func(c *clientConfig) error {
		c.tls = cfg
		return nil
	}
}

// WithClientMetrics wires the adapter counters into a registry.
func WithClientMetrics(registry *metric.Registry) ClientOption {
	return func(c *clientConfig) error {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}

// NewClient creates a gRPC client for a target address.
func NewClient(target string, opts ...ClientOption) (*Client, error) {
	if target == "" {
		return nil, errors.New(errors.KindConfig, "grpc", "NewClient", "target is required")
	}

	var cfg clientConfig
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	creds := insecure.NewCredentials()
	if cfg.tls.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.tls)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "grpc", "NewClient",
			fmt.Sprintf("create client for %s", target))
	}

	return &Client{conn: conn, metrics: cfg.metrics}, nil
}

// Protocol identifies this adapter.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolGRPC
}

// Send wraps the payload in a fresh request envelope. A remote error
// envelope surfaces as a classified Go error.
func (c *Client) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	env := envelope.NewRequest(payload)
	reply, err := c.SendEnvelope(ctx, endpoint, env)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.AsFrameworkError("grpc", "Send")
	}
	return reply.Payload, nil
}

// SendEnvelope invokes the unary method derived from the endpoint
// subject and returns the reply envelope. Status errors map back into
// the framework taxonomy.
func (c *Client) SendEnvelope(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	pattern, err := subject.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply := new(EnvelopeMessage)
	err = c.conn.Invoke(ctx, pattern.GRPCMethod(), &EnvelopeMessage{Data: data}, reply)
	c.observe(pattern.Operation, start, err)
	if err != nil {
		if st, ok := status.FromError(err); ok {
			kind := errors.KindFromGRPCCode(st.Code())
			return nil, errors.New(kind, "grpc", "SendEnvelope",
				fmt.Sprintf("%s: %s", pattern.GRPCMethod(), st.Message()))
		}
		return nil, errors.Wrap(err, errors.KindConnection, "grpc", "SendEnvelope",
			fmt.Sprintf("invoke %s", pattern.GRPCMethod()))
	}

	return envelope.Decode[json.RawMessage](reply.Data)
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestDuration.WithLabelValues("grpc", operation).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.RequestsTotal.WithLabelValues("grpc", "failure").Inc()
		c.metrics.FailuresTotal.WithLabelValues("grpc", errors.KindOf(err).Code()).Inc()
		return
	}
	c.metrics.RequestsTotal.WithLabelValues("grpc", "success").Inc()
}
