// Package rest adapts the envelope protocol to HTTP. Routes are the
// reversible REST form of the subject convention; envelopes travel in
// the request body, or in the X-Qollective-Envelope header for methods
// that carry no body.
package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// Wire constants shared by client and server.
const (
	// EnvelopeContentType marks a body that is a full envelope rather
	// than a bare payload.
	EnvelopeContentType = "application/qollective-envelope+json"

	// HeaderEnvelope carries a base64url envelope for bodyless methods.
	HeaderEnvelope = "X-Qollective-Envelope"

	// HeaderRequestID mirrors meta.core.requestId for proxy logs.
	HeaderRequestID = "X-Request-Id"
)

// Client is the HTTP sender. It implements transport.Sender.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithClientTLS configures transport security from a framework TLS
// record.
func WithClientTLS(cfg security.TLSConfig) ClientOption {
	return func(c *Client) error {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg)
		if err != nil {
			return err
		}
		if tlsConfig != nil {
			c.httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
		return nil
	}
}

// WithClientTimeout sets the per-request timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithClientLogger sets the structured logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithClientMetrics wires the adapter counters into a registry.
func WithClientMetrics(registry *metric.Registry) ClientOption {
	return func(c *Client) error {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client (for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc != nil {
			c.httpClient = hc
		}
		return nil
	}
}

// NewClient creates a REST client for a base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New(errors.KindConfig, "rest", "NewClient", "base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Protocol identifies this adapter.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolREST
}

// Send wraps the payload in a fresh request envelope and POSTs it. A
// remote error envelope surfaces as a classified Go error.
func (c *Client) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	env := envelope.NewRequest(payload)
	reply, err := c.SendEnvelope(ctx, endpoint, env)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.AsFrameworkError("rest", "Send")
	}
	return reply.Payload, nil
}

// SendEnvelope POSTs a caller-built envelope and returns the reply
// envelope.
func (c *Client) SendEnvelope(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	return c.Do(ctx, http.MethodPost, endpoint, env)
}

// Do performs an envelope exchange with an explicit HTTP method. The
// endpoint is either a platform subject or a rooted path. GET and
// DELETE requests carry the envelope in the X-Qollective-Envelope
// header; every other method carries it in the body.
func (c *Client) Do(ctx context.Context, method, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	path, operation, err := resolvePath(endpoint)
	if err != nil {
		return nil, err
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if methodHasBody(method) {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", EnvelopeContentType)
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err == nil {
			req.Header.Set(HeaderEnvelope, base64.URLEncoding.EncodeToString(data))
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "rest", "Do", "build request")
	}
	if id := env.Meta.RequestID(); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observe(operation, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.KindTimeout, "rest", "Do",
				fmt.Sprintf("%s %s deadline exceeded", method, path))
		}
		return nil, errors.Wrap(err, errors.KindConnection, "rest", "Do",
			fmt.Sprintf("%s %s failed", method, path))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "rest", "Do", "read response body")
	}

	reply, decodeErr := envelope.Decode[json.RawMessage](body)
	if decodeErr == nil && (reply.Meta != nil || reply.Error != nil || len(reply.Payload) > 0) {
		return reply, nil
	}

	// Not an envelope; classify by status.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, errors.New(errors.KindDeserialization, "rest", "Do",
			fmt.Sprintf("%s %s returned a non-envelope body", method, path))
	}
	kind := errors.KindFromHTTPStatus(resp.StatusCode)
	return nil, errors.New(kind, "rest", "Do",
		fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode))
}

// resolvePath maps an endpoint to a rooted path and its operation name.
func resolvePath(endpoint string) (path, operation string, err error) {
	if strings.HasPrefix(endpoint, "/") {
		parts := strings.Split(strings.TrimPrefix(endpoint, "/"), "/")
		op := "unknown"
		if len(parts) == 3 {
			op = parts[2]
		}
		return endpoint, op, nil
	}
	pattern, err := subject.Parse(endpoint)
	if err != nil {
		return "", "", err
	}
	return pattern.RESTPath(), pattern.Operation, nil
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		return false
	default:
		return true
	}
}

func (c *Client) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestDuration.WithLabelValues("rest", operation).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.RequestsTotal.WithLabelValues("rest", "failure").Inc()
		c.metrics.FailuresTotal.WithLabelValues("rest", errors.KindOf(err).Code()).Inc()
		return
	}
	c.metrics.RequestsTotal.WithLabelValues("rest", "success").Inc()
}
