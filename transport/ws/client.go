package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
	"github.com/jocax/qollective/transport"
)

// Client is the WebSocket sender. One connection multiplexes many
// in-flight requests, correlated by meta.core.requestId.
type Client struct {
	url     string
	logger  *slog.Logger
	metrics *metric.Metrics
	dialer  *websocket.Dialer
	timeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.AnyEnvelope

	closed chan struct{}
	once   sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithClientTLS configures transport security for wss URLs.
func WithClientTLS(cfg security.TLSConfig) ClientOption {
	return func(c *Client) error {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg)
		if err != nil {
			return err
		}
		c.dialer.TLSClientConfig = tlsConfig
		return nil
	}
}

// WithClientTimeout sets the per-request reply timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
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

// Dial connects a client to a ws:// or wss:// URL and starts the read
// pump.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.New(errors.KindConfig, "ws", "Dial", "URL is required")
	}

	c := &Client{
		url:     url,
		logger:  slog.Default(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		timeout: 30 * time.Second,
		pending: make(map[string]chan *envelope.AnyEnvelope),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrap(err, errors.KindFromHTTPStatus(resp.StatusCode), "ws", "Dial",
				fmt.Sprintf("handshake with %s rejected (%d)", url, resp.StatusCode))
		}
		return nil, errors.Wrap(err, errors.KindConnection, "ws", "Dial",
			fmt.Sprintf("connect to %s", url))
	}
	c.conn = conn

	go c.readPump()
	return c, nil
}

// Protocol identifies this adapter.
func (c *Client) Protocol() transport.Protocol {
	return transport.ProtocolWS
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
		return nil, reply.Error.AsFrameworkError("ws", "Send")
	}
	return reply.Payload, nil
}

// SendEnvelope sends an envelope frame and waits for the correlated
// reply. The endpoint is unused: the connection's path fixed the
// handler at dial time.
func (c *Client) SendEnvelope(ctx context.Context, _ string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	requestID := env.Meta.RequestID()
	if requestID == "" {
		env.Meta.EnsureCore()
		fresh := envelope.NewMetaForRequest()
		env.Meta.Core.RequestID = fresh.Core.RequestID
		requestID = env.Meta.RequestID()
	}

	replyCh := make(chan *envelope.AnyEnvelope, 1)
	c.pendingMu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.pendingMu.Unlock()
		return nil, errors.New(errors.KindValidation, "ws", "SendEnvelope",
			fmt.Sprintf("request %s already in flight", requestID))
	}
	c.pending[requestID] = replyCh
	c.pendingMu.Unlock()
	defer c.abandon(requestID)

	data, err := EncodeFrame(env)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "ws", "SendEnvelope", "write frame")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.KindTimeout, "ws", "SendEnvelope",
			fmt.Sprintf("reply for %s not received", requestID))
	case <-c.closed:
		return nil, errors.New(errors.KindConnection, "ws", "SendEnvelope", "connection closed")
	}
}

// Ping sends a ping frame; the pong is consumed by the read pump.
func (c *Client) Ping() error {
	data, err := json.Marshal(Frame{Type: FramePing})
	if err != nil {
		return errors.Wrap(err, errors.KindSerialization, "ws", "Ping", "marshal frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, errors.KindConnection, "ws", "Ping", "write frame")
	}
	return nil
}

// Close shuts the connection down and fails any in-flight requests.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) abandon(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// readPump routes incoming frames to their waiting requests. Replies
// whose request was abandoned are counted and dropped.
func (c *Client) readPump() {
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("malformed frame from server", "error", err)
			continue
		}
		if frame.Type == FramePong {
			continue
		}
		if frame.Type != FrameEnvelope {
			continue
		}

		reply, err := envelope.Decode[json.RawMessage](frame.Payload)
		if err != nil {
			c.logger.Warn("malformed reply envelope", "error", err)
			continue
		}

		requestID := reply.Meta.RequestID()
		c.pendingMu.Lock()
		ch, ok := c.pending[requestID]
		if ok {
			delete(c.pending, requestID)
		}
		c.pendingMu.Unlock()

		if !ok {
			if c.metrics != nil {
				c.metrics.LateRepliesTotal.WithLabelValues("ws").Inc()
			}
			c.logger.Debug("late reply discarded", "requestId", requestID)
			continue
		}
		ch <- reply
	}
}
