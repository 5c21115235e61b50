// Package natsclient manages the shared NATS connection with a circuit
// breaker. All NATS-based adapters (messaging, MCP-over-NATS, A2A in
// nats mode, discovery) borrow this client rather than dialing their
// own connections.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced by the client. Call sites return them
// wrapped with KindConnection; match with errors.Is.
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker. The circuit
// opens after a threshold of consecutive failures and half-opens again
// after an exponentially growing backoff.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	requestTimeout time.Duration

	username string
	password string
	token    string

	tlsConfig security.TLSConfig

	clientName string

	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a NATS client with optional configuration.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		requestTimeout:   30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "natsclient", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created NATS client for %s", url)
	return c, nil
}

// URL returns the NATS server URL.
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status.
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection.
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// SetConnection sets the NATS connection (for testing).
func (m *Client) SetConnection(conn *nats.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	if conn != nil && conn.IsConnected() {
		m.setStatus(StatusConnected)
	}
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is established.
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the total failure count since the last reset.
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit backoff duration.
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// RequestTimeout returns the default request/reply timeout applied when
// the caller's context carries no deadline.
func (m *Client) RequestTimeout() time.Duration {
	return m.requestTimeout
}

// recordFailure counts a failure and opens the circuit past threshold.
func (m *Client) recordFailure() {
	total := m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	circuit := m.circuitFailures.Add(1)

	m.logger.Debugf("Recorded failure %d (circuit failures: %d)", total, circuit)

	if circuit < m.circuitThreshold {
		return
	}

	currentStatus := m.Status()
	if currentStatus != StatusCircuitOpen {
		if m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
			currentBackoff := m.backoff.Load().(time.Duration)
			m.growBackoff(currentBackoff)
			m.circuitFailures.Store(0)
			m.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
				circuit, currentBackoff)
			time.AfterFunc(currentBackoff, m.halfOpenCircuit)
		}
		return
	}

	// Failures keep arriving while the circuit is already open.
	m.growBackoff(m.backoff.Load().(time.Duration))
	m.circuitFailures.Store(0)
}

func (m *Client) growBackoff(current time.Duration) {
	next := current * 2
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.backoff.Store(next)
}

// resetCircuit clears failure state after a successful operation.
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// halfOpenCircuit lets the next caller probe the connection again.
func (m *Client) halfOpenCircuit() {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker half-open, allowing probe")
		m.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the connection is healthy or the
// context expires.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindTimeout, "natsclient", "WaitForConnection",
				"connection wait expired")
		case <-ticker.C:
			if m.IsHealthy() {
				return nil
			}
		}
	}
}

// buildConnectionOptions builds nats.Options from the client config.
func (m *Client) buildConnectionOptions() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}

	if m.tlsConfig.Enabled {
		tc, err := tlsutil.LoadClientTLSConfig(m.tlsConfig)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.Secure(tc))
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	return opts, nil
}

// GetStatus returns current status information.
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

// Connect establishes the connection to the NATS server.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker is open, skipping connection attempt")
		return errors.Wrap(ErrCircuitOpen, errors.KindConnection, "natsclient", "Connect",
			"connection attempt refused")
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	opts, err := m.buildConnectionOptions()
	if err != nil {
		m.setStatus(StatusDisconnected)
		return err
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			m.mu.Lock()
			m.js = js
			m.mu.Unlock()
		}

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.recordFailure()
			if m.Status() != StatusCircuitOpen {
				m.setStatus(StatusDisconnected)
				return errors.Wrap(err, errors.KindConnection, "natsclient", "Connect",
					"establish connection")
			}
			return errors.Wrap(ErrCircuitOpen, errors.KindConnection, "natsclient", "Connect",
				"circuit opened during connect")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.Wrap(ctx.Err(), errors.KindTimeout, "natsclient", "Connect",
			"connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("Successfully connected to NATS at %s", m.url)

	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindConnection, "natsclient", "Close", "unsubscribe"))
			m.logger.Errorf("Failed to unsubscribe: %v", err)
		}
	}
	m.subs = nil

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- m.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, errors.KindConnection, "natsclient", "Close", "drain connection"))
				m.logger.Errorf("Drain error: %v", err)
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.New(errors.KindTimeout, "natsclient", "Close",
				fmt.Sprintf("drain timeout after %v", drainTimeout)))
			m.logger.Errorf("Drain timeout after %v, force closing", drainTimeout)
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), errors.KindTimeout, "natsclient", "Close",
				"context cancelled during drain"))
		}

		m.conn.Close()
		m.conn = nil
	}

	// Clear credentials from memory.
	m.username = ""
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server.
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.Wrap(ErrNotConnected, errors.KindConnection, "natsclient", "RTT",
			"no active connection")
	}
	return conn.RTT()
}

// Request performs a request/reply exchange on a subject. The reply
// deadline follows the context; without one the client default applies.
func (m *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, errors.Wrap(ErrCircuitOpen, errors.KindConnection, "natsclient", "Request",
			fmt.Sprintf("request to %s refused", subject))
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, errors.Wrap(ErrNotConnected, errors.KindConnection, "natsclient", "Request",
			fmt.Sprintf("request to %s without a connection", subject))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.requestTimeout)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		m.recordFailure()
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, nats.ErrTimeout) {
			return nil, errors.Wrap(err, errors.KindTimeout, "natsclient", "Request",
				fmt.Sprintf("request to %s timed out", subject))
		}
		if stderrors.Is(err, nats.ErrNoResponders) {
			return nil, errors.Wrap(err, errors.KindServerNotFound, "natsclient", "Request",
				fmt.Sprintf("no responders on %s", subject))
		}
		return nil, errors.Wrap(err, errors.KindConnection, "natsclient", "Request",
			fmt.Sprintf("request to %s failed", subject))
	}

	m.resetCircuit()
	return msg.Data, nil
}

// Publish publishes a fire-and-forget message to a subject.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.Wrap(ErrNotConnected, errors.KindConnection, "natsclient", "Publish",
			fmt.Sprintf("publish to %s without a connection", subject))
	}
	return errors.Wrap(conn.Publish(subject, data), errors.KindConnection, "natsclient", "Publish",
		fmt.Sprintf("publish to %s", subject))
}

// Subscribe subscribes to a subject. The handler receives the message
// data and a reply function; the reply function is a no-op for messages
// without a reply inbox.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, data []byte, reply func([]byte) error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return errors.Wrap(ErrNotConnected, errors.KindConnection, "natsclient", "Subscribe",
			fmt.Sprintf("subscribe to %s without a connection", subject))
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		reply := func(data []byte) error {
			if msg.Reply == "" {
				return nil
			}
			return msg.Respond(data)
		}
		handler(msgCtx, msg.Data, reply)
	})
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "natsclient", "Subscribe",
			fmt.Sprintf("subscribe to %s", subject))
	}

	m.subs = append(m.subs, sub)
	return nil
}

// QueueSubscribe subscribes with a queue group so a service can scale
// horizontally while each request lands on exactly one instance.
func (m *Client) QueueSubscribe(ctx context.Context, subject, queue string, handler func(ctx context.Context, data []byte, reply func([]byte) error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return errors.Wrap(ErrNotConnected, errors.KindConnection, "natsclient", "QueueSubscribe",
			fmt.Sprintf("subscribe to %s without a connection", subject))
	}

	sub, err := m.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		reply := func(data []byte) error {
			if msg.Reply == "" {
				return nil
			}
			return msg.Respond(data)
		}
		handler(msgCtx, msg.Data, reply)
	})
	if err != nil {
		return errors.Wrap(err, errors.KindConnection, "natsclient", "QueueSubscribe",
			fmt.Sprintf("subscribe to %s", subject))
	}

	m.subs = append(m.subs, sub)
	return nil
}

// JetStream returns the JetStream context.
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.New(errors.KindConnection, "natsclient", "JetStream",
			"JetStream not initialized")
	}
	return m.js, nil
}

// PublishToStream publishes to a JetStream stream with acknowledgement,
// for events that must survive a broker restart.
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if m.Status() == StatusCircuitOpen {
		return errors.Wrap(ErrCircuitOpen, errors.KindConnection, "natsclient", "PublishToStream",
			fmt.Sprintf("publish to %s refused", subject))
	}
	if m.Status() != StatusConnected {
		return errors.Wrap(ErrNotConnected, errors.KindConnection, "natsclient", "PublishToStream",
			fmt.Sprintf("publish to %s without a connection", subject))
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		m.recordFailure()
		return errors.Wrap(err, errors.KindConnection, "natsclient", "PublishToStream",
			fmt.Sprintf("publish to %s", subject))
	}

	m.resetCircuit()
	return nil
}

// OnHealthChange sets a callback for health status changes.
func (m *Client) OnHealthChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)

	m.mu.RLock()
	onDisconnect := m.onDisconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()

	m.mu.RLock()
	onReconnect := m.onReconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Errorf("NATS error: %v", err)
}
