package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// busSender is an in-process discovery bus. It implements both the
// Receiver side the responder binds to and the Sender side the client
// talks through.
type busSender struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	calls    map[string]*atomic.Int64
	failWith map[string]error
	delay    time.Duration
}

func newBus() *busSender {
	return &busSender{
		handlers: make(map[string]transport.Handler),
		calls:    make(map[string]*atomic.Int64),
		failWith: make(map[string]error),
	}
}

func (b *busSender) ReceiveEnvelope(handler transport.Handler) error {
	b.handlers[subject.AllWildcard()] = handler
	return nil
}

func (b *busSender) ReceiveEnvelopeAt(route string, handler transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[route] = handler
	b.calls[route] = &atomic.Int64{}
	return nil
}

func (b *busSender) Protocol() transport.Protocol { return transport.ProtocolNATS }

func (b *busSender) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	reply, err := b.SendEnvelope(ctx, endpoint, envelope.NewRequest(payload))
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (b *busSender) SendEnvelope(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	b.mu.Lock()
	handler, ok := b.handlers[endpoint]
	counter := b.calls[endpoint]
	induced := b.failWith[endpoint]
	delay := b.delay
	b.mu.Unlock()

	if counter != nil {
		counter.Add(1)
	}
	if induced != nil {
		return nil, induced
	}
	if !ok {
		return nil, errors.New(errors.KindServerNotFound, "test", "SendEnvelope",
			"no handler for "+endpoint)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return transport.Dispatch(ctx, env, handler), nil
}

func (b *busSender) callCount(endpoint string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if counter, ok := b.calls[endpoint]; ok {
		return counter.Load()
	}
	return 0
}

func (b *busSender) failEndpoint(endpoint string, err error) {
	b.mu.Lock()
	b.failWith[endpoint] = err
	b.mu.Unlock()
}

func testResponder(t *testing.T) *Responder {
	t.Helper()
	r, err := NewResponder(ServerEndpoint{
		ServerID:           "node-1",
		EndpointURL:        "nats://localhost:4222",
		ProtocolVersion:    "v1",
		PreferredTransport: transport.ProtocolNATS,
		IsNativeEnvelope:   true,
	})
	require.NoError(t, err)

	require.NoError(t, r.RegisterTools("weather",
		ToolRegistration{Name: "get_forecast", ServerName: "node-1", Version: "v1",
			Capabilities: ToolCapabilities{Caching: true}},
		ToolRegistration{Name: "get_alerts", ServerName: "node-1", Version: "v1"},
	))
	require.NoError(t, r.RegisterTools("geo"))
	return r
}

func newClientOverBus(t *testing.T, bus *busSender, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), bus, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDiscoverServiceTools(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	ep, err := c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)

	assert.Equal(t, "node-1", ep.ServerID)
	assert.True(t, ep.IsNativeEnvelope)
	require.Len(t, ep.SupportedTools, 2)
	assert.Equal(t, "get_forecast", ep.SupportedTools[0].Name)
	assert.True(t, ep.SupportedTools[0].Capabilities.Caching)
}

func TestDiscoverServiceToolsCached(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	_, err := c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)
	_, err = c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)

	assert.Equal(t, int64(1), bus.callCount(subject.ListToolsSubject("weather")))
	assert.Equal(t, int64(1), c.CacheStats().Hits)
}

func TestDiscoverServiceToolsCoalesced(t *testing.T) {
	bus := newBus()
	bus.delay = 50 * time.Millisecond
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.DiscoverServiceTools(context.Background(), "weather")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), bus.callCount(subject.ListToolsSubject("weather")),
		"concurrent lookups must share one request")
}

func TestZeroToolsServiceIsKnown(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	ep, err := c.DiscoverServiceTools(context.Background(), "geo")
	require.NoError(t, err)
	require.NotNil(t, ep.SupportedTools)
	assert.Empty(t, ep.SupportedTools)

	// The empty answer is cached like any other.
	_, err = c.DiscoverServiceTools(context.Background(), "geo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bus.callCount(subject.ListToolsSubject("geo")))
}

func TestDiscoverUnknownService(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	_, err := c.DiscoverServiceTools(context.Background(), "nosuch")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindServerNotFound))
}

func TestDiscoverAllServices(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	catalog, err := c.DiscoverAllServices(context.Background())
	require.NoError(t, err)

	assert.Len(t, catalog.Services, 2)
	assert.Empty(t, catalog.Failures)
	assert.Contains(t, catalog.Services, "weather")
	assert.Contains(t, catalog.Services, "geo")
}

func TestDiscoverAllServicesPartialFailure(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	bus.failEndpoint(subject.ListToolsSubject("geo"),
		errors.New(errors.KindConnection, "test", "SendEnvelope", "induced outage"))
	c := newClientOverBus(t, bus)

	catalog, err := c.DiscoverAllServices(context.Background())
	require.NoError(t, err)

	assert.Contains(t, catalog.Services, "weather")
	require.Contains(t, catalog.Failures, "geo")
	assert.True(t, errors.IsKind(catalog.Failures["geo"], errors.KindConnection))
}

func TestCheckServiceHealth(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	report, err := c.CheckServiceHealth(context.Background(), "weather")
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, "ok", report.Status)
	assert.False(t, report.Timestamp.IsZero())
}

func TestCheckServiceHealthCustomFunc(t *testing.T) {
	bus := newBus()
	r, err := NewResponder(ServerEndpoint{ServerID: "node-2"},
		WithHealthFunc(func(service string) HealthReport {
			return HealthReport{Healthy: false, Status: "degraded: " + service}
		}))
	require.NoError(t, err)
	require.NoError(t, r.RegisterTools("weather"))
	require.NoError(t, r.Bind(bus))
	c := newClientOverBus(t, bus)

	report, err := c.CheckServiceHealth(context.Background(), "weather")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, "degraded: weather", report.Status)
}

func TestRepeatedFailureInvalidatesEndpoint(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus, WithFailureThreshold(2))

	_, err := c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)

	c.ReportSendFailure("weather")
	c.ReportSendFailure("weather")

	// The entry is gone, so the next lookup goes back to the bus.
	_, err = c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bus.callCount(subject.ListToolsSubject("weather")))
}

func TestClearCache(t *testing.T) {
	bus := newBus()
	require.NoError(t, testResponder(t).Bind(bus))
	c := newClientOverBus(t, bus)

	_, err := c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)
	require.NoError(t, c.ClearCache())

	_, err = c.DiscoverServiceTools(context.Background(), "weather")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bus.callCount(subject.ListToolsSubject("weather")))
}

func TestResponderValidation(t *testing.T) {
	_, err := NewResponder(ServerEndpoint{})
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	r, err := NewResponder(ServerEndpoint{ServerID: "node-1"})
	require.NoError(t, err)
	assert.Error(t, r.RegisterTools(""))
	assert.Error(t, r.RegisterTools("svc", ToolRegistration{}))
	assert.Error(t, r.Bind(nil))
}

func TestClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))

	c := newClientOverBus(t, newBus())
	_, err = c.DiscoverServiceTools(context.Background(), "")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	_, err = c.CheckServiceHealth(context.Background(), "")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}
