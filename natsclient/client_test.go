package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/security"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Equal(t, 30*time.Second, c.RequestTimeout())
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, test.status.String())
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())

	// Backoff doubled when the circuit opened.
	assert.Equal(t, 2*time.Second, c.Backoff())
}

func TestCircuitBackoffCapped(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1), WithMaxBackoff(4*time.Second))
	require.NoError(t, err)

	for range 5 {
		c.recordFailure()
	}
	assert.LessOrEqual(t, c.Backoff(), 4*time.Second)
}

func TestResetCircuit(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestConnectRefusedWhenCircuitOpen(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsKind(err, errors.KindConnection))
}

func TestRequestWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	// Connection-level failures must carry the connection kind so
	// callers can tell a dead wire from a delivered answer.
	_, err = c.Request(context.Background(), "qollective.user.get_profile.v1", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsKind(err, errors.KindConnection))

	err = c.Publish(context.Background(), "qollective.user.updated.v1", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsKind(err, errors.KindConnection))
}

func TestRequestRefusedWhenCircuitOpen(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	c.recordFailure()
	require.Equal(t, StatusCircuitOpen, c.Status())

	_, err = c.Request(context.Background(), "qollective.user.get_profile.v1", []byte("{}"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsKind(err, errors.KindConnection))

	err = c.PublishToStream(context.Background(), "qollective.user.updated.v1", []byte("{}"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsKind(err, errors.KindConnection))
}

func TestWaitForConnectionTimeout(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.WaitForConnection(ctx)
	assert.Error(t, err)
}

func TestWithTLSValidatesConfig(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTLS(security.TLSConfig{
		Enabled:    true,
		VerifyMode: security.VerifyCustomCA, // no CA file
	}))
	assert.Error(t, err)

	_, err = NewClient("tls://localhost:4222", WithTLS(security.TLSConfig{
		Enabled: true,
	}))
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}
