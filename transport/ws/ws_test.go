package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/transport"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func newTestPair(t *testing.T, path string, handler transport.Handler) *Client {
	t.Helper()
	srv := NewServer(nil, nil)
	require.NoError(t, srv.ReceiveEnvelopeAt(path, handler))

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := Dial(context.Background(), wsURL(ts, path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnvelopeRoundTrip(t *testing.T) {
	client := newTestPair(t, "/ws/user",
		func(_ context.Context, mc *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			return payload, nil
		})

	req := envelope.NewRequest(json.RawMessage(`{"userId":"u-1"}`))
	req.Meta.EnsureCore().Tenant = "acme"

	reply, err := client.SendEnvelope(context.Background(), "", req)
	require.NoError(t, err)
	require.True(t, reply.IsSuccess())
	assert.JSONEq(t, `{"userId":"u-1"}`, string(reply.Payload))
	assert.Equal(t, req.Meta.RequestID(), reply.Meta.RequestID())
	assert.Equal(t, "acme", reply.Meta.Tenant())
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	client := newTestPair(t, "/ws/echo",
		func(_ context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			// Stagger replies so ordering cannot mask misrouting.
			var in struct {
				N int `json:"n"`
			}
			_ = json.Unmarshal(payload, &in)
			time.Sleep(time.Duration(10-in.N) * time.Millisecond)
			return payload, nil
		})

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := json.Marshal(map[string]int{"n": i})
			if !assert.NoError(t, err) {
				return
			}
			reply, err := client.Send(context.Background(), "", payload)
			if !assert.NoError(t, err) {
				return
			}
			assert.JSONEq(t, string(payload), string(reply))
		}()
	}
	wg.Wait()
}

func TestErrorEnvelopeReply(t *testing.T) {
	client := newTestPair(t, "/ws/fail",
		func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
			return nil, envelope.ErrorFromKind(errors.KindValidation, "bad input")
		})

	req := envelope.NewRequest(json.RawMessage(`{}`))
	reply, err := client.SendEnvelope(context.Background(), "", req)
	require.NoError(t, err)
	require.True(t, reply.HasError())
	assert.Equal(t, "VALIDATION_FAILED", reply.Error.Code)

	// Send unwraps the same failure into a Go error.
	_, err = client.Send(context.Background(), "", json.RawMessage(`{}`))
	assert.True(t, errors.IsKind(err, errors.KindRemote))
}

func TestRequestTimeout(t *testing.T) {
	client := newTestPair(t, "/ws/slow",
		func(ctx context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			time.Sleep(200 * time.Millisecond)
			return payload, nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.SendEnvelope(ctx, "", envelope.NewRequest(json.RawMessage(`{}`)))
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
}

func TestPingPong(t *testing.T) {
	client := newTestPair(t, "/ws/user",
		func(_ context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			return payload, nil
		})

	require.NoError(t, client.Ping())

	// The connection still serves requests after the ping exchange.
	_, err := client.Send(context.Background(), "", json.RawMessage(`{"ok":true}`))
	assert.NoError(t, err)
}

func TestUnknownPathRejected(t *testing.T) {
	srv := NewServer(nil, nil)
	require.NoError(t, srv.ReceiveEnvelopeAt("/ws/known", func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
		return nil, nil
	}))

	ts := httptest.NewServer(srv)
	defer ts.Close()

	_, err := Dial(context.Background(), wsURL(ts, "/ws/unknown"))
	assert.Error(t, err)
}

func TestFrameCodec(t *testing.T) {
	env := envelope.NewRequest(json.RawMessage(`{"a":1}`))
	data, err := EncodeFrame(env)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameEnvelope, f.Type)

	decoded, err := DecodeEnvelopeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, env.Meta.RequestID(), decoded.Meta.RequestID())

	_, err = DecodeFrame([]byte(`{}`))
	assert.Error(t, err)

	_, err = DecodeEnvelopeFrame([]byte(`{"type":"ping"}`))
	assert.Error(t, err)
}
