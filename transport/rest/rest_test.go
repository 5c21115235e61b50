package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/transport"
)

func echoHandler(_ context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
	return payload, nil
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestEnvelopeRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile", echoHandler))

	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	req := envelope.NewRequest(json.RawMessage(`{"userId":"u-1"}`))
	req.Meta.EnsureCore().Tenant = "acme"

	reply, err := client.SendEnvelope(context.Background(), "qollective.user.get_profile.v1", req)
	require.NoError(t, err)
	require.True(t, reply.IsSuccess())
	assert.JSONEq(t, `{"userId":"u-1"}`, string(reply.Payload))
	assert.Equal(t, req.Meta.RequestID(), reply.Meta.RequestID())
	assert.Equal(t, "acme", reply.Meta.Tenant())
}

func TestSendUnwrapsRemoteError(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile",
		func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
			return nil, envelope.ErrorFromKind(errors.KindToolNotFound, "no such tool")
		}))

	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "qollective.user.get_profile.v1", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRemote))
}

func TestErrorEnvelopeStatusMapping(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile",
		func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
			return nil, envelope.ErrorFromKind(errors.KindValidation, "bad input")
		}))

	resp, err := http.Post(ts.URL+"/v1/user/get_profile", EnvelopeContentType,
		strings.NewReader(`{"meta":{"core":{"requestId":"r-1"}},"payload":{}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, EnvelopeContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "r-1", resp.Header.Get(HeaderRequestID))
}

func TestPlainJSONBodySynthesizesEnvelope(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})

	var sawRequestID string
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile",
		func(_ context.Context, mc *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			sawRequestID = mc.RequestID
			return payload, nil
		}))

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/user/get_profile",
		strings.NewReader(`{"userId":"u-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, "ext-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ext-42", sawRequestID)
}

func TestBodylessGetCarriesHeaderEnvelope(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	require.NoError(t, s.Register(http.MethodGet, "/v1/user/get_profile", echoHandler))

	client, err := NewClient(ts.URL)
	require.NoError(t, err)

	env := envelope.NewRequest(json.RawMessage(`{"userId":"u-7"}`))
	reply, err := client.Do(context.Background(), http.MethodGet, "/v1/user/get_profile", env)
	require.NoError(t, err)
	require.True(t, reply.IsSuccess())
	assert.JSONEq(t, `{"userId":"u-7"}`, string(reply.Payload))
}

func TestMalformedHeaderEnvelope(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	require.NoError(t, s.Register(http.MethodGet, "/v1/user/get_profile", echoHandler))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/user/get_profile", nil)
	req.Header.Set(HeaderEnvelope, "%%%not-base64%%%")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHeaderEnvelopeValidBase64(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	require.NoError(t, s.Register(http.MethodDelete, "/v1/user/delete_profile", echoHandler))

	data, err := envelope.Encode(envelope.NewRequest(json.RawMessage(`{"userId":"u-1"}`)))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/user/delete_profile", nil)
	req.Header.Set(HeaderEnvelope, base64.URLEncoding.EncodeToString(data))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionLimit(t *testing.T) {
	s, err := NewServer(ServerConfig{Port: 8080, MaxConnections: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile", echoHandler))

	// Occupy the only slot, then observe refusal.
	s.slots <- struct{}{}

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"meta":{"core":{"requestId":"r-1"}},"payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/user/get_profile", body)
	req.Header.Set("Content-Type", EnvelopeContentType)
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var env envelope.AnyEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.HasError())
	assert.Equal(t, "CONNECTION_FAILED", env.Error.Code)
}

func TestBodySizeLimit(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile", echoHandler))

	big := strings.Repeat("x", 1024)
	resp, err := http.Post(ts.URL+"/v1/user/get_profile", "application/json",
		strings.NewReader(`{"data":"`+big+`"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{AllowedOrigins: []string{"https://app.example.com"}})
	require.NoError(t, s.ReceiveEnvelopeAt("/v1/user/get_profile", echoHandler))

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/user/get_profile", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req2, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/user/get_profile", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestResolvePath(t *testing.T) {
	path, op, err := resolvePath("qollective.user.get_profile.v1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/user/get_profile", path)
	assert.Equal(t, "get_profile", op)

	path, op, err = resolvePath("/v2/billing/charge")
	require.NoError(t, err)
	assert.Equal(t, "/v2/billing/charge", path)
	assert.Equal(t, "charge", op)

	_, _, err = resolvePath("qollective.tenant.user.get_profile.v1")
	assert.Error(t, err)
}
