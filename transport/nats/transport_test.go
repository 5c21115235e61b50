package nats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/natsclient"
	"github.com/jocax/qollective/transport"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	tr, err := New(client)
	require.NoError(t, err)
	return tr
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestProtocol(t *testing.T) {
	tr := newTestTransport(t)
	assert.Equal(t, transport.ProtocolNATS, tr.Protocol())
}

func TestSendEnvelopeRejectsBadSubject(t *testing.T) {
	tr := newTestTransport(t)

	env := envelope.NewRequest(json.RawMessage(`{}`))
	_, err := tr.SendEnvelope(context.Background(), "qollective.tenant-a.user.get_profile.v1", env)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = tr.SendEnvelope(context.Background(), "not-a-subject", env)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestReceiveEnvelopeAtRejectsBadSubject(t *testing.T) {
	tr := newTestTransport(t)
	err := tr.ReceiveEnvelopeAt("user.get_profile", func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
		return nil, nil
	})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestHandleMessagePreservesMeta(t *testing.T) {
	tr := newTestTransport(t)

	req := envelope.NewRequest(json.RawMessage(`{"userId":"u-1"}`))
	req.Meta.EnsureCore().Tenant = "acme"
	data, err := envelope.Encode(req)
	require.NoError(t, err)

	var gotTenant string
	resp := tr.handleMessage(context.Background(), "qollective.user.get_profile.v1", data,
		func(_ context.Context, mc *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			gotTenant = mc.Tenant
			return json.RawMessage(`{"ok":true}`), nil
		})

	assert.Equal(t, "acme", gotTenant)
	require.True(t, resp.IsSuccess())
	assert.Equal(t, req.Meta.RequestID(), resp.Meta.RequestID())
	assert.Equal(t, "acme", resp.Meta.Tenant())
	assert.NotNil(t, resp.Meta.Core.DurationMS)
}

func TestHandleMessageMalformedRequest(t *testing.T) {
	tr := newTestTransport(t)

	resp := tr.handleMessage(context.Background(), "qollective.user.get_profile.v1", []byte("not json"),
		func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
			t.Fatal("handler must not run for malformed envelopes")
			return nil, nil
		})

	require.True(t, resp.HasError())
	assert.Equal(t, errors.KindDeserialization.Code(), resp.Error.Code)
}

func TestHandleMessageHandlerError(t *testing.T) {
	tr := newTestTransport(t)

	req := envelope.NewRequest(json.RawMessage(`{}`))
	data, err := envelope.Encode(req)
	require.NoError(t, err)

	resp := tr.handleMessage(context.Background(), "qollective.user.get_profile.v1", data,
		func(context.Context, *transport.MessageContext, json.RawMessage) (json.RawMessage, *envelope.Error) {
			return nil, envelope.ErrorFromKind(errors.KindToolNotFound, "no such tool")
		})

	require.True(t, resp.HasError())
	assert.Equal(t, "TOOL_NOT_FOUND", resp.Error.Code)
	assert.Equal(t, req.Meta.RequestID(), resp.Meta.RequestID())
}
