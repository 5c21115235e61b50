package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/errors"
)

type echoPayload struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	rate := 0.25
	sampled := true
	lat := 12.5

	env := &Envelope[echoPayload]{
		Meta: &Meta{
			Core: &CoreMeta{
				Timestamp: &ts,
				RequestID: "4f9c1a2e-8b3d-4e5f-9a7b-2c1d3e4f5a6b",
				Version:   FrameworkVersion,
				Tenant:    "t-1",
			},
			Security: &SecurityMeta{
				UserID:     "user-42",
				AuthMethod: AuthJWT,
				Roles:      []string{"reader", "writer"},
				TenantID:   "t-1",
			},
			Tracing: &TracingMeta{
				TraceID:       "00000000-0000-0000-0000-0000000000aa",
				SpanID:        "span-1",
				OperationName: "echo.run",
				SamplingRate:  &rate,
				Sampled:       &sampled,
				SpanKind:      SpanKindClient,
				SpanStatus:    &SpanStatus{Code: "ok"},
				Tags: map[string]TagValue{
					"attempt": Int(2),
					"region":  String("eu-1"),
					"ratio":   Float(0.5),
					"cached":  Bool(false),
				},
			},
			Performance: &PerformanceMeta{
				NetworkLatencyMS: &lat,
				CacheOperations:  &CacheOperations{Hits: 3, Misses: 1, Sets: 2},
				ExternalCalls: []ExternalCall{
					{Service: "catalog", DurationMS: 4.2, Status: CallSuccess, Endpoint: "/v1/catalog/list"},
					{Service: "billing", DurationMS: 80, Status: CallTimeout},
				},
			},
			Monitoring: &MonitoringMeta{ServerID: "srv-1", Environment: "test", Region: "local"},
			Debug:      &DebugMeta{TraceEnabled: true, LogLevel: LogDebug},
			Extensions: map[string]json.RawMessage{
				"crew": json.RawMessage(`{"missionId":"m-7"}`),
			},
		},
		Payload: echoPayload{Message: "hello", Status: "ok"},
	}

	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode[echoPayload](data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestWireFormCamelCaseAndNullOmission(t *testing.T) {
	env := NewRequest(echoPayload{Message: "hi", Status: "ok"})
	env.Meta.Core.Tenant = "t-9"

	data, err := Encode(env)
	require.NoError(t, err)
	wire := string(data)

	assert.Contains(t, wire, `"requestId"`)
	assert.Contains(t, wire, `"tenant":"t-9"`)
	// Absent sub-records are omitted entirely, not serialized as null.
	assert.NotContains(t, wire, `"security"`)
	assert.NotContains(t, wire, `"tracing"`)
	assert.NotContains(t, wire, "null")
	// Timestamps carry millisecond precision in UTC.
	assert.Contains(t, wire, `"timestamp":"`)
	assert.True(t, strings.HasSuffix(env.Meta.Core.Timestamp.Format(time.RFC3339Nano), "Z"))
}

func TestSuccessErrorExclusivity(t *testing.T) {
	// Build refuses an attached error.
	_, err := NewBuilder[echoPayload]().
		WithPayload(echoPayload{Message: "x"}).
		WithError(NewError("VALIDATION_FAILED", "bad")).
		Build()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	// BuildError refuses a missing error.
	_, err = NewBuilder[echoPayload]().BuildError()
	require.Error(t, err)

	ok, err := NewBuilder[echoPayload]().WithPayload(echoPayload{Message: "x"}).Build()
	require.NoError(t, err)
	assert.True(t, ok.IsSuccess())
	assert.False(t, ok.HasError())

	bad, err := NewBuilder[echoPayload]().WithError(NewError("TIMEOUT", "late")).BuildError()
	require.NoError(t, err)
	assert.False(t, bad.IsSuccess())
	assert.True(t, bad.HasError())
	// IsSuccess and HasError are exact negations on both shapes.
	assert.NotEqual(t, ok.IsSuccess(), ok.HasError())
	assert.NotEqual(t, bad.IsSuccess(), bad.HasError())
}

func TestGetPayloadOnErrorEnvelope(t *testing.T) {
	env, err := NewBuilder[echoPayload]().
		WithError(ErrorFromKind(errors.KindTimeout, "deadline elapsed")).
		BuildError()
	require.NoError(t, err)

	_, perr := env.GetPayload()
	require.Error(t, perr)
	assert.Equal(t, errors.KindRemote, errors.KindOf(perr))
}

func TestResponseMetaPreservation(t *testing.T) {
	req := NewMetaForRequest()
	req.Core.Tenant = "t-1"
	req.Tracing = &TracingMeta{TraceID: "00000000-0000-0000-0000-0000000000aa", SpanID: "span-req"}

	resp := req.ResponseMeta()

	assert.Equal(t, req.Core.RequestID, resp.RequestID())
	assert.Equal(t, "t-1", resp.Tenant())
	assert.Equal(t, "00000000-0000-0000-0000-0000000000aa", resp.TraceID())
	// Span id is refreshed; the request span becomes the parent.
	assert.NotEqual(t, req.Tracing.SpanID, resp.Tracing.SpanID)
	assert.Equal(t, "span-req", resp.Tracing.ParentSpanID)
	// Request meta itself is untouched.
	assert.Equal(t, "span-req", req.Tracing.SpanID)
}

func TestToAnyFromAny(t *testing.T) {
	env := NewRequest(echoPayload{Message: "hello", Status: "ok"})
	env.Meta.Core.Tenant = "t-1"

	anyEnv, err := ToAny(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hello","status":"ok"}`, string(anyEnv.Payload))

	back, err := FromAny[echoPayload](anyEnv)
	require.NoError(t, err)
	assert.Equal(t, env.Payload, back.Payload)
	assert.Equal(t, "t-1", back.Meta.Tenant())

	// Error envelopes pass through without payload decoding.
	anyErr := &AnyEnvelope{Error: NewError("TIMEOUT", "late")}
	backErr, err := FromAny[echoPayload](anyErr)
	require.NoError(t, err)
	assert.True(t, backErr.HasError())
}

func TestTagValueUnion(t *testing.T) {
	tests := []struct {
		name string
		in   TagValue
		wire string
	}{
		{"string", String("abc"), `"abc"`},
		{"int", Int(7), `7`},
		{"float", Float(1.5), `1.5`},
		{"bool", Bool(true), `true`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := json.Marshal(test.in)
			require.NoError(t, err)
			assert.Equal(t, test.wire, string(data))

			var out TagValue
			require.NoError(t, json.Unmarshal(data, &out))
			assert.Equal(t, test.in, out)
		})
	}

	var bad TagValue
	assert.Error(t, json.Unmarshal([]byte(`{"nested":1}`), &bad))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode[echoPayload]([]byte(`{"meta":`))
	require.Error(t, err)
	assert.Equal(t, errors.KindDeserialization, errors.KindOf(err))
}
