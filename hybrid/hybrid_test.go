package hybrid

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
	"github.com/jocax/qollective/natsclient"
	"github.com/jocax/qollective/pkg/retry"
	"github.com/jocax/qollective/transport"
	natstransport "github.com/jocax/qollective/transport/nats"
)

type fakeSender struct {
	protocol transport.Protocol
	calls    atomic.Int64
	reply    func(env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error)
}

func (s *fakeSender) Protocol() transport.Protocol { return s.protocol }

func (s *fakeSender) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	reply, err := s.SendEnvelope(ctx, endpoint, envelope.NewRequest(payload))
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (s *fakeSender) SendEnvelope(_ context.Context, _ string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	s.calls.Add(1)
	return s.reply(env)
}

func echoSender(protocol transport.Protocol) *fakeSender {
	return &fakeSender{protocol: protocol, reply: func(env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
		return envelope.NewResponse(env.Meta, env.Payload), nil
	}}
}

func failingSender(protocol transport.Protocol, kind errors.Kind) *fakeSender {
	return &fakeSender{protocol: protocol, reply: func(*envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
		return nil, errors.New(kind, "test", "SendEnvelope", "induced failure")
	}}
}

type fakeProber struct {
	mu     sync.Mutex
	probes atomic.Int64
	delay  time.Duration
	sets   map[transport.Protocol]Capabilities
}

func (p *fakeProber) Probe(_ context.Context, _ string, protocol transport.Protocol) (Capabilities, error) {
	p.probes.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	caps, ok := p.sets[protocol]
	if !ok {
		return Capabilities{}, errors.New(errors.KindFeatureNotEnabled, "test", "Probe", "not served")
	}
	return caps, nil
}

func allEnveloped(protocols ...transport.Protocol) map[transport.Protocol]Capabilities {
	sets := make(map[transport.Protocol]Capabilities, len(protocols))
	for _, p := range protocols {
		sets[p] = Capabilities{SupportsEnvelopes: true}
	}
	return sets
}

func quickPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func newTestDetector(t *testing.T, prober Prober, opts ...DetectorOption) *Detector {
	t.Helper()
	d, err := NewDetector(context.Background(), prober, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRank(t *testing.T) {
	tests := []struct {
		name string
		set  CapabilitySet
		req  Requirements
		want []transport.Protocol
	}{
		{
			name: "default preference order",
			set:  CapabilitySet(allEnveloped(transport.ProtocolREST, transport.ProtocolNATS, transport.ProtocolGRPC)),
			want: []transport.Protocol{transport.ProtocolNATS, transport.ProtocolGRPC, transport.ProtocolREST},
		},
		{
			name: "envelope support beats preference",
			set: CapabilitySet{
				transport.ProtocolNATS: {SupportsEnvelopes: false},
				transport.ProtocolREST: {SupportsEnvelopes: true},
			},
			want: []transport.Protocol{transport.ProtocolREST, transport.ProtocolNATS},
		},
		{
			name: "hard envelope requirement excludes",
			set: CapabilitySet{
				transport.ProtocolNATS: {SupportsEnvelopes: false},
				transport.ProtocolREST: {SupportsEnvelopes: true},
			},
			req:  Requirements{RequiresEnvelopes: true},
			want: []transport.Protocol{transport.ProtocolREST},
		},
		{
			name: "streaming requirement excludes",
			set: CapabilitySet{
				transport.ProtocolNATS: {SupportsEnvelopes: true},
				transport.ProtocolWS:   {SupportsEnvelopes: true, SupportsStreaming: true},
			},
			req:  Requirements{RequiresStreaming: true},
			want: []transport.Protocol{transport.ProtocolWS},
		},
		{
			name: "caller preference overrides default",
			set:  CapabilitySet(allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)),
			req:  Requirements{PreferredProtocols: []transport.Protocol{transport.ProtocolREST, transport.ProtocolNATS}},
			want: []transport.Protocol{transport.ProtocolREST, transport.ProtocolNATS},
		},
		{
			name: "protocol outside the preference list ranks last",
			set:  CapabilitySet(allEnveloped(transport.ProtocolNATS, transport.ProtocolGRPC, transport.ProtocolWS)),
			req:  Requirements{PreferredProtocols: []transport.Protocol{transport.ProtocolNATS}},
			want: []transport.Protocol{transport.ProtocolNATS, transport.ProtocolGRPC, transport.ProtocolWS},
		},
		{
			name: "empty set",
			set:  CapabilitySet{},
			want: []transport.Protocol{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, Rank(test.set, test.req))
		})
	}
}

func TestDetectCachesResult(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS)}
	d := newTestDetector(t, prober, WithProtocols(transport.ProtocolNATS))

	first, err := d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), prober.probes.Load(), "second detect must come from cache")
}

func TestDetectCoalescesConcurrentCallers(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS), delay: 50 * time.Millisecond}
	d := newTestDetector(t, prober, WithProtocols(transport.ProtocolNATS))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := d.Detect(context.Background(), "svc-a")
			if assert.NoError(t, err) {
				assert.Contains(t, set, transport.ProtocolNATS)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), prober.probes.Load(), "concurrent detects must share one probe round")
}

func TestDetectFailsWhenNothingAnswers(t *testing.T) {
	prober := &fakeProber{sets: nil}
	d := newTestDetector(t, prober, WithProtocols(transport.ProtocolNATS, transport.ProtocolREST))

	_, err := d.Detect(context.Background(), "svc-down")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDiscovery))
}

func TestDetectDoesNotRetryUnservedProtocols(t *testing.T) {
	prober := &fakeProber{sets: nil}
	d := newTestDetector(t, prober,
		WithProtocols(transport.ProtocolNATS),
		WithMaxDetectionRetries(3))

	_, err := d.Detect(context.Background(), "svc-down")
	require.Error(t, err)
	assert.Equal(t, int64(1), prober.probes.Load(), "feature-not-enabled probes are permanent")
}

func TestDemoteRemovesProtocol(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober, WithProtocols(transport.ProtocolNATS, transport.ProtocolREST))

	set, err := d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)
	require.Len(t, set, 2)

	d.Demote("svc-a", transport.ProtocolNATS)

	set, err = d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.NotContains(t, set, transport.ProtocolNATS)
	assert.Contains(t, set, transport.ProtocolREST)
	assert.Equal(t, int64(2), prober.probes.Load(), "demote must not trigger a new probe round")
}

func TestDemoteLastProtocolInvalidates(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS)}
	d := newTestDetector(t, prober, WithProtocols(transport.ProtocolNATS))

	_, err := d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)

	d.Demote("svc-a", transport.ProtocolNATS)

	_, err = d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), prober.probes.Load(), "empty set must force re-detection")
}

func TestSendWithFallbackPicksBestProtocol(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)

	nats := echoSender(transport.ProtocolNATS)
	restSender := echoSender(transport.ProtocolREST)
	require.NoError(t, hy.RegisterSender(nats))
	require.NoError(t, hy.RegisterSender(restSender))

	env := envelope.NewRequest(json.RawMessage(`{"q":1}`))
	reply, report, err := hy.SendWithFallback(context.Background(), "svc-a", env, Requirements{})
	require.NoError(t, err)

	require.True(t, reply.IsSuccess())
	assert.JSONEq(t, `{"q":1}`, string(reply.Payload))
	assert.Equal(t, env.Meta.RequestID(), reply.Meta.RequestID())

	assert.Equal(t, StateSucceeded, report.FinalState)
	assert.Equal(t, transport.ProtocolNATS, report.Winner)
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, int64(1), nats.calls.Load())
	assert.Equal(t, int64(0), restSender.calls.Load())
}

func TestSendWithFallbackFallsBackOnConnectionFailure(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)

	broken := failingSender(transport.ProtocolNATS, errors.KindConnection)
	working := echoSender(transport.ProtocolREST)
	require.NoError(t, hy.RegisterSender(broken))
	require.NoError(t, hy.RegisterSender(working))

	reply, report, err := hy.SendWithFallback(context.Background(), "svc-a",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{})
	require.NoError(t, err)
	require.True(t, reply.IsSuccess())

	assert.Equal(t, transport.ProtocolREST, report.Winner)
	require.Len(t, report.Attempts, 2)
	assert.Equal(t, StateFailed, report.Attempts[0].State)
	assert.Equal(t, StateSucceeded, report.Attempts[1].State)

	// The failed protocol is demoted out of the cached set.
	set, err := d.Detect(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.NotContains(t, set, transport.ProtocolNATS)
}

func TestSendWithFallbackDoesNotFallBackOnHandlerError(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)

	// The handler answered with an error envelope; that is a delivered
	// reply, not a transport failure.
	replying := &fakeSender{protocol: transport.ProtocolNATS, reply: func(env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
		return envelope.NewErrorResponse[json.RawMessage](env.Meta,
			envelope.ErrorFromKind(errors.KindToolNotFound, "no such tool")), nil
	}}
	fallback := echoSender(transport.ProtocolREST)
	require.NoError(t, hy.RegisterSender(replying))
	require.NoError(t, hy.RegisterSender(fallback))

	reply, report, err := hy.SendWithFallback(context.Background(), "svc-a",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{})
	require.NoError(t, err)
	require.True(t, reply.HasError())
	assert.Equal(t, errors.KindToolNotFound.Code(), reply.Error.Code)
	assert.Equal(t, int64(0), fallback.calls.Load(), "error envelopes must not trigger fallback")
	assert.Equal(t, StateSucceeded, report.FinalState)
}

func TestSendWithFallbackStopsOnNonTransportError(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)

	rejecting := failingSender(transport.ProtocolNATS, errors.KindValidation)
	fallback := echoSender(transport.ProtocolREST)
	require.NoError(t, hy.RegisterSender(rejecting))
	require.NoError(t, hy.RegisterSender(fallback))

	_, report, err := hy.SendWithFallback(context.Background(), "svc-a",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	assert.Equal(t, int64(0), fallback.calls.Load())
	assert.Equal(t, StateFailed, report.FinalState)
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, 1, report.Attempts[0].Retries, "non-transport errors must not be retried")
}

func TestSendWithFallbackAllProtocolsFail(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)

	require.NoError(t, hy.RegisterSender(failingSender(transport.ProtocolNATS, errors.KindConnection)))
	require.NoError(t, hy.RegisterSender(failingSender(transport.ProtocolREST, errors.KindTimeout)))

	_, report, err := hy.SendWithFallback(context.Background(), "svc-a",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransport))
	assert.Equal(t, StateFailed, report.FinalState)
	assert.Len(t, report.Attempts, 2)
}

func TestSendWithFallbackNoEligibleProtocol(t *testing.T) {
	prober := &fakeProber{sets: map[transport.Protocol]Capabilities{
		transport.ProtocolREST: {SupportsEnvelopes: false},
	}}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)
	require.NoError(t, hy.RegisterSender(echoSender(transport.ProtocolREST)))

	_, _, err = hy.SendWithFallback(context.Background(), "svc-a",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{RequiresEnvelopes: true})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDiscovery))
}

func TestSendWithFallbackSkipsUnregisteredSenders(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)

	// Only REST registered even though NATS ranks higher.
	restSender := echoSender(transport.ProtocolREST)
	require.NoError(t, hy.RegisterSender(restSender))

	_, report, err := hy.SendWithFallback(context.Background(), "svc-a",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{})
	require.NoError(t, err)
	assert.Equal(t, transport.ProtocolREST, report.Winner)
	assert.Equal(t, int64(1), restSender.calls.Load())
}

func TestNewRequiresDetector(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestRegisterSenderRejectsNil(t *testing.T) {
	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS)}
	d := newTestDetector(t, prober)

	hy, err := New(d)
	require.NoError(t, err)
	assert.Error(t, hy.RegisterSender(nil))
}

func TestSendWithFallbackWhenBrokerIsDown(t *testing.T) {
	// A real NATS adapter over a client that never connected: the send
	// must classify as a connection failure and fall through to REST.
	client, err := natsclient.NewClient("nats://localhost:4222")
	require.NoError(t, err)
	natsSender, err := natstransport.New(client)
	require.NoError(t, err)

	prober := &fakeProber{sets: allEnveloped(transport.ProtocolNATS, transport.ProtocolREST)}
	d := newTestDetector(t, prober)

	hy, err := New(d, WithRetryPolicy(quickPolicy()))
	require.NoError(t, err)
	restSender := echoSender(transport.ProtocolREST)
	require.NoError(t, hy.RegisterSender(natsSender))
	require.NoError(t, hy.RegisterSender(restSender))

	reply, report, err := hy.SendWithFallback(context.Background(),
		"qollective.user.get_profile.v1",
		envelope.NewRequest(json.RawMessage(`{}`)), Requirements{})
	require.NoError(t, err)
	require.True(t, reply.IsSuccess())

	assert.Equal(t, transport.ProtocolREST, report.Winner)
	assert.Equal(t, int64(1), restSender.calls.Load())
	require.Len(t, report.Attempts, 2)
	assert.Equal(t, transport.ProtocolNATS, report.Attempts[0].Protocol)
	assert.Equal(t, StateFailed, report.Attempts[0].State)
	assert.Equal(t, StateSucceeded, report.Attempts[1].State)
}
