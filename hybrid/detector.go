package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/pkg/cache"
	"github.com/jocax/qollective/pkg/retry"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// CapabilitiesSubject is the well-known probe address.
var CapabilitiesSubject = subject.MustNew(subject.DiscoveryService, "capabilities", "v1").String()

// Prober probes one protocol of an endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string, protocol transport.Protocol) (Capabilities, error)
}

// SenderProber probes by asking the endpoint's discovery operation
// through each registered sender.
type SenderProber struct {
	Senders map[transport.Protocol]transport.Sender
}

// Probe implements Prober.
func (p *SenderProber) Probe(ctx context.Context, _ string, protocol transport.Protocol) (Capabilities, error) {
	sender, ok := p.Senders[protocol]
	if !ok {
		return Capabilities{}, errors.New(errors.KindFeatureNotEnabled, "hybrid", "Probe",
			fmt.Sprintf("no sender registered for %s", protocol))
	}

	reply, err := sender.SendEnvelope(ctx, CapabilitiesSubject, envelope.NewRequest(json.RawMessage(`{}`)))
	if err != nil {
		return Capabilities{}, err
	}
	if reply.Error != nil {
		return Capabilities{}, reply.Error.AsFrameworkError("hybrid", "Probe")
	}

	var caps Capabilities
	if err := json.Unmarshal(reply.Payload, &caps); err != nil {
		return Capabilities{}, errors.Wrap(err, errors.KindDeserialization, "hybrid", "Probe",
			"capabilities payload")
	}
	return caps, nil
}

// Detector caches per-endpoint capability sets. Concurrent detections
// for one endpoint coalesce into a single probe round.
type Detector struct {
	prober       Prober
	cache        *cache.TTL[CapabilitySet]
	group        singleflight.Group
	protocols    []transport.Protocol
	probeTimeout time.Duration
	maxRetries   int
	logger       *slog.Logger
	metrics      *metric.Metrics
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithProtocols sets the candidate protocols probed per endpoint.
func WithProtocols(protocols ...transport.Protocol) DetectorOption {
	return func(d *Detector) {
		if len(protocols) > 0 {
			d.protocols = protocols
		}
	}
}

// WithProbeTimeout sets the per-protocol probe timeout.
func WithProbeTimeout(timeout time.Duration) DetectorOption {
	return func(d *Detector) {
		if timeout > 0 {
			d.probeTimeout = timeout
		}
	}
}

// WithMaxDetectionRetries sets how often a failed probe is retried.
func WithMaxDetectionRetries(retries int) DetectorOption {
	return func(d *Detector) {
		if retries >= 0 {
			d.maxRetries = retries
		}
	}
}

// WithDetectorLogger sets the structured logger.
func WithDetectorLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDetectorMetrics wires the probe counters into a registry.
func WithDetectorMetrics(registry *metric.Registry) DetectorOption {
	return func(d *Detector) {
		if registry != nil {
			d.metrics = registry.CoreMetrics()
		}
	}
}

// NewDetector creates a detector with a five minute capability cache.
func NewDetector(ctx context.Context, prober Prober, opts ...DetectorOption) (*Detector, error) {
	if prober == nil {
		return nil, errors.New(errors.KindConfig, "hybrid", "NewDetector", "nil prober")
	}

	capCache, err := cache.NewTTL[CapabilitySet](ctx, 5*time.Minute, time.Minute)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		prober:       prober,
		cache:        capCache,
		protocols:    DefaultPreference,
		probeTimeout: 5 * time.Second,
		maxRetries:   1,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Detect returns the capability set for an endpoint, probing on a cache
// miss. At least one protocol must answer or detection fails.
func (d *Detector) Detect(ctx context.Context, endpoint string) (CapabilitySet, error) {
	if set, ok := d.cache.Get(endpoint); ok {
		return set, nil
	}

	result, err, _ := d.group.Do(endpoint, func() (any, error) {
		// Another caller may have filled the cache while we queued.
		if set, ok := d.cache.Get(endpoint); ok {
			return set, nil
		}

		set := d.probeAll(ctx, endpoint)
		if len(set) == 0 {
			return nil, errors.New(errors.KindDiscovery, "hybrid", "Detect",
				fmt.Sprintf("no protocol of %s answered a capability probe", endpoint))
		}
		if _, err := d.cache.Set(endpoint, set); err != nil {
			return nil, err
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(CapabilitySet), nil
}

func (d *Detector) probeAll(ctx context.Context, endpoint string) CapabilitySet {
	set := make(CapabilitySet, len(d.protocols))

	for _, protocol := range d.protocols {
		policy := retry.Policy{
			MaxAttempts:  d.maxRetries + 1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
		}

		var caps Capabilities
		_, err := retry.Do(ctx, policy, func() error {
			probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
			defer cancel()

			probed, err := d.prober.Probe(probeCtx, endpoint, protocol)
			if err != nil {
				if errors.IsKind(err, errors.KindFeatureNotEnabled) {
					return retry.Permanent(err)
				}
				return err
			}
			caps = probed
			return nil
		})

		if err != nil {
			d.countProbe(protocol, "failed")
			d.logger.Debug("capability probe failed",
				"endpoint", endpoint, "protocol", protocol, "error", err)
			continue
		}
		d.countProbe(protocol, "ok")
		set[protocol] = caps
	}

	if d.metrics != nil {
		for protocol := range set {
			d.metrics.EndpointsDetected.WithLabelValues(string(protocol)).Inc()
		}
	}
	return set
}

func (d *Detector) countProbe(protocol transport.Protocol, result string) {
	if d.metrics != nil {
		d.metrics.CapabilityProbes.WithLabelValues(string(protocol), result).Inc()
	}
}

// Invalidate drops the cached capability set for an endpoint.
func (d *Detector) Invalidate(endpoint string) {
	_, _ = d.cache.Delete(endpoint)
}

// Demote removes one protocol from an endpoint's cached set after it
// failed in practice, so the next call skips it until re-detection.
func (d *Detector) Demote(endpoint string, protocol transport.Protocol) {
	set, ok := d.cache.Get(endpoint)
	if !ok {
		return
	}
	next := make(CapabilitySet, len(set))
	for p, caps := range set {
		if p != protocol {
			next[p] = caps
		}
	}
	if len(next) == 0 {
		_, _ = d.cache.Delete(endpoint)
		return
	}
	_, _ = d.cache.Set(endpoint, next)
}

// CacheStats exposes the capability cache counters.
func (d *Detector) CacheStats() cache.Snapshot {
	return d.cache.Stats().Snapshot()
}

// Close releases the cache resources.
func (d *Detector) Close() error {
	return d.cache.Close()
}
