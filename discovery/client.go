package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/metric"
	"github.com/jocax/qollective/pkg/cache"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
)

// Client resolves service catalogs over the discovery subjects. Catalog
// entries are cached with a stale window: an expired entry is served
// immediately while a background refresh replaces it.
type Client struct {
	sender transport.Sender
	cache  *cache.TTL[*ServerEndpoint]
	group  singleflight.Group

	healthTimeout    time.Duration
	refreshTimeout   time.Duration
	failureThreshold int
	fanOutLimit      int

	mu       sync.Mutex
	failures map[string]int

	logger  *slog.Logger
	metrics *metric.Metrics
}

// ClientOption configures a discovery client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	cacheTTL         time.Duration
	maxStaleAge      time.Duration
	healthTimeout    time.Duration
	refreshTimeout   time.Duration
	failureThreshold int
	fanOutLimit      int
	logger           *slog.Logger
	metrics          *metric.Metrics
}

// WithCacheTTL sets how long a catalog entry stays fresh.
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *clientConfig) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithMaxStaleAge bounds how far past expiry an entry may still be
// served while a refresh runs.
func WithMaxStaleAge(age time.Duration) ClientOption {
	return func(c *clientConfig) {
		if age > 0 {
			c.maxStaleAge = age
		}
	}
}

// WithHealthTimeout sets the per-call budget for health checks.
func WithHealthTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.healthTimeout = timeout
		}
	}
}

// WithFailureThreshold sets how many consecutive send failures drop a
// cached endpoint.
func WithFailureThreshold(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// WithFanOutLimit caps concurrent per-service lookups in
// DiscoverAllServices.
func WithFanOutLimit(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.fanOutLimit = n
		}
	}
}

// WithClientLogger sets the structured logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics wires the discovery counters into a registry.
func WithClientMetrics(registry *metric.Registry) ClientOption {
	return func(c *clientConfig) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
	}
}

// NewClient creates a discovery client over any sender. The default
// cache keeps entries fresh for five minutes and serves them stale for
// up to five more while refreshing.
func NewClient(ctx context.Context, sender transport.Sender, opts ...ClientOption) (*Client, error) {
	if sender == nil {
		return nil, errors.New(errors.KindConfig, "discovery", "NewClient", "nil sender")
	}

	cfg := clientConfig{
		cacheTTL:         300 * time.Second,
		maxStaleAge:      300 * time.Second,
		healthTimeout:    2 * time.Second,
		refreshTimeout:   10 * time.Second,
		failureThreshold: 3,
		fanOutLimit:      4,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	catalogCache, err := cache.NewTTL[*ServerEndpoint](ctx, cfg.cacheTTL, time.Minute,
		cache.WithMaxStaleAge[*ServerEndpoint](int64(cfg.maxStaleAge/time.Second)))
	if err != nil {
		return nil, err
	}

	return &Client{
		sender:           sender,
		cache:            catalogCache,
		healthTimeout:    cfg.healthTimeout,
		refreshTimeout:   cfg.refreshTimeout,
		failureThreshold: cfg.failureThreshold,
		fanOutLimit:      cfg.fanOutLimit,
		failures:         make(map[string]int),
		logger:           cfg.logger,
		metrics:          cfg.metrics,
	}, nil
}

// DiscoverServiceTools returns the catalog entry for one service. An
// expired cache entry inside the stale window is returned immediately
// and refreshed in the background; a cold miss blocks, coalescing
// concurrent callers into one request.
func (c *Client) DiscoverServiceTools(ctx context.Context, service string) (*ServerEndpoint, error) {
	if service == "" {
		return nil, errors.New(errors.KindValidation, "discovery", "DiscoverServiceTools",
			"empty service name")
	}

	if ep, stale, ok := c.cache.GetStale(service); ok {
		if stale {
			c.count("list_tools", "stale_hit")
			go c.refreshInBackground(service)
		} else {
			c.count("list_tools", "cache_hit")
		}
		return ep, nil
	}

	result, err, _ := c.group.Do(service, func() (any, error) {
		if ep, ok := c.cache.Get(service); ok {
			return ep, nil
		}
		return c.fetch(ctx, service)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ServerEndpoint), nil
}

// refreshInBackground replaces a stale entry without blocking the
// caller that observed it. Coalesced with foreground fetches.
func (c *Client) refreshInBackground(service string) {
	_, _, _ = c.group.Do(service, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		ep, err := c.fetch(ctx, service)
		if err != nil {
			// The stale entry stays in place until its hard bound.
			c.logger.Debug("background catalog refresh failed",
				"service", service, "error", err)
		}
		return ep, err
	})
}

func (c *Client) fetch(ctx context.Context, service string) (*ServerEndpoint, error) {
	reply, err := c.sender.SendEnvelope(ctx, subject.ListToolsSubject(service),
		envelope.NewRequest(json.RawMessage(`{}`)))
	if err != nil {
		c.count("list_tools", "failed")
		c.recordFailure(service)
		return nil, err
	}
	if reply.Error != nil {
		c.count("list_tools", "failed")
		return nil, reply.Error.AsFrameworkError("discovery", "DiscoverServiceTools")
	}

	var ep ServerEndpoint
	if err := json.Unmarshal(reply.Payload, &ep); err != nil {
		c.count("list_tools", "failed")
		return nil, errors.Wrap(err, errors.KindDeserialization, "discovery", "DiscoverServiceTools",
			fmt.Sprintf("catalog payload of %s", service))
	}
	// A service with zero tools is still a known service.
	if ep.SupportedTools == nil {
		ep.SupportedTools = []ToolRegistration{}
	}

	if _, err := c.cache.Set(service, &ep); err != nil {
		return nil, err
	}
	c.clearFailures(service)
	c.count("list_tools", "ok")
	return &ep, nil
}

// DiscoverAllServices asks the bus for known services and fans out one
// catalog lookup per service. Failing services are reported beside the
// successes instead of aborting the round.
func (c *Client) DiscoverAllServices(ctx context.Context) (*ServiceCatalog, error) {
	reply, err := c.sender.SendEnvelope(ctx, subject.ListServicesSubject(),
		envelope.NewRequest(json.RawMessage(`{}`)))
	if err != nil {
		c.count("list_services", "failed")
		return nil, err
	}
	if reply.Error != nil {
		c.count("list_services", "failed")
		return nil, reply.Error.AsFrameworkError("discovery", "DiscoverAllServices")
	}

	var services ListServicesReply
	if err := json.Unmarshal(reply.Payload, &services); err != nil {
		c.count("list_services", "failed")
		return nil, errors.Wrap(err, errors.KindDeserialization, "discovery", "DiscoverAllServices",
			"service list payload")
	}
	c.count("list_services", "ok")

	catalog := &ServiceCatalog{
		Services: make(map[string]*ServerEndpoint, len(services.Services)),
		Failures: make(map[string]error),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOutLimit)

	for _, service := range services.Services {
		g.Go(func() error {
			ep, err := c.DiscoverServiceTools(gctx, service)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				catalog.Failures[service] = err
				return nil
			}
			catalog.Services[service] = ep
			return nil
		})
	}
	_ = g.Wait()

	return catalog, nil
}

// CheckServiceHealth probes a service's health subject with a short
// deadline. Health never comes from the catalog cache.
func (c *Client) CheckServiceHealth(ctx context.Context, service string) (*HealthReport, error) {
	if service == "" {
		return nil, errors.New(errors.KindValidation, "discovery", "CheckServiceHealth",
			"empty service name")
	}

	healthCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	reply, err := c.sender.SendEnvelope(healthCtx, subject.HealthSubject(service),
		envelope.NewRequest(json.RawMessage(`{}`)))
	if err != nil {
		c.count("health", "failed")
		return nil, err
	}
	if reply.Error != nil {
		c.count("health", "failed")
		return nil, reply.Error.AsFrameworkError("discovery", "CheckServiceHealth")
	}

	var report HealthReport
	if err := json.Unmarshal(reply.Payload, &report); err != nil {
		c.count("health", "failed")
		return nil, errors.Wrap(err, errors.KindDeserialization, "discovery", "CheckServiceHealth",
			fmt.Sprintf("health payload of %s", service))
	}
	c.count("health", "ok")
	return &report, nil
}

// ReportSendFailure tells the client a cached endpoint failed in use.
// Hitting the threshold drops the entry so the next lookup re-discovers.
func (c *Client) ReportSendFailure(service string) {
	c.recordFailure(service)
}

func (c *Client) recordFailure(service string) {
	c.mu.Lock()
	c.failures[service]++
	hit := c.failures[service] >= c.failureThreshold
	if hit {
		delete(c.failures, service)
	}
	c.mu.Unlock()

	if hit {
		_, _ = c.cache.Delete(service)
		c.logger.Info("endpoint invalidated after repeated failures", "service", service)
	}
}

func (c *Client) clearFailures(service string) {
	c.mu.Lock()
	delete(c.failures, service)
	c.mu.Unlock()
}

func (c *Client) count(operation, outcome string) {
	if c.metrics != nil {
		c.metrics.DiscoveryRequests.WithLabelValues(operation, outcome).Inc()
	}
}

// ClearCache drops every cached catalog entry.
func (c *Client) ClearCache() error {
	return c.cache.Clear()
}

// CacheStats exposes the catalog cache counters.
func (c *Client) CacheStats() cache.Snapshot {
	return c.cache.Stats().Snapshot()
}

// Close releases the cache resources.
func (c *Client) Close() error {
	return c.cache.Close()
}
