package route

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// DefaultDiscoveryTimeout is how long a query for a component is
// considered in flight.
const DefaultDiscoveryTimeout = 10 * time.Second

type config struct {
	logger    *slog.Logger
	msink     metrics.MetricSink
	labels    []metrics.Label
	timeout   time.Duration
	hopCount  int
	replyVNID int
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		c.msink = ms
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.labels = labels
	}
}

// WithDiscoveryTimeout bounds how long a query stays pending. No other
// query for the same component is sent in the meantime.
func WithDiscoveryTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHopCount sets how many components may relay our queries.
func WithHopCount(hops int) Option {
	return func(c *config) {
		c.hopCount = hops
	}
}

// WithReplyVNID sets the variable replies to our queries are sent to.
func WithReplyVNID(vnid int) Option {
	return func(c *config) {
		c.replyVNID = vnid
	}
}

// WithClock replaces time.Now, tests use it to expire queries.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		timeout:  DefaultDiscoveryTimeout,
		hopCount: message.DefaultHopCount,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = telemetry.LoggerOrDefault(cfg.logger)
	cfg.msink = telemetry.SinkOrBlackhole(cfg.msink)
	return cfg
}
