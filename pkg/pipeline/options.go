package pipeline

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/telemetry"
)

const (
	defaultCacheWindow = 1 << 16
	defaultRelaySize   = 4096
	defaultRelayTTL    = time.Minute
)

type options struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	cacheWindow int
	relaySize   int
	relayTTL    time.Duration
	now         func() time.Time
}

// Option configures the stages and handlers of this package.
type Option func(*options)

// WithLogger sets the logger, `slog.Default()` is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetricSink sets where counters are emitted. Nothing is emitted by
// default.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(o *options) {
		o.msink = ms
	}
}

// WithMetricLabels adds static labels to every metric.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) {
		o.labels = labels
	}
}

// WithCacheWindow bounds how many requests an OutboundCache holds. When
// full, the oldest request sharing a slot with a new one is evicted.
func WithCacheWindow(size int) Option {
	return func(o *options) {
		o.cacheWindow = size
	}
}

// WithRelayMemory sets how many broadcasts a BroadcastHandler remembers
// and for how long. A copy of a remembered broadcast is discarded.
func WithRelayMemory(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.relaySize = size
		o.relayTTL = ttl
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{
		cacheWindow: defaultCacheWindow,
		relaySize:   defaultRelaySize,
		relayTTL:    defaultRelayTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheWindow <= 0 {
		o.cacheWindow = defaultCacheWindow
	}
	if o.relaySize <= 0 {
		o.relaySize = defaultRelaySize
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.logger = telemetry.LoggerOrDefault(o.logger)
	o.msink = telemetry.SinkOrBlackhole(o.msink)
	return o
}
