package nrs

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/route"
)

const (
	defaultSendTimeout    = 5 * time.Second
	defaultLoopbackBuffer = 256
)

type config struct {
	cid           string
	componentType string
	version       string
	bmf           bool
	pml           bool

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	traceDrops   bool

	hopCount         int
	discoveryTimeout time.Duration
	sendTimeout      time.Duration
	loopbackBuffer   int

	unitRegistry    any
	messageRegistry any
	nodeRegistry    any
}

func defaultConfig() config {
	return config{
		componentType:    "nrs",
		version:          "0.1.0",
		hopCount:         message.DefaultHopCount,
		discoveryTimeout: route.DefaultDiscoveryTimeout,
		sendTimeout:      defaultSendTimeout,
		loopbackBuffer:   defaultLoopbackBuffer,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithCID sets the component ID. A component created without one adopts
// the first CID it is given by a QueryCID message.
func WithCID(cid string) Option {
	return func(c *config) error {
		c.cid = cid
		return nil
	}
}

// WithComponentType describes what the component is, it is only
// informative.
func WithComponentType(typ, version string) Option {
	return func(c *config) error {
		if typ == "" {
			return errors.New("component type cannot be empty")
		}
		c.componentType = typ
		c.version = version
		return nil
	}
}

// WithCapabilities advertises the wire formats the component supports.
func WithCapabilities(bmf, pml bool) Option {
	return func(c *config) error {
		c.bmf = bmf
		c.pml = pml
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Component`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// Component.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTraceDrops logs every message reaching the end of a pipeline.
func WithTraceDrops(trace bool) Option {
	return func(c *config) error {
		c.traceDrops = trace
		return nil
	}
}

// WithHopCount bounds how many components relay our broadcasts.
func WithHopCount(hops int) Option {
	return func(c *config) error {
		if hops <= 0 {
			return errors.New("hop count must be positive")
		}
		c.hopCount = hops
		return nil
	}
}

// WithDiscoveryTimeout controls how long we wait for an answer to a route
// query before asking again.
func WithDiscoveryTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("discovery timeout cannot be negative")
		}
		if timeout == 0 {
			timeout = route.DefaultDiscoveryTimeout
		}
		c.discoveryTimeout = timeout
		return nil
	}
}

// WithSendTimeout controls how much time a port is given to accept a
// message.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultSendTimeout
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithLoopbackBuffer sets how many messages sent to ourselves can be
// queued.
func WithLoopbackBuffer(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("loopback buffer must be positive")
		}
		c.loopbackBuffer = size
		return nil
	}
}

// WithCSLRegistries attaches the schema registries returned to QueryCSL
// messages. They are opaque to the runtime.
func WithCSLRegistries(units, messages, nodes any) Option {
	return func(c *config) error {
		c.unitRegistry = units
		c.messageRegistry = messages
		c.nodeRegistry = nodes
		return nil
	}
}
