package pipeline

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// Router sends messages carrying a route out of the component. Messages
// without a route are for us and continue down the pipeline.
type Router struct {
	external Processor
	terminal Processor

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func NewRouter(external, terminal Processor, opts ...Option) *Router {
	o := newOptions(opts)
	return &Router{
		external: external,
		terminal: terminal,
		logger:   o.logger.With(telemetry.LabelStage.L("router")),
		msink:    o.msink,
		labels:   o.labels,
	}
}

func (h *Router) SetExternal(external Processor) {
	h.external = external
}

func (h *Router) Handle(msg *message.Message, _ Processor) Verdict {
	route, _ := msg.NRSField(message.FieldRoute)
	if route == "" {
		return Forward()
	}

	if h.external == nil {
		h.logger.Warn("routed message dropped",
			telemetry.LabelRoute.L(route),
			telemetry.LabelMsgType.L(msg.Type()),
			telemetry.LabelError.L(ErrNoDestination),
		)
		return Consume()
	}

	msg.Aux().NextHop = h.terminal
	h.msink.IncrCounterWithLabels(telemetry.MetricRouterForwardCount, 1, h.labels)
	return Redirect(h.external)
}
