package pipeline

import (
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// IDStamp replaces negative or malformed message IDs with a fresh one
// allocated by the cache. Absent IDs and IDs >= 0 are left alone.
type IDStamp struct {
	cache  *OutboundCache
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func NewIDStamp(cache *OutboundCache, opts ...Option) *IDStamp {
	o := newOptions(opts)
	return &IDStamp{
		cache:  cache,
		logger: o.logger.With(telemetry.LabelStage.L("idstamp")),
		msink:  o.msink,
		labels: o.labels,
	}
}

func (h *IDStamp) Handle(msg *message.Message, _ Processor) Verdict {
	raw, ok := msg.NRSField(message.FieldMsgID)
	if !ok {
		return Forward()
	}

	id, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		h.logger.Warn("malformed message id replaced",
			telemetry.LabelMsgID.L(raw),
			telemetry.LabelMsgType.L(msg.Type()),
		)
	case id >= 0:
		return Forward()
	}

	fresh := h.cache.FreeID()
	msg.SetNRSInt(message.FieldMsgID, fresh)
	h.logger.Debug("message id stamped",
		telemetry.LabelMsgID.L(fresh),
		telemetry.LabelMsgType.L(msg.Type()),
	)
	h.msink.IncrCounterWithLabels(telemetry.MetricIDStampCount, 1, h.labels)
	return Forward()
}
