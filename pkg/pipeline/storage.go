package pipeline

import (
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// Storage caches outbound requests and attaches them to the inbound
// replies referencing them. A request is matched by one reply at most
// and leaves the cache once correlated. Storage never stops a message.
type Storage struct {
	cache   *OutboundCache
	inbound Processor

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewStorage returns a Storage sending inbound messages to inbound. A nil
// inbound makes them follow the regular forwarding rules.
func NewStorage(cache *OutboundCache, inbound Processor, opts ...Option) *Storage {
	o := newOptions(opts)
	return &Storage{
		cache:   cache,
		inbound: inbound,
		logger:  o.logger.With(telemetry.LabelStage.L("storage")),
		msink:   o.msink,
		labels:  o.labels,
	}
}

func (h *Storage) SetInbound(inbound Processor) {
	h.inbound = inbound
}

func (h *Storage) Handle(msg *message.Message, _ Processor) Verdict {
	switch msg.Aux().Direction {
	case message.Outbound:
		h.store(msg)
	case message.Inbound:
		h.correlate(msg)
		if h.inbound != nil {
			return Redirect(h.inbound)
		}
	}
	return Forward()
}

func (h *Storage) store(msg *message.Message) {
	if !msg.Aux().SendStatus {
		return
	}
	raw, ok := msg.NRSField(message.FieldMsgID)
	if !ok {
		return
	}
	if id, err := strconv.Atoi(raw); err == nil && id <= message.NoID {
		return
	}
	// Add already reports malformed IDs.
	_ = h.cache.Add(msg)
}

func (h *Storage) correlate(msg *message.Message) {
	if !msg.HasNRSField(message.FieldReplyMsgID) {
		return
	}
	id, err := msg.NRSInt(message.FieldReplyMsgID)
	if err != nil {
		h.logger.Warn("reply carries a malformed id",
			"msg", msg,
			telemetry.LabelError.L(err),
		)
		return
	}

	original, ok := h.cache.Get(id)
	if !ok {
		h.logger.Info("reply to an unknown request",
			telemetry.LabelMsgID.L(id),
			telemetry.LabelMsgType.L(msg.Type()),
		)
		h.msink.IncrCounterWithLabels(telemetry.MetricReplyUnmatchedCount, 1, h.labels)
		return
	}
	msg.Aux().Original = original
	h.cache.Remove(id)
	h.msink.IncrCounterWithLabels(telemetry.MetricReplyCorrelatedCount, 1, h.labels)
}
