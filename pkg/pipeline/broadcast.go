package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// BroadcastHandler relays broadcasts aimed at other components to the
// broadcast output and lets everything else through.
//
// Each broadcast is handled once: copies reaching us through another
// path are discarded, so are our own broadcasts coming back.
type BroadcastHandler struct {
	ownCID   func() string
	output   Processor
	terminal Processor

	lk      sync.Mutex
	relayed *simplelru.LRU
	ttl     time.Duration
	now     func() time.Time

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewBroadcastHandler returns a handler relaying foreign broadcasts to
// output. Relayed messages get terminal as their NextHop so nothing runs
// after the output.
func NewBroadcastHandler(ownCID func() string, output, terminal Processor, opts ...Option) *BroadcastHandler {
	o := newOptions(opts)
	// newOptions guarantees a positive size, the only failure of NewLRU.
	relayed, _ := simplelru.NewLRU(o.relaySize, nil)
	return &BroadcastHandler{
		ownCID:   ownCID,
		output:   output,
		terminal: terminal,
		relayed:  relayed,
		ttl:      o.relayTTL,
		now:      o.now,
		logger:   o.logger.With(telemetry.LabelStage.L("broadcast")),
		msink:    o.msink,
		labels:   o.labels,
	}
}

func (h *BroadcastHandler) SetOutput(output Processor) {
	h.output = output
}

func (h *BroadcastHandler) Handle(msg *message.Message, _ Processor) Verdict {
	if !msg.IsBroadcast() {
		return Forward()
	}

	own := h.ownCID()
	target, _ := msg.NRSField(message.FieldTargetCID)
	if key := message.RelayKey(msg); key != "" && h.seen(key) {
		h.logger.Debug("duplicate broadcast discarded", "msg", msg)
		h.msink.IncrCounterWithLabels(
			telemetry.MetricBroadcastDupCount, 1,
			telemetry.With(h.labels, telemetry.LabelCID.M(target)),
		)
		return Consume()
	}
	if target == own {
		return Forward()
	}
	if source, _ := msg.NRSField(message.FieldSourceCID); own != "" && source == own {
		h.logger.Debug("own broadcast came back", "msg", msg)
		return Consume()
	}

	hops, err := msg.NRSInt(message.FieldHopCount)
	if err != nil {
		h.logger.Warn("broadcast without a valid hop count",
			"msg", msg,
			telemetry.LabelError.L(err),
		)
		return Consume()
	}
	msg.SetNRSInt(message.FieldHopCount, max(hops-1, 0))

	if h.output == nil {
		h.logger.Warn("broadcast not relayed",
			telemetry.LabelCID.L(target),
			telemetry.LabelError.L(ErrNoDestination),
		)
		return Consume()
	}

	msg.Aux().NextHop = h.terminal
	h.msink.IncrCounterWithLabels(
		telemetry.MetricBroadcastRelayCount, 1,
		telemetry.With(h.labels, telemetry.LabelCID.M(target)),
	)
	return Redirect(h.output)
}

// seen remembers key and tells whether it was already remembered and
// not expired.
func (h *BroadcastHandler) seen(key string) bool {
	now := h.now()
	h.lk.Lock()
	defer h.lk.Unlock()
	if at, ok := h.relayed.Get(key); ok {
		if h.ttl <= 0 || now.Sub(at.(time.Time)) < h.ttl {
			return true
		}
	}
	h.relayed.Add(key, now)
	return false
}
