package nrs

import (
	"context"
	"strconv"

	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/pipeline"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// transmitter hands messages to the ports of a component.
//
// A message with a route leaves through the port of its first hop and
// carries the rest of the route. A broadcast without a route leaves
// through every port but the one it came from. Anything else is for us
// and is looped back.
type transmitter struct {
	c *Component
}

func (t *transmitter) Handle(msg *message.Message, _ pipeline.Processor) pipeline.Verdict {
	route, _ := msg.NRSField(message.FieldRoute)

	switch {
	case route != "":
		msg.Aux().SendStatus = t.unicast(msg, route)
	case msg.IsBroadcast():
		msg.Aux().SendStatus = t.broadcast(msg)
	default:
		msg.Aux().SendStatus = t.c.loopback(loopbackCopy(msg))
	}
	return pipeline.Forward()
}

// loopbackCopy clones msg, keeping the registries which only make sense
// inside this process.
func loopbackCopy(msg *message.Message) *message.Message {
	out := msg.Clone()
	aux, orig := out.Aux(), msg.Aux()
	aux.UnitRegistry = orig.UnitRegistry
	aux.MessageRegistry = orig.MessageRegistry
	aux.NodeRegistry = orig.NodeRegistry
	return out
}

func (t *transmitter) unicast(msg *message.Message, route string) bool {
	hop, rest, err := NextHop(route)
	if err != nil {
		t.c.logger.Warn("message has an invalid route",
			"msg", msg,
			telemetry.LabelError.L(err),
		)
		return false
	}

	p, ok := t.c.port(hop.Port)
	if !ok {
		t.c.logger.Warn("route goes through an unknown port",
			telemetry.LabelPort.L(hop.Port),
			telemetry.LabelRoute.L(route),
		)
		t.countTx(hop.Port, ErrUnknownPort)
		return false
	}

	out := msg.Clone()
	out.SetNRSField(message.FieldRoute, rest)
	out.Aux().SendingPort = hop.Port

	ctx, cancel := context.WithTimeout(context.Background(), t.c.config.sendTimeout)
	defer cancel()

	err = p.Transmit(ctx, hop.Address, out)
	t.countTx(hop.Port, err)
	if err != nil {
		t.c.logger.Warn("port failed to transmit",
			telemetry.LabelPort.L(hop.Port),
			telemetry.LabelPeerAddr.L(hop.Address),
			telemetry.LabelError.L(err),
		)
		return false
	}
	return true
}

func (t *transmitter) broadcast(msg *message.Message) bool {
	hops, err := msg.NRSInt(message.FieldHopCount)
	if err != nil || hops <= 0 {
		t.c.logger.Debug("broadcast exhausted its hop count",
			"msg", msg,
			"hop_count", strconv.Itoa(hops),
		)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.c.config.sendTimeout)
	defer cancel()

	sent := false
	for _, p := range t.c.allPorts() {
		if p.Name() == msg.Aux().ReceivingPort {
			continue
		}
		out := msg.Clone()
		out.Aux().SendingPort = p.Name()
		err := p.Broadcast(ctx, out)
		t.countTx(p.Name(), err)
		if err != nil {
			t.c.logger.Warn("port failed to broadcast",
				telemetry.LabelPort.L(p.Name()),
				telemetry.LabelError.L(err),
			)
			continue
		}
		sent = true
	}
	return sent
}

func (t *transmitter) countTx(port string, err error) {
	key := telemetry.MetricPortTxCount
	if err != nil {
		key = telemetry.MetricPortTxErrorCount
	}
	t.c.msink.IncrCounterWithLabels(key, 1,
		telemetry.With(t.c.config.metricLabels, telemetry.LabelPort.M(port)),
	)
}
