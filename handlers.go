package nrs

import (
	"strconv"

	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/pipeline"
	"github.com/raskyld/nrs/pkg/telemetry"
	"github.com/raskyld/nrs/pkg/variable"
)

// Payload fields of the built-in queries and their replies.
const (
	FieldCID     = "cid"
	FieldVNName  = "vnName"
	FieldVNID    = "vnid"
	FieldType    = "type"
	FieldVersion = "version"
)

// builtins is the last inbound stage: it answers the queries addressed
// to the component itself.
type builtins struct {
	c *Component
}

func (b *builtins) Handle(msg *message.Message, _ pipeline.Processor) pipeline.Verdict {
	c := b.c
	switch msg.Type() {
	case message.TypeQueryCID:
		b.queryCID(msg)
	case message.TypeQueryRoute:
		reply := b.reply(msg, message.TypeReplyRoute)
		if reply != nil {
			reply.SetNRSField(message.FieldForwardRoute, "")
			reply.SetField(FieldCID, c.CID())
			b.send(reply)
		}
	case message.TypeQueryVNID:
		b.queryVNID(msg)
	case message.TypeQueryCSL:
		reply := b.reply(msg, message.TypeReplyCSL)
		if reply != nil {
			reply.SetField(FieldCID, c.CID())
			reply.SetField(FieldType, c.info.Type())
			reply.SetField(FieldVersion, c.info.Version())
			aux := reply.Aux()
			aux.UnitRegistry = c.config.unitRegistry
			aux.MessageRegistry = c.config.messageRegistry
			aux.NodeRegistry = c.config.nodeRegistry
			b.send(reply)
		}
	case message.TypeCreateLink:
		if link, err := c.vars.ApplyCreateLink(msg); err != nil {
			c.logger.Warn("cannot create link", "msg", msg, telemetry.LabelError.L(err))
		} else {
			c.logger.Debug("link created", "link", link.String())
		}
	case message.TypeDeleteLink:
		if err := c.vars.ApplyDeleteLink(msg); err != nil {
			c.logger.Warn("cannot delete link", "msg", msg, telemetry.LabelError.L(err))
		}
	case message.TypeReplyCID, message.TypeReplyRoute, message.TypeReplyVNID, message.TypeReplyCSL:
		c.logger.Debug("reply not claimed by any variable", "msg", msg)
	default:
		c.logger.Info("message not handled", "msg", msg)
	}
	return pipeline.Consume()
}

func (b *builtins) queryCID(msg *message.Message) {
	c := b.c
	if cid, ok := msg.Field(FieldCID); ok && c.info.adoptCID(cid) {
		c.logger.Info("component ID assigned", telemetry.LabelCID.L(cid))
		if route, ok := msg.NRSField(message.FieldReturnRoute); ok {
			c.info.SetRoute(route)
		}
		c.refreshPorts()
	}

	reply := b.reply(msg, message.TypeReplyCID)
	if reply == nil {
		return
	}
	reply.SetField(FieldCID, c.CID())
	b.send(reply)
}

func (b *builtins) queryVNID(msg *message.Message) {
	name, err := msg.CheckField(FieldVNName)
	if err != nil {
		b.c.logger.Warn("variable query without a name", "msg", msg, telemetry.LabelError.L(err))
		return
	}

	reply := b.reply(msg, message.TypeReplyVNID)
	if reply == nil {
		return
	}
	vnid := variable.NoVNID
	if v, ok := b.c.vars.ByName(name); ok {
		vnid = v.ID()
	}
	reply.SetField(FieldVNName, name)
	reply.SetField(FieldVNID, strconv.Itoa(vnid))
	b.send(reply)
}

// reply prepares the answer to query, nil when the query tells us no way
// back.
func (b *builtins) reply(query *message.Message, typ string) *message.Message {
	route, err := query.CheckNRSField(message.FieldReturnRoute)
	if err != nil {
		b.c.logger.Warn("query without a return route, reply abandoned",
			"msg", query,
			telemetry.LabelError.L(err),
		)
		return nil
	}

	reply := message.New(typ)
	reply.SetNRSField(message.FieldRoute, route)
	toVNID, _ := query.NRSField(message.FieldReturnToVNID)
	reply.SetNRSField(message.FieldToVNID, toVNID)
	if id, ok := query.NRSField(message.FieldMsgID); ok {
		reply.SetNRSField(message.FieldReplyMsgID, id)
	}
	reply.SetNRSInt(message.FieldMsgID, message.NoID)
	reply.SetNRSField(message.FieldSourceCID, b.c.CID())
	return reply
}

func (b *builtins) send(reply *message.Message) {
	if err := b.c.Send(reply); err != nil {
		b.c.logger.Debug("reply not sent", "msg", reply, telemetry.LabelError.L(err))
	}
}
