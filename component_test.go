package nrs

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/variable"
	"github.com/stretchr/testify/require"
)

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func newTestComponent(t *testing.T, cid string, opts ...Option) *Component {
	t.Helper()
	opts = append([]Option{
		WithCID(cid),
		WithLog(testHandler(cid)),
		WithDiscoveryTimeout(200 * time.Millisecond),
	}, opts...)
	c, err := Create(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// connect links a and b with a LocalPort pair, a knows b as `addrB` on
// its port `portA` and conversely.
func connect(t *testing.T, a *Component, portA, addrA string, b *Component, portB, addrB string) {
	t.Helper()
	pa, pb := NewLocalPair(portA, addrA, portB, addrB, 16)
	require.NoError(t, a.AttachPort(pa))
	require.NoError(t, b.AttachPort(pb))
}

// replySink is a void variable collecting what it receives.
func replySink(c *Component) (*variable.Variable, chan *message.Message) {
	ch := make(chan *message.Message, 16)
	v := c.NewVariable("replies", variable.KindVoid,
		variable.OnMessage(func(_ *variable.Variable, msg *message.Message) {
			ch <- msg
		}),
	)
	return v, ch
}

func newQuery(typ, route string, replyTo *variable.Variable) *message.Message {
	msg := message.New(typ)
	msg.SetNRSField(message.FieldRoute, route)
	msg.SetNRSField(message.FieldToVNID, "")
	msg.SetNRSField(message.FieldReturnRoute, "")
	msg.SetNRSInt(message.FieldReturnToVNID, replyTo.ID())
	msg.SetNRSInt(message.FieldMsgID, message.UnstampedID)
	return msg
}

func awaitReply(t *testing.T, ch chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no reply received")
		return nil
	}
}

func TestCreate_InvalidOptions(t *testing.T) {
	_, err := Create(WithHopCount(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithLoopbackBuffer(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestComponent_LoopbackQueryIsCorrelated(t *testing.T) {
	c := newTestComponent(t, "C1")
	sink, replies := replySink(c)
	speed := c.NewVariable("speed", variable.KindFloat)

	query := newQuery(message.TypeQueryVNID, "", sink)
	query.SetField(FieldVNName, "speed")
	require.NoError(t, c.Send(query))

	reply := awaitReply(t, replies)
	require.Equal(t, message.TypeReplyVNID, reply.Type())
	vnid, _ := reply.Field(FieldVNID)
	require.Equal(t, strconv.Itoa(speed.ID()), vnid)

	// The query was stamped and cached before its reply came back.
	id, err := query.NRSInt(message.FieldMsgID)
	require.NoError(t, err)
	require.Positive(t, id)
	replyID, err := reply.NRSInt(message.FieldReplyMsgID)
	require.NoError(t, err)
	require.Equal(t, id, replyID)
	require.Same(t, query, reply.Aux().Original)
}

func TestComponent_QueryUnknownVNID(t *testing.T) {
	c := newTestComponent(t, "C1")
	sink, replies := replySink(c)

	query := newQuery(message.TypeQueryVNID, "", sink)
	query.SetField(FieldVNName, "nope")
	require.NoError(t, c.Send(query))

	reply := awaitReply(t, replies)
	vnid, _ := reply.Field(FieldVNID)
	require.Equal(t, "0", vnid)
}

func TestComponent_QueryCSLKeepsRegistries(t *testing.T) {
	units := map[string]string{"m": "meter"}
	c := newTestComponent(t, "C1", WithCSLRegistries(units, nil, nil))
	sink, replies := replySink(c)

	require.NoError(t, c.Send(newQuery(message.TypeQueryCSL, "", sink)))

	reply := awaitReply(t, replies)
	require.Equal(t, message.TypeReplyCSL, reply.Type())
	require.Equal(t, units, reply.Aux().UnitRegistry)
	typ, _ := reply.Field(FieldType)
	require.Equal(t, "nrs", typ)
}

func TestComponent_QueryWithoutReturnRouteIsAbandoned(t *testing.T) {
	c := newTestComponent(t, "C1")
	_, replies := replySink(c)

	query := message.New(message.TypeQueryCID)
	query.SetNRSField(message.FieldRoute, "")
	require.NoError(t, c.Send(query))

	require.Never(t, func() bool { return len(replies) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestComponent_DiscoveryOverLocalPort(t *testing.T) {
	a := newTestComponent(t, "A")
	b := newTestComponent(t, "B")
	connect(t, a, "local", "a", b, "local", "b")

	inbox := b.NewVariable("inbox", variable.KindInt)
	out := a.NewVariable("out", variable.KindInt)

	_, err := out.LinkRemote("B", inbox.ID(), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	route, err := a.Await(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, "local/b", route)

	require.Eventually(t, func() bool {
		return len(inbox.Incoming()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, out.SetValue(variable.Int(42)))
	require.Eventually(t, func() bool {
		val, ok := inbox.Value()
		return ok && val == variable.Int(42)
	}, 5*time.Second, 20*time.Millisecond)

	links := out.Outgoing()
	require.Len(t, links, 1)
	require.Equal(t, "local/b", links[0].Route())
}

func TestComponent_RelayOverTwoHops(t *testing.T) {
	a := newTestComponent(t, "A")
	b := newTestComponent(t, "B")
	c := newTestComponent(t, "C")
	connect(t, a, "east", "a", b, "west", "b")
	connect(t, b, "east", "b", c, "west", "c")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	route, err := a.Await(ctx, "C")
	require.NoError(t, err)
	require.Equal(t, "east/b,east/c", route)

	inbox := c.NewVariable("inbox", variable.KindString)
	out := a.NewVariable("out", variable.KindString)
	_, err = out.LinkRemote("C", inbox.ID(), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(inbox.Incoming()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, out.SetValue(variable.String("hello")))
	require.Eventually(t, func() bool {
		val, ok := inbox.Value()
		return ok && val == variable.String("hello")
	}, 5*time.Second, 20*time.Millisecond)

	// B only relayed.
	_, ok := b.Routes().Resolve("C", false)
	require.False(t, ok)
}

func TestComponent_HopCountBoundsBroadcasts(t *testing.T) {
	a := newTestComponent(t, "A", WithHopCount(1))
	b := newTestComponent(t, "B")
	c := newTestComponent(t, "C")
	connect(t, a, "east", "a", b, "west", "b")
	connect(t, b, "east", "b", c, "west", "c")

	_, ok := a.Resolve("C", true)
	require.False(t, ok)

	// B received the query with one hop left and spent it, C is out of
	// reach.
	require.Never(t, func() bool {
		_, ok := a.Resolve("C", false)
		return ok
	}, 500*time.Millisecond, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	route, err := a.Await(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, "east/b", route)
}

// countingPort counts what leaves through a LocalPort.
type countingPort struct {
	*LocalPort
	sent *atomic.Int64
}

func (p countingPort) Transmit(ctx context.Context, address string, msg *message.Message) error {
	p.sent.Add(1)
	return p.LocalPort.Transmit(ctx, address, msg)
}

func (p countingPort) Broadcast(ctx context.Context, msg *message.Message) error {
	p.sent.Add(1)
	return p.LocalPort.Broadcast(ctx, msg)
}

func TestComponent_BroadcastsInAMeshAreRelayedOnce(t *testing.T) {
	var sent atomic.Int64
	nodes := map[string]*Component{}
	for _, cid := range []string{"A", "B", "C", "D"} {
		nodes[cid] = newTestComponent(t, cid, WithHopCount(8))
	}
	cids := []string{"A", "B", "C", "D"}
	for i, x := range cids {
		for _, y := range cids[i+1:] {
			px, py := NewLocalPair("to"+y, strings.ToLower(x), "to"+x, strings.ToLower(y), 16)
			require.NoError(t, nodes[x].AttachPort(countingPort{px, &sent}))
			require.NoError(t, nodes[y].AttachPort(countingPort{py, &sent}))
		}
	}

	_, ok := nodes["A"].Resolve("NOBODY", true)
	require.False(t, ok)

	// A reaches its 3 neighbours, each of them relays once to the 2
	// others.
	require.Eventually(t, func() bool {
		return sent.Load() == 9
	}, 5*time.Second, 20*time.Millisecond)
	require.Never(t, func() bool {
		return sent.Load() > 9
	}, 500*time.Millisecond, 20*time.Millisecond)
}

func TestComponent_QueryCIDAssignsIdentity(t *testing.T) {
	a := newTestComponent(t, "A")
	b := newTestComponent(t, "")
	connect(t, a, "local", "a", b, "local", "b")
	sink, replies := replySink(a)

	query := newQuery(message.TypeQueryCID, "local/b", sink)
	query.SetField(FieldCID, "B")
	require.NoError(t, a.Send(query))

	reply := awaitReply(t, replies)
	require.Equal(t, message.TypeReplyCID, reply.Type())
	cid, _ := reply.Field(FieldCID)
	require.Equal(t, "B", cid)
	require.Equal(t, "B", b.CID())
	require.Equal(t, "local/a", b.Info().Route())

	// A second assignment is not adopted.
	query = newQuery(message.TypeQueryCID, "local/b", sink)
	query.SetField(FieldCID, "other")
	require.NoError(t, a.Send(query))

	reply = awaitReply(t, replies)
	cid, _ = reply.Field(FieldCID)
	require.Equal(t, "B", cid)
}

func TestComponent_RemoveAllLinksNotifiesPeer(t *testing.T) {
	a := newTestComponent(t, "A")
	b := newTestComponent(t, "B")
	connect(t, a, "local", "a", b, "local", "b")
	a.AddRoute("B", "local/b")

	inbox := b.NewVariable("inbox", variable.KindBool)
	out := a.NewVariable("out", variable.KindBool)
	_, err := out.LinkRemote("B", inbox.ID(), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(inbox.Incoming()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	out.RemoveAllLinks()
	require.Empty(t, out.Outgoing())
	require.Eventually(t, func() bool {
		return len(inbox.Incoming()) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestComponent_Ports(t *testing.T) {
	c := newTestComponent(t, "C1")
	pa, pb := NewLocalPair("local", "a", "local", "b", 1)
	defer pb.Close()

	require.NoError(t, c.AttachPort(pa))
	require.ErrorIs(t, c.AttachPort(pa), ErrPortConflict)

	bad, _ := NewLocalPair("lo/cal", "a", "x", "b", 1)
	require.ErrorIs(t, c.AttachPort(bad), ErrPortInvalidName)

	require.Equal(t, []string{"local"}, c.Ports())
	require.NoError(t, c.DetachPort("local"))
	require.ErrorIs(t, c.DetachPort("local"), ErrUnknownPort)
	require.Empty(t, c.Ports())
}

func TestComponent_UnknownPortInRoute(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	c := newTestComponent(t, "C1", WithMetricSink(sink))

	msg := message.New("integer")
	msg.SetNRSField(message.FieldRoute, "nowhere/x")
	require.NoError(t, c.Send(msg))
	require.False(t, msg.Aux().SendStatus)

	data := sink.Data()
	require.NotEmpty(t, data)
	require.Contains(t, data[0].Counters, "nrs.port.tx.error.count;port=nowhere")
}

func TestComponent_SendAfterShutdown(t *testing.T) {
	c := newTestComponent(t, "C1")
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	require.ErrorIs(t, c.Send(message.New("void")), ErrComponentClosed)
	require.ErrorIs(t, c.AttachPort(newLocalPort("p", "a", 1)), ErrComponentClosed)
}
