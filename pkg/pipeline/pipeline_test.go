package pipeline

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProcessor struct {
	m mock.Mock
}

func (p *MockProcessor) Deliver(msg *message.Message, sender Processor) {
	p.m.Called(msg, sender)
}

// recorder keeps every message delivered to it.
type recorder struct {
	got []*message.Message
}

func (r *recorder) Deliver(msg *message.Message, _ Processor) {
	r.got = append(r.got, msg)
}

func TestStage_NextHopWins(t *testing.T) {
	next := &recorder{}
	hop := &recorder{}
	stage := NewStage("test", HandlerFunc(func(*message.Message, Processor) Verdict {
		return Forward()
	}), next)

	msg := message.New("void")
	stage.Deliver(msg, nil)
	require.Len(t, next.got, 1)

	msg.Aux().NextHop = hop
	stage.Deliver(msg, nil)
	require.Len(t, next.got, 1, "the default next must be bypassed")
	require.Len(t, hop.got, 1)
}

func TestStage_ConsumeAndRedirect(t *testing.T) {
	next := &MockProcessor{}
	dest := &MockProcessor{}

	var verdict Verdict
	stage := NewStage("test", HandlerFunc(func(*message.Message, Processor) Verdict {
		return verdict
	}), next)

	msg := message.New("void")
	dest.m.On("Deliver", msg, stage).Return().Once()

	verdict = Consume()
	stage.Deliver(msg, nil)

	verdict = Redirect(dest)
	stage.Deliver(msg, nil)

	next.m.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
	dest.m.AssertExpectations(t)
}

func TestStage_DropWithoutDestination(t *testing.T) {
	sink := metrics.NewInmemSink(10e9, 10e9)
	stage := NewStage("lonely", HandlerFunc(func(*message.Message, Processor) Verdict {
		return Forward()
	}), nil, WithMetricSink(sink))

	stage.Deliver(message.New("void"), nil)

	redirect := NewStage("lost", HandlerFunc(func(*message.Message, Processor) Verdict {
		return Redirect(nil)
	}), &recorder{}, WithMetricSink(sink))
	inbound := message.New("void")
	inbound.Aux().Direction = message.Inbound
	redirect.Deliver(inbound, nil)

	intervals := sink.Data()
	require.Len(t, intervals, 1)
	counters := intervals[0].Counters
	require.Len(t, counters, 2)
	require.Contains(t, counters, "nrs.pipeline.drop.count;stage=lonely;reason=no_next_stage;direction=unknown")
	require.Contains(t, counters, "nrs.pipeline.drop.count;stage=lost;reason=redirect_without_destination;direction=inbound")
}

func TestOutboundCache_FreeIDNeverOccupied(t *testing.T) {
	cache := NewOutboundCache()

	require.Equal(t, 1, cache.FreeID())
	require.Equal(t, 2, cache.FreeID())

	// An externally assigned ID ahead of the allocator bumps it.
	external := message.New("void")
	external.SetNRSInt(message.FieldMsgID, 7)
	require.NoError(t, cache.Add(external))
	require.Equal(t, 8, cache.FreeID())

	seen := map[int]bool{}
	for range 100 {
		id := cache.FreeID()
		require.False(t, cache.Contains(id), "allocated an occupied ID %d", id)
		require.False(t, seen[id])
		seen[id] = true

		msg := message.New("void")
		msg.SetNRSInt(message.FieldMsgID, id)
		require.NoError(t, cache.Add(msg))
	}
	require.Equal(t, 101, cache.Count())
}

func TestOutboundCache_GrowsByDoubling(t *testing.T) {
	cache := NewOutboundCache()

	high := message.New("void")
	high.SetNRSInt(message.FieldMsgID, 1000)
	require.NoError(t, cache.Add(high))

	got, ok := cache.Get(1000)
	require.True(t, ok)
	require.Same(t, high, got)
	require.Equal(t, 1001, cache.FreeID())

	cache.Remove(1000)
	require.False(t, cache.Contains(1000))
	require.Zero(t, cache.Count())
}

func TestOutboundCache_WindowBoundsStorage(t *testing.T) {
	sink := metrics.NewInmemSink(10e9, 10e9)
	cache := NewOutboundCache(WithCacheWindow(3), WithMetricSink(sink))
	require.Equal(t, 4, cache.window, "rounded up to a power of two")

	add := func(id int) *message.Message {
		msg := message.New("void")
		msg.SetNRSInt(message.FieldMsgID, id)
		require.NoError(t, cache.Add(msg))
		return msg
	}

	for id := 1; id <= 4; id++ {
		add(id)
	}
	require.Equal(t, 4, cache.Count())

	// 5 shares its slot with 1, the oldest.
	five := add(5)
	require.Equal(t, 4, cache.Count())
	require.False(t, cache.Contains(1))
	got, ok := cache.Get(5)
	require.True(t, ok)
	require.Same(t, five, got)
	require.Contains(t, sink.Data()[0].Counters, "nrs.cache.evict.count")

	// A far away ID does not blow the storage up.
	add(1 << 30)
	require.True(t, cache.Contains(1<<30))
	require.LessOrEqual(t, len(cache.slots), 4)
	require.Equal(t, 1<<30+1, cache.FreeID())
}

func TestOutboundCache_RejectsInvalidIDs(t *testing.T) {
	cache := NewOutboundCache()
	for _, raw := range []string{"", "abc", "0", "-3"} {
		msg := message.New("void")
		msg.SetNRSField(message.FieldMsgID, raw)
		require.ErrorIs(t, cache.Add(msg), ErrInvalidMessageID, "id %q", raw)
	}
	require.ErrorIs(t, cache.Add(message.New("void")), ErrInvalidMessageID)
	require.Zero(t, cache.Count())
}

func TestIDStamp_Idempotence(t *testing.T) {
	cache := NewOutboundCache()
	stamp := NewIDStamp(cache)

	cases := []struct {
		raw     string
		stamped bool
	}{
		{"-1", true},
		{"oops", true},
		{"0", false},
		{"12", false},
	}

	for _, tc := range cases {
		msg := message.New("void")
		msg.SetNRSField(message.FieldMsgID, tc.raw)
		require.True(t, stamp.Handle(msg, nil).IsForward())

		id, ok := msg.NRSField(message.FieldMsgID)
		require.True(t, ok)
		if !tc.stamped {
			require.Equal(t, tc.raw, id)
			continue
		}

		fresh, err := msg.NRSInt(message.FieldMsgID)
		require.NoError(t, err)
		require.Positive(t, fresh)

		stamp.Handle(msg, nil)
		again, _ := msg.NRSInt(message.FieldMsgID)
		require.Equal(t, fresh, again, "restamping must be a no-op")
	}

	absent := message.New("void")
	stamp.Handle(absent, nil)
	require.False(t, absent.HasNRSField(message.FieldMsgID))
}

func TestStorage_CorrelatesReplies(t *testing.T) {
	cache := NewOutboundCache()
	inbound := &recorder{}
	storage := NewStorage(cache, inbound)
	stage := NewStage("storage", storage, NewStop(false))

	request := message.New(message.TypeQueryRoute)
	request.SetNRSField(message.FieldMsgID, "5")
	request.Aux().SendStatus = true
	request.Aux().Direction = message.Outbound
	stage.Deliver(request, nil)
	require.True(t, cache.Contains(5))

	reply := message.New(message.TypeReplyRoute)
	reply.SetNRSField(message.FieldReplyMsgID, "5")
	reply.Aux().Direction = message.Inbound
	stage.Deliver(reply, nil)

	require.Same(t, request, reply.Aux().Original)
	require.Equal(t, []*message.Message{reply}, inbound.got)
	require.False(t, cache.Contains(5), "a correlated request is forgotten")

	late := message.New(message.TypeReplyRoute)
	late.SetNRSField(message.FieldReplyMsgID, "5")
	late.Aux().Direction = message.Inbound
	stage.Deliver(late, nil)
	require.Nil(t, late.Aux().Original)
}

func TestStorage_SkipsUnsentAndUnmatched(t *testing.T) {
	cache := NewOutboundCache()
	storage := NewStorage(cache, nil)

	unsent := message.New("void")
	unsent.SetNRSField(message.FieldMsgID, "3")
	unsent.Aux().Direction = message.Outbound
	require.True(t, storage.Handle(unsent, nil).IsForward())
	require.Zero(t, cache.Count())

	dontCache := message.New("void")
	dontCache.SetNRSField(message.FieldMsgID, "0")
	dontCache.Aux().Direction = message.Outbound
	dontCache.Aux().SendStatus = true
	storage.Handle(dontCache, nil)
	require.Zero(t, cache.Count())

	orphan := message.New(message.TypeReplyRoute)
	orphan.SetNRSField(message.FieldReplyMsgID, "42")
	orphan.Aux().Direction = message.Inbound
	require.True(t, storage.Handle(orphan, nil).IsForward(), "delivery is never blocked")
	require.Nil(t, orphan.Aux().Original)
}

func TestBroadcastHandler_Partition(t *testing.T) {
	output := &recorder{}
	terminal := NewStop(false)
	handler := NewBroadcastHandler(func() string { return "C1" }, output, terminal)

	plain := message.New("void")
	require.True(t, handler.Handle(plain, nil).IsForward())
	require.Nil(t, plain.Aux().NextHop)

	own := message.New(message.TypeQueryRoute)
	message.TagBroadcast(own, "C1", 4)
	require.True(t, handler.Handle(own, nil).IsForward())
	require.Nil(t, own.Aux().NextHop)

	foreign := message.New(message.TypeQueryRoute)
	message.TagBroadcast(foreign, "C2", 4)
	verdict := handler.Handle(foreign, nil)
	require.Equal(t, output, verdict.Destination())
	require.Equal(t, terminal, foreign.Aux().NextHop)
	hops, _ := foreign.NRSInt(message.FieldHopCount)
	require.Equal(t, 3, hops)

	exhausted := message.New(message.TypeQueryRoute)
	message.TagBroadcast(exhausted, "C2", 1)
	exhausted.SetNRSInt(message.FieldHopCount, 0)
	handler.Handle(exhausted, nil)
	hops, _ = exhausted.NRSInt(message.FieldHopCount)
	require.Zero(t, hops, "hop count is floored")
}

func TestBroadcastHandler_RelayEndsAtTerminal(t *testing.T) {
	internal := &recorder{}
	transmitted := &recorder{}
	terminal := NewStop(false)

	// The output forwards like a transmitter would.
	output := NewStage("output", HandlerFunc(func(msg *message.Message, _ Processor) Verdict {
		transmitted.Deliver(msg, nil)
		return Forward()
	}), internal)

	stage := NewStage("broadcast",
		NewBroadcastHandler(func() string { return "C1" }, output, terminal),
		internal,
	)

	msg := message.New(message.TypeQueryRoute)
	message.TagBroadcast(msg, "C9", 0)
	stage.Deliver(msg, nil)

	require.Len(t, transmitted.got, 1)
	require.Empty(t, internal.got, "a relayed broadcast is never processed locally")
}

func TestBroadcastHandler_HandlesEachBroadcastOnce(t *testing.T) {
	now := time.Unix(0, 0)
	sink := metrics.NewInmemSink(10e9, 10e9)
	output := &recorder{}
	handler := NewBroadcastHandler(func() string { return "C1" }, output, NewStop(false),
		WithRelayMemory(8, time.Minute),
		WithClock(func() time.Time { return now }),
		WithMetricSink(sink),
	)

	msg := message.New(message.TypeQueryRoute)
	message.TagBroadcast(msg, "C9", 4)
	first, second := msg.Clone(), msg.Clone()
	require.Equal(t, output, handler.Handle(first, nil).Destination())
	require.True(t, handler.Handle(second, nil).IsConsume(), "copy through another path")
	require.Contains(t, sink.Data()[0].Counters, "nrs.broadcast.duplicate.count;cid=C9")

	// Copies aimed at us are delivered once too.
	ours := message.New(message.TypeQueryRoute)
	message.TagBroadcast(ours, "C1", 4)
	require.True(t, handler.Handle(ours.Clone(), nil).IsForward())
	require.True(t, handler.Handle(ours.Clone(), nil).IsConsume())

	// Once forgotten, the broadcast is relayed again.
	now = now.Add(2 * time.Minute)
	require.Equal(t, output, handler.Handle(msg.Clone(), nil).Destination())
}

func TestBroadcastHandler_DropsOwnBroadcasts(t *testing.T) {
	output := &recorder{}
	handler := NewBroadcastHandler(func() string { return "C1" }, output, NewStop(false))

	echo := message.New(message.TypeQueryRoute)
	message.TagBroadcast(echo, "C9", 4)
	echo.SetNRSField(message.FieldSourceCID, "C1")
	require.True(t, handler.Handle(echo, nil).IsConsume())

	// Broadcasts without a relay key are only bounded by their hop count.
	anonymous := message.New(message.TypeQueryRoute)
	message.TagBroadcast(anonymous, "C9", 4)
	anonymous.RemoveNRSField(message.FieldBroadcastID)
	require.Equal(t, output, handler.Handle(anonymous.Clone(), nil).Destination())
	require.Equal(t, output, handler.Handle(anonymous.Clone(), nil).Destination())
}

func TestRouter(t *testing.T) {
	external := &recorder{}
	terminal := NewStop(false)
	router := NewRouter(external, terminal)

	local := message.New("void")
	local.SetNRSField(message.FieldRoute, "")
	require.True(t, router.Handle(local, nil).IsForward())

	remote := message.New("void")
	remote.SetNRSField(message.FieldRoute, "p1/node2")
	verdict := router.Handle(remote, nil)
	require.Equal(t, external, verdict.Destination())
	require.Equal(t, terminal, remote.Aux().NextHop)

	orphan := NewRouter(nil, terminal)
	require.True(t, orphan.Handle(remote, nil).IsConsume())
}
