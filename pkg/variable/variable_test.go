package variable

import (
	"testing"

	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/pipeline"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	cid       string
	routes    map[string]string
	resolved  []string
	submitted []*message.Message
}

func newFakeHost(cid string) *fakeHost {
	return &fakeHost{cid: cid, routes: map[string]string{}}
}

func (h *fakeHost) CID() string {
	return h.cid
}

func (h *fakeHost) Resolve(cid string, allowRemote bool) (string, bool) {
	h.resolved = append(h.resolved, cid)
	route, ok := h.routes[cid]
	return route, ok
}

func (h *fakeHost) Submit(msg *message.Message) {
	h.submitted = append(h.submitted, msg)
}

func counter(got *[]Value) Option {
	return OnUpdate(func(_ *Variable, val Value) {
		*got = append(*got, val)
	})
}

func TestVariable_OnBoardPropagation(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	var received []Value
	foo := m.Create("Foo", KindBool)
	bar := m.Create("Bar", KindBool, counter(&received))
	require.Equal(t, 1, foo.ID())
	require.Equal(t, 2, bar.ID())

	_, err := foo.LinkTo(bar, false)
	require.NoError(t, err)

	require.NoError(t, foo.SetValue(Bool(true)))
	require.Equal(t, []Value{Bool(true)}, received)

	require.NoError(t, foo.SetValue(Bool(true)))
	require.Len(t, received, 1, "an unchanged value is not propagated")

	val, ok := bar.Value()
	require.True(t, ok)
	require.Equal(t, Bool(true), val)
}

func TestVariable_StatelessAlwaysPropagates(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	var received []Value
	trigger := m.Create("Trigger", KindVoid)
	sink := m.Create("Sink", KindVoid, counter(&received))
	_, err := trigger.LinkTo(sink, false)
	require.NoError(t, err)

	require.NoError(t, trigger.SetValue(Void()))
	require.NoError(t, trigger.SetValue(Void()))
	require.Len(t, received, 2)

	var counted []Value
	level := m.Create("Level", KindInt, Stateful(false))
	meter := m.Create("Meter", KindInt, counter(&counted))
	_, err = level.LinkTo(meter, false)
	require.NoError(t, err)
	require.NoError(t, level.SetValue(Int(3)))
	require.NoError(t, level.SetValue(Int(3)))
	require.Len(t, counted, 2)
}

func TestVariable_TypeMismatchSkipsOneLink(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	var ints, bools []Value
	foo := m.Create("Foo", KindBool)
	wrong := m.Create("Wrong", KindInt, counter(&ints))
	right := m.Create("Right", KindBool, counter(&bools))

	_, err := foo.LinkTo(wrong, false)
	require.NoError(t, err)
	_, err = foo.LinkTo(right, false)
	require.NoError(t, err)

	require.NoError(t, foo.SetValue(Bool(true)))
	require.Empty(t, ints)
	require.Len(t, bools, 1, "siblings are still served")

	require.ErrorIs(t, foo.SetValue(Int(1)), ErrTypeMismatch)
}

func TestVariable_Restriction(t *testing.T) {
	m := NewManager(newFakeHost("C1"))
	volume := m.Create("Volume", KindInt, WithRestriction(Range(0, 10)))

	require.NoError(t, volume.SetValue(Int(5)))
	require.ErrorIs(t, volume.SetValue(Int(11)), ErrRestricted)

	val, _ := volume.Value()
	require.Equal(t, Int(5), val)
}

func TestVariable_SelfLink(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	var received []Value
	echo := m.Create("Echo", KindString, counter(&received))
	_, err := echo.LinkTo(echo, false)
	require.NoError(t, err)

	require.NoError(t, echo.SetValue(String("hi")))
	require.Equal(t, []Value{String("hi")}, received)

	echo.RemoveAllLinks()
	require.Empty(t, echo.Outgoing())
	require.Empty(t, echo.Incoming())
}

func TestVariable_OffBoardSend(t *testing.T) {
	host := newFakeHost("C1")
	host.routes["C2"] = "p1/node2"
	m := NewManager(host)

	foo := m.Create("Foo", KindFloat)
	toC2, err := foo.LinkRemote("C2", 7, false)
	require.NoError(t, err)
	_, err = foo.LinkRemote("C3", 9, true)
	require.NoError(t, err)

	require.Len(t, host.submitted, 2, "far ends are told about the links")
	require.Equal(t, message.TypeCreateLink, host.submitted[0].Type())
	host.submitted = nil

	require.NoError(t, foo.SetValue(Float(0.5)))
	require.Len(t, host.submitted, 2)

	routed := host.submitted[0]
	require.Equal(t, "float", routed.Type())
	val, _ := routed.Field(FieldValue)
	require.Equal(t, "0.5", val)
	fields := routed.NRSFields()
	require.Equal(t, "7", fields[message.FieldToVNID])
	require.Equal(t, "p1/node2", fields[message.FieldRoute])
	require.Equal(t, "C1", fields[message.FieldSourceCID])
	require.False(t, routed.IsBroadcast())
	require.Equal(t, "p1/node2", toC2.Route())

	unresolved := host.submitted[1]
	route, _ := unresolved.NRSField(message.FieldRoute)
	require.Empty(t, route)
	require.True(t, unresolved.IsBroadcast())
	target, _ := unresolved.NRSField(message.FieldTargetCID)
	require.Equal(t, "C3", target)
}

func TestVariable_UnresolvedSendUsesHopCount(t *testing.T) {
	host := newFakeHost("C1")
	m := NewManager(host, WithHopCount(2))

	foo := m.Create("Foo", KindInt)
	_, err := foo.LinkRemote("Z", 3, false)
	require.NoError(t, err)
	require.NoError(t, foo.SetValue(Int(1)))

	require.Len(t, host.submitted, 2)
	for _, msg := range host.submitted {
		require.True(t, msg.IsBroadcast())
		hops, _ := msg.NRSField(message.FieldHopCount)
		require.Equal(t, "2", hops, "%s", msg.Type())
	}

	// Without the option the package default applies.
	host = newFakeHost("C1")
	bar := NewManager(host).Create("Bar", KindInt)
	_, err = bar.LinkRemote("Z", 3, false)
	require.NoError(t, err)
	hops, err := host.submitted[0].NRSInt(message.FieldHopCount)
	require.NoError(t, err)
	require.Equal(t, message.DefaultHopCount, hops)
}

func TestVariable_LinkToOwnCIDIsOnBoard(t *testing.T) {
	host := newFakeHost("C1")
	m := NewManager(host)

	foo := m.Create("Foo", KindBool)
	bar := m.Create("Bar", KindBool)
	link, err := foo.LinkRemote("C1", bar.ID(), false)
	require.NoError(t, err)
	require.True(t, link.OnBoard())
	require.Empty(t, host.submitted)

	_, err = foo.LinkRemote("C1", 99, false)
	require.ErrorIs(t, err, ErrUnknownVariable)
}

func TestVariable_RemoveLinkSeversOne(t *testing.T) {
	host := newFakeHost("C1")
	m := NewManager(host)

	foo := m.Create("Foo", KindInt)
	_, err := foo.LinkRemote("C2", 4, false)
	require.NoError(t, err)
	_, err = foo.LinkRemote("C3", 4, false)
	require.NoError(t, err)
	_, err = foo.LinkRemote("C2", 4, true)
	require.NoError(t, err)
	host.submitted = nil

	removed, ok := foo.RemoveLink("C3", 4)
	require.True(t, ok)
	require.Equal(t, Endpoint{CID: "C3", VNID: 4}, removed.Target(), "exact match is preferred")
	require.Len(t, foo.Outgoing(), 2)

	_, ok = foo.RemoveLink("C2", 4)
	require.True(t, ok)
	require.Len(t, foo.Outgoing(), 1, "only one link per call")

	removed, ok = foo.RemoveLink("C9", 4)
	require.True(t, ok, "falls back to a VNID match")
	require.Equal(t, "C2", removed.Target().CID)

	_, ok = foo.RemoveLink("C2", 4)
	require.False(t, ok)
	require.Empty(t, host.submitted, "removing a single link does not notify")
}

func TestVariable_RemoveAllLinksNotifies(t *testing.T) {
	host := newFakeHost("C1")
	host.routes["C2"] = "p1/node2"
	m := NewManager(host)

	foo := m.Create("Foo", KindInt)
	bar := m.Create("Bar", KindInt)
	_, err := foo.LinkTo(bar, false)
	require.NoError(t, err)
	_, err = foo.LinkRemote("C2", 4, true)
	require.NoError(t, err)
	host.submitted = nil

	foo.RemoveAllLinks()

	require.Len(t, host.submitted, 1)
	notice := host.submitted[0]
	require.Equal(t, message.TypeDeleteLink, notice.Type())
	require.Equal(t, map[string]string{
		FieldSourceCID:  "C1",
		FieldSourceVNID: "1",
		FieldTargetCID:  "C2",
		FieldTargetVNID: "4",
		FieldTemporary:  "true",
	}, notice.Fields())
	require.Empty(t, foo.Outgoing())
	require.Empty(t, bar.Incoming())
}

func TestManager_ApplyLinkMessages(t *testing.T) {
	host := newFakeHost("C2")
	m := NewManager(host)
	bar := m.Create("Bar", KindInt)

	create := message.New(message.TypeCreateLink)
	create.SetField(FieldSourceCID, "C1")
	create.SetField(FieldSourceVNID, "1")
	create.SetField(FieldTargetCID, "C2")
	create.SetField(FieldTargetVNID, "1")
	link, err := m.ApplyCreateLink(create)
	require.NoError(t, err)
	require.Equal(t, Endpoint{CID: "C1", VNID: 1}, link.Source())
	require.Len(t, bar.Incoming(), 1)
	require.Empty(t, host.submitted)

	del := message.New(message.TypeDeleteLink)
	for name, val := range create.Fields() {
		del.SetField(name, val)
	}
	require.NoError(t, m.ApplyDeleteLink(del))
	require.Empty(t, bar.Incoming())
	require.ErrorIs(t, m.ApplyDeleteLink(del), ErrLinkNotFound)

	foreign := message.New(message.TypeCreateLink)
	foreign.SetField(FieldSourceCID, "C1")
	foreign.SetField(FieldSourceVNID, "1")
	foreign.SetField(FieldTargetCID, "C3")
	foreign.SetField(FieldTargetVNID, "1")
	_, err = m.ApplyCreateLink(foreign)
	require.ErrorIs(t, err, ErrInvalidLink)

	incomplete := message.New(message.TypeCreateLink)
	_, err = m.ApplyCreateLink(incomplete)
	require.ErrorIs(t, err, message.ErrFieldNotFound)
}

func TestManager_DispatchTiers(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	var byName, byID []Value
	named := m.Create("Named", KindString, counter(&byName))
	numbered := m.Create("Numbered", KindString, counter(&byID))

	msg := message.New("string")
	msg.SetField(FieldValue, "x")
	msg.SetNRSField(message.FieldIntelligent, "true")
	msg.SetNRSField(message.FieldTargetVNName, named.Name())
	msg.SetNRSField(message.FieldToVNID, "2")
	require.True(t, m.Handle(msg, nil).IsConsume())
	require.Len(t, byName, 1, "the name wins over the VNID")
	require.Empty(t, byID)

	msg.SetNRSField(message.FieldIntelligent, "false")
	m.Handle(msg, nil)
	require.Len(t, byID, 1, "names are only honoured on intelligent messages")
	require.Equal(t, 2, numbered.ID())

	fallback := message.New(message.TypeQueryVNID)
	fallback.SetNRSField(message.FieldToVNID, "")
	require.True(t, m.Handle(fallback, nil).IsForward())

	unknown := message.New("string")
	unknown.SetNRSField(message.FieldToVNID, "42")
	require.True(t, m.Handle(unknown, nil).IsForward())
}

func TestManager_DispatchInsideAStage(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	var got []Value
	m.Create("Gain", KindFloat, counter(&got))

	builtins := 0
	next := pipeline.NewStage("builtins", pipeline.HandlerFunc(func(*message.Message, pipeline.Processor) pipeline.Verdict {
		builtins++
		return pipeline.Consume()
	}), nil)
	stage := pipeline.NewStage("variables", m, next)

	msg := message.New("float")
	msg.SetField(FieldValue, "1.5")
	msg.SetNRSField(message.FieldToVNID, "1")
	stage.Deliver(msg, nil)
	require.Equal(t, []Value{Float(1.5)}, got)
	require.Zero(t, builtins)

	bad := message.New("integer")
	bad.SetField(FieldValue, "3")
	bad.SetNRSField(message.FieldToVNID, "1")
	stage.Deliver(bad, nil)
	require.Len(t, got, 1, "a type mismatch is refused")

	stage.Deliver(message.New(message.TypeQueryCID), nil)
	require.Equal(t, 1, builtins)
}

func TestManager_NameCollisionAndDestroy(t *testing.T) {
	m := NewManager(newFakeHost("C1"))

	first := m.Create("Dup", KindInt)
	second := m.Create("Dup", KindInt)
	got, ok := m.ByName("Dup")
	require.True(t, ok)
	require.Same(t, second, got)

	m.Destroy(second)
	_, ok = m.ByName("Dup")
	require.False(t, ok)
	_, ok = m.ByID(second.ID())
	require.False(t, ok)
	require.ErrorIs(t, second.SetValue(Int(1)), ErrDestroyed)

	third := m.Create("Third", KindInt)
	require.Equal(t, 3, third.ID(), "IDs are never reused")
	require.Equal(t, []*Variable{first, third}, m.Variables())
}
