package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_NamespacesAreIndependent(t *testing.T) {
	msg := New("integer")
	msg.SetField("route", "payload")
	msg.SetNRSField(FieldRoute, "p1/b")

	val, ok := msg.Field("route")
	require.True(t, ok)
	require.Equal(t, "payload", val)

	nrs, ok := msg.NRSField(FieldRoute)
	require.True(t, ok)
	require.Equal(t, "p1/b", nrs)

	msg.RemoveField("route")
	require.False(t, msg.HasField("route"))
	require.True(t, msg.HasNRSField(FieldRoute), "removing a payload field must not touch the nrs namespace")
}

func TestMessage_CheckedAccess(t *testing.T) {
	msg := New("QueryVNID")
	msg.SetField("vnName", "Foo")

	_, err := msg.CheckField("missing")
	require.ErrorIs(t, err, ErrFieldNotFound)

	_, err = msg.CheckNRSField(FieldReturnRoute)
	require.ErrorIs(t, err, ErrFieldNotFound)

	name, err := msg.CheckField("vnName")
	require.NoError(t, err)
	require.Equal(t, "Foo", name)
}

func TestMessage_NRSInt(t *testing.T) {
	msg := New("x")
	_, err := msg.NRSInt(FieldMsgID)
	require.ErrorIs(t, err, ErrFieldNotFound)

	msg.SetNRSField(FieldMsgID, "abc")
	_, err = msg.NRSInt(FieldMsgID)
	require.ErrorIs(t, err, ErrFieldInvalid)

	msg.SetNRSInt(FieldMsgID, 42)
	id, err := msg.NRSInt(FieldMsgID)
	require.NoError(t, err)
	require.Equal(t, 42, id)
}

func TestMessage_Broadcast(t *testing.T) {
	msg := New(TypeQueryRoute)
	require.False(t, msg.IsBroadcast())

	msg.SetNRSField(FieldTargetCID, "C2")
	require.False(t, msg.IsBroadcast(), "a target CID alone is not a broadcast")

	TagBroadcast(msg, "C2", 0)
	require.True(t, msg.IsIntelligent())
	require.True(t, msg.IsBroadcast())

	hops, err := msg.NRSInt(FieldHopCount)
	require.NoError(t, err)
	require.Equal(t, DefaultHopCount, hops)

	key := RelayKey(msg)
	require.NotEmpty(t, key)
	require.Equal(t, key, RelayKey(msg.Clone()), "copies share the key")

	again := New(TypeQueryRoute)
	TagBroadcast(again, "C2", 0)
	require.NotEqual(t, key, RelayKey(again))

	msg.SetNRSField(FieldIntelligent, "false")
	require.False(t, msg.IsBroadcast())
}

func TestRelayKey_WithoutBroadcastID(t *testing.T) {
	msg := New(TypeQueryRoute)
	require.Empty(t, RelayKey(msg))

	msg.SetNRSField(FieldSourceCID, "C1")
	msg.SetNRSInt(FieldMsgID, UnstampedID)
	require.Empty(t, RelayKey(msg), "unstamped messages have no key")

	msg.SetNRSInt(FieldMsgID, 12)
	require.Equal(t, "C1#12", RelayKey(msg))
}

func TestMessage_ClearResetsAux(t *testing.T) {
	original := New("QueryRoute")
	msg := New("ReplyRoute")
	msg.SetField("a", "1")
	msg.SetNRSField(FieldReplyMsgID, "5")
	msg.Aux().Direction = Inbound
	msg.Aux().Original = original
	msg.Aux().SendStatus = true

	msg.Clear()

	require.Empty(t, msg.Fields())
	require.Empty(t, msg.NRSFields())
	require.Equal(t, DirectionUnknown, msg.Aux().Direction)
	require.Nil(t, msg.Aux().Original)
	require.False(t, msg.Aux().SendStatus)
	require.Equal(t, "ReplyRoute", msg.Type())
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg := New("string")
	msg.SetField("value", "hello")
	msg.SetNRSField(FieldToVNID, "3")
	msg.Aux().Direction = Outbound

	cloned := msg.Clone()
	cloned.SetField("value", "changed")
	cloned.SetNRSField(FieldToVNID, "4")

	val, _ := msg.Field("value")
	require.Equal(t, "hello", val)
	vnid, _ := msg.NRSField(FieldToVNID)
	require.Equal(t, "3", vnid)
	require.Equal(t, DirectionUnknown, cloned.Aux().Direction, "aux is local and must not be copied")
}
