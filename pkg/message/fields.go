package message

// Reserved (NRS) namespace fields understood by the runtime. Payload
// fields live in the default namespace and are opaque to the core.
const (
	FieldRoute        = "route"
	FieldToVNID       = "toVNID"
	FieldReturnRoute  = "returnRoute"
	FieldReturnToVNID = "returnToVNID"
	FieldMsgID        = "msgID"
	FieldReplyMsgID   = "replyMsgID"
	FieldForwardRoute = "forwardRoute"
	FieldIntelligent  = "intelligent"
	FieldTargetVNName = "targetVNName"
	FieldTargetCID    = "targetCID"
	FieldHopCount     = "hopCount"
	FieldIsBroadcast  = "isBroadcast"
	FieldSourceCID    = "sourceCID"
	FieldBroadcastID  = "broadcastID"
)

// Message types handled by the runtime itself.
const (
	TypeQueryRoute = "QueryRoute"
	TypeReplyRoute = "ReplyRoute"
	TypeQueryCID   = "QueryCID"
	TypeReplyCID   = "ReplyCID"
	TypeQueryVNID  = "QueryVNID"
	TypeReplyVNID  = "ReplyVNID"
	TypeQueryCSL   = "QueryCSL"
	TypeReplyCSL   = "ReplyCSL"
	TypeCreateLink = "CreateLink"
	TypeDeleteLink = "DeleteLink"
)

// DefaultHopCount bounds how many components relay a broadcast.
const DefaultHopCount = 32

// NoID is the message ID meaning "do not cache".
const NoID = 0

// UnstampedID asks the outbound pipeline to allocate a fresh ID.
const UnstampedID = -1
