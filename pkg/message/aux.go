package message

// Direction tells which pipeline a message is travelling through.
type Direction uint8

const (
	DirectionUnknown Direction = iota
	Inbound
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Receiver is anything a message can be delivered to. Pipeline stages,
// variables dispatchers and ports all end up behind this interface.
type Receiver interface {
	Deliver(msg *Message, sender Receiver)
}

// AuxInfo is the local, never transmitted, metadata attached to a
// Message.
type AuxInfo struct {
	// ReceivingPort and SendingPort are port names, empty when the
	// message did not cross a port.
	ReceivingPort string
	SendingPort   string

	// ReceivedFrom is the port-level address of the peer we received
	// the message from.
	ReceivedFrom string

	// SendStatus is set by the transmitter once a port accepted the
	// message.
	SendStatus bool

	Direction Direction

	// Original is the request this message replies to, attached by
	// reply correlation.
	Original *Message

	// TargetCID overrides the component the message is aimed at.
	TargetCID string

	// NextHop, when set, wins over the default destination of every
	// stage the message goes through.
	NextHop Receiver

	// CSL registries attached when replying to a schema query. They are
	// opaque to the runtime.
	UnitRegistry    any
	MessageRegistry any
	NodeRegistry    any
}

// Reset wipes every field.
func (a *AuxInfo) Reset() {
	*a = AuxInfo{}
}
