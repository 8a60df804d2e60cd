package nrs

import (
	"context"
	"fmt"
	"strings"

	"github.com/raskyld/nrs/pkg/message"
)

// InboundHandler receives the messages arriving on a Port. from is the
// port-level address of the sender.
type InboundHandler interface {
	HandleInbound(port, from string, msg *message.Message)
}

// Port is the boundary between a Component and a transport.
//
// Transmit and Broadcast take ownership of msg.
type Port interface {
	// Name identifies the port in routes, it must not contain `/` nor `,`.
	Name() string

	// Open starts delivering inbound messages to h.
	Open(h InboundHandler) error

	// Transmit sends msg to the peer reachable at address.
	Transmit(ctx context.Context, address string, msg *message.Message) error

	// Broadcast sends msg to every peer of the port.
	Broadcast(ctx context.Context, msg *message.Message) error

	Close() error
}

// Membership is implemented by handlers which accept routes learned from
// the membership of a port.
type Membership interface {
	CID() string
	AddRoute(cid, route string)
	RemoveRoute(cid string)
}

// Hop is a step of a route: which port to use and the address of the next
// component on that port.
type Hop struct {
	Port    string
	Address string
}

func (h Hop) String() string {
	return h.Port + "/" + h.Address
}

// ParseHop parses `port/address`.
func ParseHop(raw string) (Hop, error) {
	port, addr, ok := strings.Cut(raw, "/")
	if !ok || port == "" || addr == "" {
		return Hop{}, fmt.Errorf("%w: %q", ErrInvalidRoute, raw)
	}
	return Hop{Port: port, Address: addr}, nil
}

// NextHop splits a route into its first hop and the rest of the route.
func NextHop(route string) (Hop, string, error) {
	first, rest, _ := strings.Cut(route, ",")
	hop, err := ParseHop(first)
	if err != nil {
		return Hop{}, "", err
	}
	return hop, rest, nil
}

// PrependHop returns the route going through hop then following route.
func PrependHop(route string, hop Hop) string {
	if route == "" {
		return hop.String()
	}
	return hop.String() + "," + route
}

func validPortName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/,")
}
