package nrs

import (
	"net"

	"github.com/quic-go/quic-go"
)

// streamWrapper makes a quic.Stream usable as the net.Conn memberlist
// expects.
type streamWrapper struct {
	mode       streamMode
	localAddr  net.Addr
	remoteAddr net.Addr

	// quic-go serialises Read, Write and Close internally.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		gs.Close()
	}
}
