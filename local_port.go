package nrs

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/nrs/pkg/message"
)

// LocalPort is one end of an in-process link between two components.
// Messages are cloned when they cross it.
type LocalPort struct {
	name  string
	addr  string
	peer  *LocalPort
	inbox chan *message.Message

	lk      sync.Mutex
	handler InboundHandler
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewLocalPair returns two connected ports. Each port is known by its
// address on the other end, the address is what routes through the
// peer port carry.
func NewLocalPair(nameA, addrA, nameB, addrB string, buffer uint) (*LocalPort, *LocalPort) {
	a := newLocalPort(nameA, addrA, buffer)
	b := newLocalPort(nameB, addrB, buffer)
	a.peer, b.peer = b, a
	return a, b
}

func newLocalPort(name, addr string, buffer uint) *LocalPort {
	return &LocalPort{
		name:    name,
		addr:    addr,
		inbox:   make(chan *message.Message, buffer),
		closeCh: make(chan struct{}),
	}
}

func (p *LocalPort) Name() string {
	return p.name
}

// Address is how the peer port knows this one.
func (p *LocalPort) Address() string {
	return p.addr
}

func (p *LocalPort) Open(h InboundHandler) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	if p.handler != nil {
		return fmt.Errorf("%w: %s is already open", ErrPortConflict, p.name)
	}
	p.handler = h
	p.wg.Add(1)
	go p.receive(h)
	return nil
}

func (p *LocalPort) receive(h InboundHandler) {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.inbox:
			h.HandleInbound(p.name, p.peer.addr, msg)
		case <-p.closeCh:
			return
		}
	}
}

func (p *LocalPort) Transmit(ctx context.Context, address string, msg *message.Message) error {
	if address != p.peer.addr {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	return p.send(ctx, msg)
}

func (p *LocalPort) Broadcast(ctx context.Context, msg *message.Message) error {
	return p.send(ctx, msg)
}

func (p *LocalPort) send(ctx context.Context, msg *message.Message) error {
	p.lk.Lock()
	closed := p.closed
	p.lk.Unlock()
	if closed {
		return ErrPortClosed
	}

	select {
	case p.peer.inbox <- msg.Clone():
		return nil
	case <-p.peer.closeCh:
		return ErrPortClosed
	case <-p.closeCh:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *LocalPort) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	p.lk.Unlock()

	p.wg.Wait()
	return nil
}
