// Package virtual implements an in-process loopback [lcc.Bus], used to
// exercise the full stack (multiple nodes, the alias-claim handshake,
// datagram exchanges) in tests without a real CAN adapter.
//
// Grounded on the teacher's pkg/can/virtual, which plays the same role
// for gocanopen's test suite but talks to an external TCP broker process;
// this adaptation drops the network transport and fans frames out
// directly between Buses registered on the same [Network], since this
// module's tests never need to cross a process boundary.
package virtual

import (
	"sync"

	"github.com/openlcb-go/lcc"
)

// Network is a shared medium that every [Bus] connected to it publishes
// onto and receives from, modeling a single CAN segment in memory.
type Network struct {
	mu    sync.Mutex
	buses []*Bus
}

// NewNetwork creates an empty virtual CAN segment.
func NewNetwork() *Network {
	return &Network{}
}

func (n *Network) attach(b *Bus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buses = append(n.buses, b)
}

func (n *Network) publish(from *Bus, frame lcc.Frame) {
	n.mu.Lock()
	buses := append([]*Bus(nil), n.buses...)
	n.mu.Unlock()

	for _, b := range buses {
		if b == from && !b.receiveOwn {
			continue
		}
		b.deliver(frame)
	}
}

// Bus is one node's connection onto a [Network].
type Bus struct {
	net         *Network
	mu          sync.Mutex
	listener    lcc.FrameListener
	receiveOwn  bool
	connected   bool
}

// New creates a bus attached to net. Frames sent on this bus are
// delivered to every other bus on the same network (and back to this
// one too, if SetReceiveOwn(true) was called) -- mirroring how a real
// CAN segment echoes every transmitter's own frames back to it.
func New(net *Network) *Bus {
	b := &Bus{net: net}
	net.attach(b)
	return b
}

// SetReceiveOwn controls whether frames this bus sends are also
// delivered back to its own listener, matching a real CAN controller
// in loopback/monitor mode.
func (b *Bus) SetReceiveOwn(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = v
}

func (b *Bus) Connect(args ...any) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *Bus) Send(frame lcc.Frame) error {
	b.net.publish(b, frame)
	return nil
}

func (b *Bus) Subscribe(listener lcc.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) deliver(frame lcc.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}
