// Package socketcan adapts github.com/brutella/can's socketcan binding
// to this module's [lcc.Bus] interface. It is a thin translation layer
// only -- actual CAN transceiver behavior (bus-off recovery, TX-buffer
// probing, RX pause/resume) is out of this module's scope per spec.md
// §1 and lives entirely inside brutella/can / the kernel driver.
//
// Grounded on the teacher's root-level socketcan.go, which wraps the
// same library the same way (a brutella/can.Bus plus a translation of
// can.Frame <-> the core's own Frame type).
package socketcan

import (
	"github.com/brutella/can"

	"github.com/openlcb-go/lcc"
)

// Bus adapts a brutella/can socketcan connection to [lcc.Bus]. Only the
// 29-bit extended-identifier path is exercised; OpenLCB/LCC never uses
// standard 11-bit identifiers.
type Bus struct {
	bus      *can.Bus
	listener lcc.FrameListener
}

// New opens a socketcan interface by name (e.g. "can0").
func New(ifname string) (*Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, err
	}
	return &Bus{bus: bus}, nil
}

func (b *Bus) Connect(args ...any) error {
	go func() { _ = b.bus.ConnectAndPublish() }()
	return nil
}

func (b *Bus) Disconnect() error {
	return b.bus.Disconnect()
}

func (b *Bus) Send(frame lcc.Frame) error {
	out := can.Frame{ID: frame.ID, Length: frame.DLC, Flags: 0, Res0: 0, Res1: 0, Data: frame.Data}
	return b.bus.Publish(out)
}

func (b *Bus) Subscribe(listener lcc.FrameListener) error {
	b.listener = listener
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's frame-handler interface, translating
// its Frame into this module's [lcc.Frame] before forwarding.
func (b *Bus) Handle(frame can.Frame) {
	if b.listener == nil {
		return
	}
	b.listener.Handle(lcc.Frame{
		ID:   frame.ID & lcc.IdentifierMask,
		DLC:  frame.Length,
		Data: frame.Data,
	})
}
