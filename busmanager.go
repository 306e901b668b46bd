package lcc

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// subscriber pairs a registration id with the callback to invoke, so a
// single selector can have many listeners and each can cancel on its own.
type subscriber struct {
	id       uint64
	callback FrameListener
}

// Selector picks which frames a subscriber is interested in. Its value
// is whatever the manager's keyOf function derives from a received
// frame, so unlike a typical CAN stack's array-indexed lookup table
// this is keyed by a narrower selector value rather than the raw
// 29-bit identifier.
type Selector uint32

// BusManager wraps a [Bus] and fans out received frames to registered
// listeners keyed by [Selector]. It is shared between the CAN driver's
// receive context and the core's main loop, so every access to its own
// state is guarded by mu.
type BusManager struct {
	logger *log.Entry
	mu     sync.Mutex
	bus    Bus
	keyOf  func(Frame) Selector
	byKey  map[Selector][]subscriber
	nextID uint64
}

// NewBusManager creates a manager bound to bus, using keyOf to compute
// each received frame's dispatch [Selector] (for example frame-type and
// MTI bits extracted from the identifier). bus may be
// nil and set later with SetBus (useful when the manager needs to exist
// before the driver is configured).
func NewBusManager(bus Bus, keyOf func(Frame) Selector) *BusManager {
	return &BusManager{
		bus:    bus,
		keyOf:  keyOf,
		logger: log.WithField("component", "busmanager"),
		byKey:  make(map[Selector][]subscriber),
	}
}

// Handle implements [FrameListener]. It is wired as the Bus's single
// subscriber and re-dispatches to this manager's own listeners based on
// keyOf(frame). It must not block -- listeners are expected to enqueue,
// not process, the frame.
func (bm *BusManager) Handle(frame Frame) {
	key := bm.keyOf(frame)

	bm.mu.Lock()
	listeners := append([]subscriber(nil), bm.byKey[key]...)
	bm.mu.Unlock()

	for _, sub := range listeners {
		sub.callback.Handle(frame)
	}
}

func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send transmits a frame on the underlying bus. Errors are logged but
// still returned -- callers decide whether to retry.
func (bm *BusManager) Send(frame Frame) error {
	bus := bm.Bus()
	if bus == nil {
		return ErrNoBus
	}
	err := bus.Send(frame)
	if err != nil {
		bm.logger.WithError(err).Warn("failed to send frame")
	}
	return err
}

// Subscribe registers callback for frames matching key. The returned
// cancel func removes the registration.
func (bm *BusManager) Subscribe(key Selector, callback FrameListener) (cancel func()) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nextID++
	id := bm.nextID
	bm.byKey[key] = append(bm.byKey[key], subscriber{id: id, callback: callback})

	return func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		subs := bm.byKey[key]
		for i, sub := range subs {
			if sub.id == id {
				bm.byKey[key] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}
