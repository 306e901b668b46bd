// Package alias implements the CAN Login state machine: generating a
// candidate alias for a node's 48-bit id, defending it through the
// Check-ID / Reserve-ID exchange, announcing it with Alias Map
// Definition, and restarting from scratch if another node claims the
// same alias first.
//
// Grounded on the teacher's pkg/lss (the closest CANopen analogue --
// LSS's switch-state-selective handshake plays the same "propose,
// wait, confirm" role as Check-ID/Reserve-ID) for the Handle/Send
// shape, and pkg/nmt for the state-const-plus-String() style. Unlike
// both, this runs as a pure polling state machine with no goroutine
// and no channel: spec.md §5 forbids background threads beyond the
// two host-provided lock callbacks, so every state transition happens
// inside a call to Process driven by the host's tick loop.
package alias

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
)

// State is one step of the login sequence.
type State uint8

const (
	StateGenerateSeed State = iota
	StateGenerateAlias
	StateSendCID7
	StateSendCID6
	StateSendCID5
	StateSendCID4
	StateWait
	StateSendRID
	StateSendAMD
	StateSendInitComplete
	StateBroadcastProducerEvents
	StateBroadcastConsumerEvents
	StateRun
)

func (s State) String() string {
	switch s {
	case StateGenerateSeed:
		return "GenerateSeed"
	case StateGenerateAlias:
		return "GenerateAlias"
	case StateSendCID7:
		return "SendCID7"
	case StateSendCID6:
		return "SendCID6"
	case StateSendCID5:
		return "SendCID5"
	case StateSendCID4:
		return "SendCID4"
	case StateWait:
		return "Wait"
	case StateSendRID:
		return "SendRID"
	case StateSendAMD:
		return "SendAMD"
	case StateSendInitComplete:
		return "SendInitComplete"
	case StateBroadcastProducerEvents:
		return "BroadcastProducerEvents"
	case StateBroadcastConsumerEvents:
		return "BroadcastConsumerEvents"
	case StateRun:
		return "Run"
	default:
		return "Unknown"
	}
}

// lcgMultiplier, lcgIncrement and lcgMask are the Java/POSIX 48-bit
// linear congruential generator constants (java.util.Random), chosen
// because they are a real, well-known, publicly specified PRNG rather
// than an invented one -- spec.md only requires the generator be
// deterministic and produce a well-distributed 12-bit value, not that
// it match any particular algorithm.
const (
	lcgMultiplier = 0x5DEECE66D
	lcgIncrement  = 0xB
	lcgMask       = (uint64(1) << 48) - 1
)

// nextSeed advances the 48-bit LCG by one step.
func nextSeed(seed uint64) uint64 {
	return (seed*lcgMultiplier + lcgIncrement) & lcgMask
}

// foldAlias XORs the four 12-bit nibbles of a 48-bit seed into a
// single 12-bit candidate alias. Alias 0 is reserved (means "not
// logged in"); a fold that lands on 0 is nudged to 1 so callers never
// have to special-case it.
func foldAlias(seed uint64) lcc.Alias {
	a := uint16(seed & 0xFFF)
	b := uint16((seed >> 12) & 0xFFF)
	c := uint16((seed >> 24) & 0xFFF)
	d := uint16((seed >> 36) & 0xFFF)
	alias := a ^ b ^ c ^ d
	if alias == 0 {
		alias = 1
	}
	return lcc.Alias(alias)
}

// EventSource supplies the producer/consumer event identifiers a node
// announces once logged in, per spec.md's Event Transport broadcast
// states. Implemented by the node/event table, not by this package.
type EventSource interface {
	ProducerEventCount() int
	ProducerEventAt(i int) lcc.EventID
	ConsumerEventCount() int
	ConsumerEventAt(i int) lcc.EventID
}

// TransmitFunc sends a single CAN frame, returning false if the host's
// TX buffer is full. On false the state machine does not advance and
// retries the same frame on the next Process call, mirroring the
// non-blocking try_transmit pattern spec.md §5 requires throughout.
type TransmitFunc func(lcc.Frame) bool

// waitTicksRequired is how many Process calls must elapse in
// StateWait before moving on, at the host's assumed ~100ms tick
// granularity -- spec.md requires the Check-ID frames be visible on
// the bus for at least 200ms before a node may claim its alias.
const waitTicksRequired = 3

// Login drives one node's alias-claim handshake to completion and then
// sits in StateRun, re-arming itself whenever a conflict is detected.
type Login struct {
	logger    *log.Entry
	nodeID    lcc.NodeID
	transmit  TransmitFunc
	events    EventSource
	onAlias   func(alias lcc.Alias, id lcc.NodeID)
	onRestart func()

	seed  uint64
	alias lcc.Alias
	state State

	waitTicks   int
	producerIdx int
	consumerIdx int
}

// New creates a login handshake for nodeID. initialSeed should differ
// between nodes sharing a bus (e.g. derived from the node id itself)
// so they don't all draw the same alias candidate sequence.
func New(nodeID lcc.NodeID, initialSeed uint64, transmit TransmitFunc, events EventSource) *Login {
	return &Login{
		logger:   log.WithField("component", "alias"),
		nodeID:   nodeID,
		transmit: transmit,
		events:   events,
		seed:     initialSeed,
		state:    StateGenerateSeed,
	}
}

// OnAliasAssigned registers a callback invoked once, the moment this
// node's alias becomes final (after AMD is sent).
func (l *Login) OnAliasAssigned(fn func(alias lcc.Alias, id lcc.NodeID)) {
	l.onAlias = fn
}

// OnRestart registers a callback invoked every time a conflict forces
// the handshake back to StateGenerateSeed, so callers can log or count
// retries.
func (l *Login) OnRestart(fn func()) {
	l.onRestart = fn
}

// Alias returns the node's current alias. It is only authoritative
// once State() == StateRun; before that it is a candidate still being
// defended.
func (l *Login) Alias() lcc.Alias { return l.alias }

// State returns the current step of the handshake.
func (l *Login) State() State { return l.state }

// LoggedIn reports whether the handshake has completed and the node
// is operating normally.
func (l *Login) LoggedIn() bool { return l.state == StateRun }

// NoteForeignFrame must be called for every received frame's source
// alias. If it collides with ours, the handshake restarts (if still
// logging in) or the alias is relinquished and re-claimed from scratch
// (if already running), per spec.md's alias-conflict-after-login rule.
func (l *Login) NoteForeignFrame(foreign lcc.Alias) {
	if foreign == 0 || foreign != l.alias {
		return
	}
	if l.state == StateGenerateSeed || l.state == StateGenerateAlias {
		return
	}
	l.logger.WithField("alias", l.alias).Warn("alias conflict detected, restarting login")
	l.restart()
}

func (l *Login) restart() {
	if l.state == StateRun {
		l.sendNodeIDFrame(lcc.ControlAMR)
	}
	l.alias = 0
	l.waitTicks = 0
	l.producerIdx = 0
	l.consumerIdx = 0
	l.state = StateGenerateSeed
	if l.onRestart != nil {
		l.onRestart()
	}
}

// Process runs one non-blocking step of the handshake. It should be
// called every time the host's main loop ticks; most states complete
// in a single call, but a busy TX path or the 200ms defend window can
// stretch a step across many calls.
func (l *Login) Process() {
	switch l.state {
	case StateGenerateSeed:
		l.seed = nextSeed(l.seed)
		l.state = StateGenerateAlias

	case StateGenerateAlias:
		l.alias = foldAlias(l.seed)
		l.state = StateSendCID7

	case StateSendCID7:
		l.sendCID(lcc.CategoryCID7)

	case StateSendCID6:
		l.sendCID(lcc.CategoryCID6)

	case StateSendCID5:
		l.sendCID(lcc.CategoryCID5)

	case StateSendCID4:
		l.sendCID(lcc.CategoryCID4)

	case StateWait:
		l.waitTicks++
		if l.waitTicks >= waitTicksRequired {
			l.state = StateSendRID
		}

	case StateSendRID:
		id := lcc.BuildID(lcc.CategoryControl, uint16(lcc.ControlRID), l.alias)
		if l.transmit(lcc.NewFrame(id, 0)) {
			l.state = StateSendAMD
		}

	case StateSendAMD:
		if l.sendNodeIDFrame(lcc.ControlAMD) {
			if l.onAlias != nil {
				l.onAlias(l.alias, l.nodeID)
			}
			l.state = StateSendInitComplete
		}

	case StateSendInitComplete:
		if l.sendInitializationComplete() {
			l.state = StateBroadcastProducerEvents
		}

	case StateBroadcastProducerEvents:
		l.broadcastProducerEvents()

	case StateBroadcastConsumerEvents:
		l.broadcastConsumerEvents()

	case StateRun:
		// Steady state; NoteForeignFrame drives any re-entry.
	}
}

func (l *Login) sendCID(category lcc.FrameCategory) {
	variant := lcc.NodeIDSlice(l.nodeID, category)
	id := lcc.BuildID(category, variant, l.alias)
	if !l.transmit(lcc.NewFrame(id, 0)) {
		return
	}
	switch category {
	case lcc.CategoryCID7:
		l.state = StateSendCID6
	case lcc.CategoryCID6:
		l.state = StateSendCID5
	case lcc.CategoryCID5:
		l.state = StateSendCID4
	case lcc.CategoryCID4:
		l.state = StateWait
	}
}

func (l *Login) sendNodeIDFrame(code lcc.ControlCode) bool {
	id := lcc.BuildID(lcc.CategoryControl, uint16(code), l.alias)
	frame := lcc.NewFrame(id, 6)
	lcc.PutNodeID(frame.Data[:], 0, l.nodeID)
	return l.transmit(frame)
}

// sendInitializationComplete emits the Initialization Complete global
// message announcing this node's full id to the rest of the bus now
// that its alias is final.
func (l *Login) sendInitializationComplete() bool {
	id := lcc.BuildID(lcc.CategoryMessage, uint16(lcc.MTIInitializationCompleteSimple), l.alias)
	frame := lcc.NewFrame(id, 6)
	lcc.PutNodeID(frame.Data[:], 0, l.nodeID)
	return l.transmit(frame)
}

func (l *Login) broadcastProducerEvents() {
	if l.events == nil || l.producerIdx >= l.events.ProducerEventCount() {
		l.state = StateBroadcastConsumerEvents
		return
	}
	event := l.events.ProducerEventAt(l.producerIdx)
	if l.sendEventIdentified(lcc.MTIProducerIdentifiedUnknown, event) {
		l.producerIdx++
	}
}

func (l *Login) broadcastConsumerEvents() {
	if l.events == nil || l.consumerIdx >= l.events.ConsumerEventCount() {
		l.state = StateRun
		return
	}
	event := l.events.ConsumerEventAt(l.consumerIdx)
	if l.sendEventIdentified(lcc.MTIConsumerIdentifiedUnknown, event) {
		l.consumerIdx++
	}
}

func (l *Login) sendEventIdentified(mti lcc.MTI, event lcc.EventID) bool {
	id := lcc.BuildID(lcc.CategoryMessage, uint16(mti), l.alias)
	frame := lcc.NewFrame(id, 8)
	lcc.PutEventID(frame.Data[:], 0, event)
	return l.transmit(frame)
}
