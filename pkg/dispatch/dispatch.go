// Package dispatch implements the Main Message State Machine: a
// one-shot ProcessMain cycle the host calls every tick, which performs
// exactly one of, in strict priority order, (a) resume a multi-message
// reply sequence a handler started, (b) pop the next incoming message
// off the shared FIFO, or (c) advance that message's enumeration by one
// local node, dispatching by MTI when the node should see it.
//
// Grounded on the teacher's pkg/node/local.go LocalNode.ProcessMain
// (kept verbatim in spirit: a single per-cycle entry point the host's
// main loop calls, propagating state across objects that don't block)
// and pkg/network/network.go's controller/command routing for the
// MTI-keyed dispatch shape, generalized from CANopen's fixed NMT/SDO/PDO
// object set to this module's pluggable per-node protocol handlers.
package dispatch

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/internal/pool"
	"github.com/openlcb-go/lcc/pkg/datagram"
	"github.com/openlcb-go/lcc/pkg/event"
	"github.com/openlcb-go/lcc/pkg/fifo"
	"github.com/openlcb-go/lcc/pkg/frame"
	"github.com/openlcb-go/lcc/pkg/node"
)

// mainCursorKey is the node.Table enumeration key this dispatcher
// reserves for its own per-message node walk. Other consumers of
// Table.GetFirst/GetNext (e.g. a future gateway's own sweep) use their
// own key byte so the cursors don't collide.
const mainCursorKey = 0xFE

// Bindings groups one node's optional protocol handlers. Every field is
// a nil-able slot: a nil optional handler for an MTI addressed to this
// node causes the dispatcher to reply Optional Interaction Rejected,
// per spec.md §4.6. The required handlers (Initialization Complete,
// Verify/Verified Node ID, Protocol Support Inquiry/Reply) are built
// into the dispatcher itself and need no binding; OnOptionalInteractionRejected,
// OnTerminateDueToError and OnProtocolSupportReply are purely
// informational hooks for those required MTIs, not gates.
type Bindings struct {
	Events   *event.Handler
	Datagram *datagram.Handler

	OnOptionalInteractionRejected func(peer lcc.Alias, rejectedMTI []byte)
	OnTerminateDueToError         func(peer lcc.Alias, payload []byte)
	OnProtocolSupportReply        func(peer lcc.Alias, payload []byte)

	OnSNIPRequest func(peer lcc.Alias)
	OnSNIPReply   func(peer lcc.Alias, payload []byte)

	OnProducerIdentified      func(peer lcc.Alias, ev lcc.EventID, mti lcc.MTI)
	OnConsumerIdentified      func(peer lcc.Alias, ev lcc.EventID, mti lcc.MTI)
	OnProducerRangeIdentified func(peer lcc.Alias, ev lcc.EventID)
	OnConsumerRangeIdentified func(peer lcc.Alias, ev lcc.EventID)

	OnStream func(mti lcc.MTI, peer lcc.Alias, payload []byte)

	// OnEventConsumed runs after every delivered Event Report / Event
	// Report With Payload, once Events.HandleEventReport(WithPayload)
	// has already been called. If it returns a non-nil step func, the
	// dispatcher adopts it as the active multi-message sequence (see
	// pkg/bctime's Producer.Step, started from a Query event), so a
	// clock's six-message reply shares the same one-sequence-at-a-time
	// priority slot as Identify-Events instead of running unbounded.
	OnEventConsumed func(ev lcc.EventID) (step func() bool)
}

// Dispatcher is the shared Main Message State Machine serving every
// node this process hosts.
type Dispatcher struct {
	logger   *log.Entry
	table    *node.Table
	incoming *fifo.Queue
	pool     *pool.Pool
	emitter  *frame.Emitter

	bindings map[*node.Node]*Bindings

	current   *pool.Message
	firstNode bool

	activeStep func() bool
}

// New creates a dispatcher popping from incoming, enumerating nodes in
// table, freeing spent messages back to p, and sending replies through
// e.
func New(table *node.Table, incoming *fifo.Queue, p *pool.Pool, e *frame.Emitter) *Dispatcher {
	return &Dispatcher{
		logger:   log.WithField("component", "dispatch"),
		table:    table,
		incoming: incoming,
		pool:     p,
		emitter:  e,
		bindings: make(map[*node.Node]*Bindings),
	}
}

// Bind registers n's optional protocol handlers. Passing a nil
// *Bindings clears any previous registration (every optional MTI
// addressed to n then draws Optional Interaction Rejected).
func (d *Dispatcher) Bind(n *node.Node, b *Bindings) {
	if b == nil {
		delete(d.bindings, n)
		return
	}
	d.bindings[n] = b
}

// ProcessMain runs exactly one step of the main cycle and reports
// whether it did anything. Call it every host tick; it never blocks.
func (d *Dispatcher) ProcessMain() bool {
	// (a)/(b): resume a handler's multi-message reply sequence. This
	// also covers "retry the pending outgoing message" -- every Step
	// implementation in this module already returns true/false using
	// exactly that convention (false only once it has both sent its
	// last message and has nothing further queued).
	if d.activeStep != nil {
		if !d.activeStep() {
			d.activeStep = nil
		}
		return true
	}

	// (c): pop the next incoming message and prepare to enumerate nodes
	// against it.
	if d.current == nil {
		d.current = d.incoming.Pop()
		if d.current == nil {
			return false
		}
		d.firstNode = true
		return true
	}

	// (d): advance node enumeration by exactly one node.
	var n *node.Node
	if d.firstNode {
		n = d.table.GetFirst(mainCursorKey)
		d.firstNode = false
	} else {
		n = d.table.GetNext(mainCursorKey)
	}
	if n == nil {
		d.pool.Free(d.current)
		d.current = nil
		return true
	}

	if d.doesNodeProcessMsg(n, d.current) {
		d.dispatchMTI(n, d.current)
	}
	return true
}

// doesNodeProcessMsg implements spec.md §4.6's does_node_process_msg:
// the node must be initialized, and the message must be either global,
// addressed to this node (by alias or by id), or Verify-Node-ID-Global
// (which every node processes regardless of addressing).
func (d *Dispatcher) doesNodeProcessMsg(n *node.Node, m *pool.Message) bool {
	if !n.State().Initialized {
		return false
	}
	if m.Class == pool.Datagram {
		return n.IsAddressedTo(lcc.Alias(m.DestAlias), lcc.NodeID(m.DestID))
	}
	mti := lcc.MTI(m.MTI)
	global := !mti.IsAddressed()
	addressedToUs := mti.IsAddressed() && n.IsAddressedTo(lcc.Alias(m.DestAlias), lcc.NodeID(m.DestID))
	mustProcess := mti == lcc.MTIVerifyNodeIDGlobal
	return global || addressedToUs || mustProcess
}

func (d *Dispatcher) dispatchMTI(n *node.Node, m *pool.Message) {
	src := lcc.Alias(m.SourceAlias)
	payload := m.Payload[:m.Count]
	b := d.bindings[n]

	if m.Class == pool.Datagram {
		if b != nil && b.Datagram != nil {
			b.Datagram.HandleIncoming(src, n.Alias(), payload)
		} else {
			d.rejectOptional(n, src, lcc.MTIDatagram)
		}
		return
	}

	mti := lcc.MTI(m.MTI)
	switch mti {
	case lcc.MTIInitializationCompleteSimple, lcc.MTIInitializationCompleteFull:
		d.handleInitializationComplete(src, payload)

	case lcc.MTIVerifyNodeIDGlobal, lcc.MTIVerifyNodeIDAddressed:
		d.handleVerifyNodeID(n)

	case lcc.MTIVerifiedNodeIDSimple, lcc.MTIVerifiedNodeIDFull:
		d.handleInitializationComplete(src, payload) // same bookkeeping: record peer id/alias

	case lcc.MTIOptionalInteractionRejected:
		if b != nil && b.OnOptionalInteractionRejected != nil {
			b.OnOptionalInteractionRejected(src, payload)
		}

	case lcc.MTITerminateDueToError:
		if b != nil && b.OnTerminateDueToError != nil {
			b.OnTerminateDueToError(src, payload)
		}

	case lcc.MTIProtocolSupportInquiry:
		d.handleProtocolSupportInquiry(n, src)

	case lcc.MTIProtocolSupportReply:
		if b != nil && b.OnProtocolSupportReply != nil {
			b.OnProtocolSupportReply(src, payload)
		}

	case lcc.MTISNIPRequest:
		if b != nil && b.OnSNIPRequest != nil {
			b.OnSNIPRequest(src)
		} else {
			d.rejectOptional(n, src, mti)
		}

	case lcc.MTISNIPReply:
		if b != nil && b.OnSNIPReply != nil {
			b.OnSNIPReply(src, payload)
		} else {
			d.rejectOptional(n, src, mti)
		}

	case lcc.MTIEventsIdentifyDest, lcc.MTIEventsIdentifyGlobal:
		if b != nil && b.Events != nil {
			b.Events.StartIdentify()
			d.activeStep = b.Events.Step
		} else {
			d.rejectOptional(n, src, mti)
		}

	case lcc.MTIPCEREventReport:
		if b != nil && b.Events != nil {
			ev := lcc.EventIDAt(payload, 0)
			b.Events.HandleEventReport(ev)
			if b.OnEventConsumed != nil && d.activeStep == nil {
				if step := b.OnEventConsumed(ev); step != nil {
					d.activeStep = step
				}
			}
		} else {
			d.rejectOptional(n, src, mti)
		}

	case lcc.MTIPCEREventReportWithPayload:
		if b != nil && b.Events != nil && len(payload) >= 8 {
			ev := lcc.EventIDAt(payload, 0)
			b.Events.HandleEventReportWithPayload(ev, payload[8:])
			if b.OnEventConsumed != nil && d.activeStep == nil {
				if step := b.OnEventConsumed(ev); step != nil {
					d.activeStep = step
				}
			}
		} else {
			d.rejectOptional(n, src, mti)
		}

	case lcc.MTIProducerIdentifiedValid, lcc.MTIProducerIdentifiedInvalid, lcc.MTIProducerIdentifiedUnknown:
		if b != nil && b.OnProducerIdentified != nil {
			b.OnProducerIdentified(src, lcc.EventIDAt(payload, 0), mti)
		}

	case lcc.MTIConsumerIdentifiedValid, lcc.MTIConsumerIdentifiedInvalid, lcc.MTIConsumerIdentifiedUnknown:
		if b != nil && b.OnConsumerIdentified != nil {
			b.OnConsumerIdentified(src, lcc.EventIDAt(payload, 0), mti)
		}

	case lcc.MTIProducerRangeIdentified:
		if b != nil && b.OnProducerRangeIdentified != nil {
			b.OnProducerRangeIdentified(src, lcc.EventIDAt(payload, 0))
		}

	case lcc.MTIConsumerRangeIdentified:
		if b != nil && b.OnConsumerRangeIdentified != nil {
			b.OnConsumerRangeIdentified(src, lcc.EventIDAt(payload, 0))
		}

	case lcc.MTIStreamInitRequest, lcc.MTIStreamInitReply, lcc.MTIStreamSend, lcc.MTIStreamProceed, lcc.MTIStreamComplete:
		if b != nil && b.OnStream != nil {
			b.OnStream(mti, src, payload)
		} else {
			d.rejectOptional(n, src, mti)
		}

	default:
		d.rejectOptional(n, src, mti)
	}
}

// rejectOptional sends Optional Interaction Rejected carrying the
// triggering MTI, but only when that MTI was itself addressed --
// global traffic with no subscriber is simply dropped, never rejected.
func (d *Dispatcher) rejectOptional(n *node.Node, peer lcc.Alias, mti lcc.MTI) {
	if !mti.IsAddressed() {
		return
	}
	var payload [2]byte
	lcc.PutWord(payload[:], 0, uint16(mti))
	d.emitter.EmitMessage(lcc.MTIOptionalInteractionRejected, n.Alias(), peer, payload[:])
}

// handleInitializationComplete and Verified Node ID share the same
// bookkeeping: both carry a peer's 48-bit id from a known source
// alias, recorded into the shared mapping cache so outgoing messages
// can later resolve that id back to an alias.
func (d *Dispatcher) handleInitializationComplete(src lcc.Alias, payload []byte) {
	if len(payload) < 6 {
		return
	}
	id := lcc.NodeIDAt(payload, 0)
	d.table.Mapping().Insert(id, src)
}

// handleVerifyNodeID always answers with this node's own Verified Node
// ID, broadcast globally per the real protocol's convention (the reply
// is not itself addressed back to the requester).
func (d *Dispatcher) handleVerifyNodeID(n *node.Node) {
	var payload [6]byte
	lcc.PutNodeID(payload[:], 0, n.ID())
	d.emitter.EmitMessage(lcc.MTIVerifiedNodeIDSimple, n.Alias(), 0, payload[:])
}

// handleProtocolSupportInquiry answers with this node's protocol
// support bitfield, packed as the conventional 48-bit/6-byte field.
func (d *Dispatcher) handleProtocolSupportInquiry(n *node.Node, peer lcc.Alias) {
	var payload [6]byte
	v := n.Parameters().ProtocolSupport
	for i := 0; i < 6; i++ {
		payload[i] = byte(v >> (40 - 8*i))
	}
	d.emitter.EmitMessage(lcc.MTIProtocolSupportReply, n.Alias(), peer, payload[:])
}
