// Package event implements the Event Transport subprotocol: answering
// Identify-Events by enumerating a node's producer/consumer lists (one
// reply per call, requesting reenumeration until exhausted), event
// range registration/lookup, and Producer/Consumer Event Report
// forwarding (with and without an inline payload).
//
// Grounded on the teacher's pkg/pdo (Process Data Objects): a PDO
// mapping is itself a fixed list of (index, subindex) entries
// transmitted on SYNC or on a triggering event, which plays the same
// role spec.md's producer/consumer event list plays here -- a node's
// static, build-time-registered announcements. The "emit one, signal
// for more" enumeration loop has no PDO analogue (CANopen emits an
// entire PDO mapping in one frame) and is instead grounded directly on
// spec.md §4.9 and §4.6's reenumerate mechanism.
package event

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/pkg/frame"
)

// Validity is a producer or consumer's reported state for one event,
// per spec.md §4.9's {Unknown, Set, Clear, Reserved} taxonomy.
type Validity uint8

const (
	Unknown Validity = iota
	Set
	Clear
	Reserved
)

func producerMTIFor(v Validity) lcc.MTI {
	switch v {
	case Set:
		return lcc.MTIProducerIdentifiedValid
	case Clear:
		return lcc.MTIProducerIdentifiedInvalid
	default:
		return lcc.MTIProducerIdentifiedUnknown
	}
}

func consumerMTIFor(v Validity) lcc.MTI {
	switch v {
	case Set:
		return lcc.MTIConsumerIdentifiedValid
	case Clear:
		return lcc.MTIConsumerIdentifiedInvalid
	default:
		return lcc.MTIConsumerIdentifiedUnknown
	}
}

// ValidityLookup reports the current validity of a single registered
// event, supplied by the application. A nil lookup is treated as
// always Unknown.
type ValidityLookup func(event lcc.EventID) Validity

// NodeView is the subset of a hosted node's state the event handler
// needs: its alias and its two static event lists. Satisfied by
// *node.Node without this package importing it, avoiding a dependency
// from the protocol-handler layer back onto the node table.
type NodeView interface {
	Alias() lcc.Alias
	ProducerEventCount() int
	ProducerEventAt(i int) lcc.EventID
	ConsumerEventCount() int
	ConsumerEventAt(i int) lcc.EventID
}

// Handler answers Identify-Events for one node and forwards event
// reports to the application.
type Handler struct {
	logger   *log.Entry
	emitter  *frame.Emitter
	node     NodeView

	producerValidity ValidityLookup
	consumerValidity ValidityLookup

	OnEventReport            func(event lcc.EventID)
	OnEventReportWithPayload func(event lcc.EventID, payload []byte)

	producerIdx int
	consumerIdx int
	active      bool

	PeerRanges *RangeTable
}

// NewHandler creates a handler for node, emitting through e.
func NewHandler(e *frame.Emitter, n NodeView, producerValidity, consumerValidity ValidityLookup) *Handler {
	return &Handler{
		logger:           log.WithField("component", "event"),
		emitter:          e,
		node:             n,
		producerValidity: producerValidity,
		consumerValidity: consumerValidity,
		PeerRanges:       NewRangeTable(),
	}
}

// StartIdentify begins enumerating this node's producer and then
// consumer event lists in response to an Identify-Events (global or
// addressed) message. Call Step repeatedly afterward until it reports
// no more work, per spec.md §4.6's reenumerate mechanism.
func (h *Handler) StartIdentify() {
	h.producerIdx = 0
	h.consumerIdx = 0
	h.active = true
}

// Step emits at most one Producer/Consumer Identified message and
// reports whether further calls are needed. It is a no-op, returning
// false, if StartIdentify was never called or enumeration is already
// exhausted. A transmit refusal leaves the cursor unchanged so the
// same event is retried on the next Step.
func (h *Handler) Step() bool {
	if !h.active {
		return false
	}
	if h.producerIdx < h.node.ProducerEventCount() {
		ev := h.node.ProducerEventAt(h.producerIdx)
		v := Unknown
		if h.producerValidity != nil {
			v = h.producerValidity(ev)
		}
		if !h.emitter.EmitMessage(producerMTIFor(v), h.node.Alias(), 0, eventPayload(ev)) {
			return true
		}
		h.producerIdx++
		return h.hasMore()
	}
	if h.consumerIdx < h.node.ConsumerEventCount() {
		ev := h.node.ConsumerEventAt(h.consumerIdx)
		v := Unknown
		if h.consumerValidity != nil {
			v = h.consumerValidity(ev)
		}
		if !h.emitter.EmitMessage(consumerMTIFor(v), h.node.Alias(), 0, eventPayload(ev)) {
			return true
		}
		h.consumerIdx++
		return h.hasMore()
	}
	h.active = false
	return false
}

func (h *Handler) hasMore() bool {
	return h.producerIdx < h.node.ProducerEventCount() || h.consumerIdx < h.node.ConsumerEventCount()
}

func eventPayload(ev lcc.EventID) []byte {
	var data [8]byte
	lcc.PutEventID(data[:], 0, ev)
	return data[:]
}

// HandleEventReport dispatches an incoming PCER to the application
// callback, if registered.
func (h *Handler) HandleEventReport(ev lcc.EventID) {
	if h.OnEventReport != nil {
		h.OnEventReport(ev)
	}
}

// HandleEventReportWithPayload dispatches an incoming PCER-with-payload
// to the application callback, if registered.
func (h *Handler) HandleEventReportWithPayload(ev lcc.EventID, payload []byte) {
	if h.OnEventReportWithPayload != nil {
		h.OnEventReportWithPayload(ev, payload)
	}
}

// EmitEventReport sends a bare Producer/Consumer Event Report for ev
// from source.
func EmitEventReport(e *frame.Emitter, source lcc.Alias, ev lcc.EventID) bool {
	return e.EmitMessage(lcc.MTIPCEREventReport, source, 0, eventPayload(ev))
}

// EmitEventReportWithPayload sends an Event Report carrying ev plus an
// inline application payload.
func EmitEventReportWithPayload(e *frame.Emitter, source lcc.Alias, ev lcc.EventID, payload []byte) bool {
	data := make([]byte, 0, 8+len(payload))
	data = append(data, eventPayload(ev)...)
	data = append(data, payload...)
	return e.EmitMessage(lcc.MTIPCEREventReportWithPayload, source, 0, data)
}

// EmitProducerIdentified/EmitConsumerIdentified send a single Identify
// reply outside of the Step() enumeration loop -- used e.g. by the
// Broadcast Time producer's query-reply sequence, rather than through
// a node's full event-list walk.
func EmitProducerIdentified(e *frame.Emitter, source lcc.Alias, ev lcc.EventID, v Validity) bool {
	return e.EmitMessage(producerMTIFor(v), source, 0, eventPayload(ev))
}

func EmitConsumerIdentified(e *frame.Emitter, source lcc.Alias, ev lcc.EventID, v Validity) bool {
	return e.EmitMessage(consumerMTIFor(v), source, 0, eventPayload(ev))
}
