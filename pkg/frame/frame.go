// Package frame implements the CAN Rx/Tx state machines: translating
// raw CAN frames into pooled OpenLCB message records and back,
// including the first/middle/last/only multi-frame encodings spec.md
// §4.5 describes for addressed messages, SNIP replies, and datagrams.
//
// Grounded on the teacher's pkg/sdo (segmented-transfer framing: a
// header byte carrying a continuation marker, reassembly into a
// growable buffer, completion detected structurally rather than by a
// length prefix) adapted from SDO's single client/server pair to this
// module's per-source-alias reassembly table, since many nodes can
// have messages in flight concurrently.
package frame

import (
	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/internal/pool"
)

// Multi-frame markers, the upper nibble of payload byte 0 on any frame
// that carries the addressed/datagram routing header.
const (
	MarkerOnly   = 0x0
	MarkerFirst  = 0x1
	MarkerMiddle = 0x2
	MarkerFinal  = 0x3
)

// snipTerminalNulls is the total null-byte count across a SNIP reply's
// payload (both the "1+4 string" and "1+2+2 string" format variants
// terminate with exactly six null bytes, per spec.md §4.5).
const snipTerminalNulls = 6

// packHeader builds the two-byte routing header addressed messages and
// every datagram frame carry: marker in the upper nibble of byte 0,
// the 12-bit destination alias split across the rest.
func packHeader(marker uint8, dest lcc.Alias) (b0, b1 byte) {
	b0 = marker<<4 | byte((dest>>8)&0x0F)
	b1 = byte(dest)
	return
}

func unpackHeader(b0, b1 byte) (marker uint8, dest lcc.Alias) {
	marker = b0 >> 4
	dest = lcc.Alias(uint16(b0&0x0F)<<8 | uint16(b1))
	return
}

// pending tracks one in-progress multi-frame reassembly, keyed by the
// sending node's alias (CAN guarantees frames from one source arrive
// in order, so one slot per source alias is sufficient).
type pending struct {
	msg *pool.Message
}

// Assembler converts incoming CAN frames into completed pooled message
// records. It never blocks: an allocation failure or a capacity
// overflow is reported back to the caller as an error to convert into
// a protocol-level reply, per spec.md §4.1/§4.5.
type Assembler struct {
	pool    *pool.Pool
	inMsg   map[lcc.Alias]*pending
	inDgram map[lcc.Alias]*pending
}

// NewAssembler creates a reassembler drawing records from p.
func NewAssembler(p *pool.Pool) *Assembler {
	return &Assembler{
		pool:    p,
		inMsg:   make(map[lcc.Alias]*pending),
		inDgram: make(map[lcc.Alias]*pending),
	}
}

// HandleFrame feeds one received CAN frame into the reassembler. It
// returns a completed message once the frame finishes one (nil
// otherwise), and a non-nil error only for conditions the caller must
// turn into a protocol error reply (buffer exhaustion, overflow).
// Control-frame and stream-frame categories are not handled here --
// pkg/alias and a future stream package own those.
func (a *Assembler) HandleFrame(f lcc.Frame) (*pool.Message, lcc.ErrorCode, error) {
	category, variant, alias := lcc.DecodeID(f.ID)
	switch category {
	case lcc.CategoryMessage:
		return a.handleMessage(alias, lcc.MTI(variant), f)
	case lcc.CategoryDatagram:
		return a.handleDatagram(alias, f)
	default:
		return nil, lcc.ErrorNone, nil
	}
}

func (a *Assembler) handleMessage(source lcc.Alias, mti lcc.MTI, f lcc.Frame) (*pool.Message, lcc.ErrorCode, error) {
	if !mti.IsAddressed() {
		m := a.pool.Allocate(pool.Basic)
		if m == nil {
			return nil, lcc.ErrorTemporaryBufferUnavailable, lcc.ErrBufferExhausted
		}
		m.SourceAlias = uint16(source)
		m.MTI = uint16(mti)
		m.Count = copy(m.Payload, f.Data[:f.DLC])
		return m, lcc.ErrorNone, nil
	}

	if f.DLC < 2 {
		return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
	}
	marker, dest := unpackHeader(f.Data[0], f.Data[1])
	data := f.Data[2:f.DLC]

	switch marker {
	case MarkerOnly:
		class := classifyMessage(mti)
		m := a.pool.Allocate(class)
		if m == nil {
			return nil, lcc.ErrorTemporaryBufferUnavailable, lcc.ErrBufferExhausted
		}
		m.SourceAlias = uint16(source)
		m.DestAlias = uint16(dest)
		m.MTI = uint16(mti)
		if err := appendPayload(m, data); err != nil {
			a.pool.Free(m)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		return m, lcc.ErrorNone, nil

	case MarkerFirst:
		class := classifyMessage(mti)
		m := a.pool.Allocate(class)
		if m == nil {
			return nil, lcc.ErrorTemporaryBufferUnavailable, lcc.ErrBufferExhausted
		}
		m.SourceAlias = uint16(source)
		m.DestAlias = uint16(dest)
		m.MTI = uint16(mti)
		if err := appendPayload(m, data); err != nil {
			a.pool.Free(m)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		a.inMsg[source] = &pending{msg: m}
		return nil, lcc.ErrorNone, nil

	case MarkerMiddle, MarkerFinal:
		p, ok := a.inMsg[source]
		if !ok {
			return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
		}
		if err := appendPayload(p.msg, data); err != nil {
			delete(a.inMsg, source)
			a.pool.Free(p.msg)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		if marker == MarkerMiddle && p.msg.Class != pool.SNIP {
			return nil, lcc.ErrorNone, nil
		}
		if marker == MarkerMiddle && !snipComplete(p.msg) {
			return nil, lcc.ErrorNone, nil
		}
		delete(a.inMsg, source)
		return p.msg, lcc.ErrorNone, nil
	}

	return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
}

// classifyMessage picks the pool class for an addressed, framed
// message. SNIP request/reply are the only addressed traffic in this
// module's scope that can span more than one frame; everything else
// addressed fits the BASIC class.
func classifyMessage(mti lcc.MTI) pool.Class {
	if mti == lcc.MTISNIPReply || mti == lcc.MTISNIPRequest {
		return pool.SNIP
	}
	return pool.Basic
}

// snipComplete reports whether the SNIP reply accumulated so far holds
// its required six null bytes in total, per spec.md §4.5 -- checked
// after every middle frame since nothing in the framing itself
// announces the last one for this class. The count is fixed at six;
// the reply's leading version byte is not consulted.
func snipComplete(m *pool.Message) bool {
	if m.Class != pool.SNIP {
		return false
	}
	nulls := 0
	for _, b := range m.Payload[:m.Count] {
		if b == 0 {
			nulls++
		}
	}
	return nulls >= snipTerminalNulls
}

func appendPayload(m *pool.Message, data []byte) error {
	if m.Count+len(data) > len(m.Payload) {
		return lcc.ErrBufferExhausted
	}
	copy(m.Payload[m.Count:], data)
	m.Count += len(data)
	return nil
}

func (a *Assembler) handleDatagram(source lcc.Alias, f lcc.Frame) (*pool.Message, lcc.ErrorCode, error) {
	if f.DLC < 2 {
		return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
	}
	marker, dest := unpackHeader(f.Data[0], f.Data[1])
	data := f.Data[2:f.DLC]

	switch marker {
	case MarkerOnly:
		m := a.pool.Allocate(pool.Datagram)
		if m == nil {
			return nil, lcc.ErrorTemporaryBufferUnavailable, lcc.ErrBufferExhausted
		}
		m.SourceAlias = uint16(source)
		m.DestAlias = uint16(dest)
		m.MTI = uint16(lcc.MTIDatagram)
		if err := appendPayload(m, data); err != nil {
			a.pool.Free(m)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		return m, lcc.ErrorNone, nil

	case MarkerFirst:
		m := a.pool.Allocate(pool.Datagram)
		if m == nil {
			return nil, lcc.ErrorTemporaryBufferUnavailable, lcc.ErrBufferExhausted
		}
		m.SourceAlias = uint16(source)
		m.DestAlias = uint16(dest)
		m.MTI = uint16(lcc.MTIDatagram)
		if err := appendPayload(m, data); err != nil {
			a.pool.Free(m)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		a.inDgram[source] = &pending{msg: m}
		return nil, lcc.ErrorNone, nil

	case MarkerMiddle:
		p, ok := a.inDgram[source]
		if !ok {
			return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
		}
		if err := appendPayload(p.msg, data); err != nil {
			delete(a.inDgram, source)
			a.pool.Free(p.msg)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		return nil, lcc.ErrorNone, nil

	case MarkerFinal:
		p, ok := a.inDgram[source]
		if !ok {
			return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
		}
		if err := appendPayload(p.msg, data); err != nil {
			delete(a.inDgram, source)
			a.pool.Free(p.msg)
			return nil, lcc.ErrorPermanentBufferOverflow, err
		}
		delete(a.inDgram, source)
		return p.msg, lcc.ErrorNone, nil
	}

	return nil, lcc.ErrorPermanentInvalidArguments, lcc.ErrIllegalArgument
}

// Emitter translates outgoing OpenLCB messages into one or more CAN
// frames, fragmenting as needed and respecting a non-blocking transmit
// callback that may refuse a frame when the host's CAN TX buffer is
// full.
type Emitter struct {
	transmit func(lcc.Frame) bool
}

// NewEmitter creates an emitter that sends frames through transmit.
func NewEmitter(transmit func(lcc.Frame) bool) *Emitter {
	return &Emitter{transmit: transmit}
}

// dataBytesPerHeaderedFrame is how many payload bytes fit in a frame
// that also carries the two-byte marker/dest-alias header.
const dataBytesPerHeaderedFrame = 6

// EmitMessage fragments an OpenLCB message addressed from source (with
// an optional dest/destAlias for addressed MTIs) into CAN frames and
// hands each to transmit in order. It returns false, without having
// sent a later frame, the moment transmit refuses one -- the caller
// must resume from the beginning on its next attempt, since there is
// no partial-progress bookkeeping here (matching spec.md §4.6's rule
// that an unsent outgoing message simply stays pending as a whole).
func (e *Emitter) EmitMessage(mti lcc.MTI, source lcc.Alias, dest lcc.Alias, payload []byte) bool {
	if !mti.IsAddressed() {
		var data [8]byte
		n := copy(data[:], payload)
		frame := lcc.Frame{ID: lcc.BuildID(lcc.CategoryMessage, uint16(mti), source), DLC: uint8(n), Data: data}
		return e.transmit(frame)
	}
	return e.emitHeadered(lcc.CategoryMessage, uint16(mti), source, dest, payload)
}

// EmitDatagram fragments a 0-72 byte datagram body into CAN frames
// addressed to dest, carried on the CategoryDatagram identifier.
func (e *Emitter) EmitDatagram(source lcc.Alias, dest lcc.Alias, payload []byte) bool {
	return e.emitHeadered(lcc.CategoryDatagram, 0, source, dest, payload)
}

func (e *Emitter) emitHeadered(category lcc.FrameCategory, variant uint16, source, dest lcc.Alias, payload []byte) bool {
	if len(payload) <= dataBytesPerHeaderedFrame {
		return e.sendHeaderedFrame(category, variant, source, dest, MarkerOnly, payload)
	}
	offset := 0
	for offset < len(payload) {
		remaining := payload[offset:]
		var marker uint8
		var chunk []byte
		switch {
		case offset == 0:
			marker = MarkerFirst
			chunk = remaining[:dataBytesPerHeaderedFrame]
		case len(remaining) <= dataBytesPerHeaderedFrame:
			marker = MarkerFinal
			chunk = remaining
		default:
			marker = MarkerMiddle
			chunk = remaining[:dataBytesPerHeaderedFrame]
		}
		if !e.sendHeaderedFrame(category, variant, source, dest, marker, chunk) {
			return false
		}
		offset += len(chunk)
	}
	return true
}

func (e *Emitter) sendHeaderedFrame(category lcc.FrameCategory, variant uint16, source, dest lcc.Alias, marker uint8, chunk []byte) bool {
	var data [8]byte
	data[0], data[1] = packHeader(marker, dest)
	n := copy(data[2:], chunk)
	frame := lcc.Frame{ID: lcc.BuildID(category, variant, source), DLC: uint8(2 + n), Data: data}
	return e.transmit(frame)
}
