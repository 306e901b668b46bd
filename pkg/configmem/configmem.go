// Package configmem implements the Configuration Memory subprotocol
// layered on top of pkg/datagram: two-stage command dispatch (a
// subcommand byte, then for the address-in-byte-6 family a
// per-address-space callback), the singleton commands (Options,
// Get Address-Space Info, Reserve Lock, Get Unique ID, Freeze/Unfreeze,
// Update Complete, Reset, Factory Reset), and the fixed-layout ACDI
// manufacturer record.
//
// Grounded on the teacher's pkg/sdo (index/subindex two-stage dispatch
// into a per-entry callback from the Object Dictionary) for the
// "subcommand selects a family, then a second key selects the concrete
// handler" shape, adapted from SDO's fixed 16-bit index/8-bit subindex
// addressing to spec.md §4.8's subcommand-byte-plus-space-byte scheme.
package configmem

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/pkg/frame"
)

// Space is a configuration memory address space identifier, per
// spec.md §3.
type Space byte

const (
	SpaceCDI              Space = 0xFF
	SpaceAllComposite     Space = 0xFE
	SpaceConfig           Space = 0xFD
	SpaceACDIManufacturer Space = 0xFC
	SpaceACDIUser         Space = 0xFB
	SpaceFirmware         Space = 0xEF
	SpaceTractionDef      Space = 0xFA
	SpaceTractionConfig   Space = 0xF9
)

// Subcommand bases (body[1] with the low two bits masked off select
// the address-space-encoding variant: 0 = space carried in payload
// byte 6, 1/2/3 = shorthand for 0xFD/0xFE/0xFF).
const (
	cmdWriteBase          = 0x00
	cmdWriteUnderMaskBase = 0x08
	cmdWriteReplyOKBase   = 0x10
	cmdWriteReplyFailBase = 0x18
	cmdReadStreamBase     = 0x20
	cmdReadStreamOKBase   = 0x30
	cmdReadStreamFailBase = 0x38
	cmdReadBase           = 0x40
	cmdReadReplyOKBase    = 0x50
	cmdReadReplyFailBase  = 0x58

	cmdOptions        = 0x80
	cmdGetSpaceInfo   = 0x84
	cmdReserveLock    = 0x88
	cmdGetUniqueID    = 0x8C
	cmdUnfreeze       = 0xA0
	cmdFreeze         = 0xA1
	cmdUpdateComplete = 0xA8
	cmdReboot         = 0xA9
	cmdFactoryReset   = 0xAA
)

const variantMask = 0x03

// SpaceHandler is the application-supplied pair of callbacks for one
// address space. Read/Write are never called concurrently with
// themselves (the handler is driven from the single-threaded main
// loop, per spec.md §5).
type SpaceHandler struct {
	Space       Space
	ReadOnly    bool
	LowAddress  uint32
	HighAddress uint32

	// Read returns up to count bytes starting at addr. Whatever it
	// returns with ErrorNone is sent as the Read Reply OK data, so a
	// read cut short (e.g. at the end of a space) yields a shorter OK
	// reply; any other ErrorCode yields a Read Reply Fail carrying it.
	Read func(addr uint32, count int) ([]byte, lcc.ErrorCode)

	// Write stores data at addr and returns the number of bytes
	// actually written. Per spec.md §4.8, a return equal to
	// len(data) yields an OK reply; anything else yields a fail
	// reply carrying err.
	Write func(addr uint32, data []byte) (written int, err lcc.ErrorCode)
}

// Handler implements the Configuration Memory subprotocol for one
// local node. Register it against a [pkg/datagram.Handler] for command
// byte 0x20.
type Handler struct {
	logger  *log.Entry
	emitter *frame.Emitter

	spaces map[Space]*SpaceHandler

	// NodeUniqueID supplies the 6-byte id returned by Get Unique ID.
	NodeUniqueID lcc.NodeID

	lockHolder lcc.NodeID
	locked     bool

	FirmwareUpgradeActive bool

	OnFreeze       func(space Space)
	OnUnfreeze     func(space Space)
	OnReboot       func()
	OnFactoryReset func(requestedBy lcc.NodeID)
	OnWritten      func(space Space, addr uint32, n int)
}

// NewHandler creates a configuration memory handler emitting reply
// datagrams through e.
func NewHandler(e *frame.Emitter) *Handler {
	return &Handler{
		logger:  log.WithField("component", "configmem"),
		emitter: e,
		spaces:  make(map[Space]*SpaceHandler),
	}
}

// RegisterSpace binds sh as the callback pair for its address space.
func (h *Handler) RegisterSpace(sh *SpaceHandler) {
	h.spaces[sh.Space] = sh
}

// HandleDatagram is a [pkg/datagram.CommandHandler] for command byte
// 0x20. It returns the acknowledgment code for the datagram transport
// layer; any data-bearing reply (Read/Write OK or fail, Get
// Address-Space Info, Get Unique ID, ...) is sent separately as its
// own outgoing datagram through the emitter.
func (h *Handler) HandleDatagram(sourceAlias, destAlias lcc.Alias, body []byte) (lcc.ErrorCode, int) {
	if len(body) < 2 {
		return lcc.ErrorPermanentInvalidArguments, 0
	}
	subcmd := body[1]
	base := subcmd &^ variantMask
	variant := subcmd & variantMask

	switch base {
	case cmdReadBase:
		return h.handleRead(sourceAlias, destAlias, variant, body)
	case cmdWriteBase:
		return h.handleWrite(sourceAlias, destAlias, variant, body, false)
	case cmdWriteUnderMaskBase:
		return h.handleWrite(sourceAlias, destAlias, variant, body, true)
	case cmdReadStreamBase, cmdReadStreamOKBase, cmdReadStreamFailBase:
		return lcc.ErrorPermanentNotImplementedSubcommandUnknown, 0
	}

	switch subcmd {
	case cmdOptions:
		return h.handleOptions(destAlias, sourceAlias)
	case cmdGetSpaceInfo:
		return h.handleGetSpaceInfo(destAlias, sourceAlias, body)
	case cmdReserveLock:
		return h.handleReserveLock(destAlias, sourceAlias, body)
	case cmdGetUniqueID:
		return h.handleGetUniqueID(destAlias, sourceAlias)
	case cmdFreeze:
		return h.handleFreeze(destAlias, sourceAlias, body)
	case cmdUnfreeze:
		return h.handleUnfreeze(destAlias, sourceAlias, body)
	case cmdUpdateComplete:
		if h.OnReboot != nil {
			h.OnReboot()
		}
		return lcc.ErrorNone, 0
	case cmdReboot:
		if h.OnReboot != nil {
			h.OnReboot()
		}
		return lcc.ErrorNone, 0
	case cmdFactoryReset:
		if h.OnFactoryReset != nil {
			h.OnFactoryReset(nodeIDFromBody(body, 2))
		}
		return lcc.ErrorNone, 0
	}

	h.logger.WithField("subcommand", subcmd).Warn("unknown config-mem subcommand")
	return lcc.ErrorPermanentNotImplementedSubcommandUnknown, 0
}

// addrSpaceHeader parses the common [addr32][space?] prefix following
// the subcommand byte, returning the byte offset where the rest of the
// payload (count, data, mask+data, ...) begins.
func addrSpaceHeader(variant byte, body []byte) (addr uint32, space Space, rest int, ok bool) {
	if len(body) < 6 {
		return 0, 0, 0, false
	}
	addr = uint32(body[2])<<24 | uint32(body[3])<<16 | uint32(body[4])<<8 | uint32(body[5])
	switch variant {
	case 1:
		return addr, SpaceConfig, 6, true
	case 2:
		return addr, SpaceAllComposite, 6, true
	case 3:
		return addr, SpaceCDI, 6, true
	default:
		if len(body) < 7 {
			return 0, 0, 0, false
		}
		return addr, Space(body[6]), 7, true
	}
}

func (h *Handler) handleRead(source, dest lcc.Alias, variant byte, body []byte) (lcc.ErrorCode, int) {
	addr, space, rest, ok := addrSpaceHeader(variant, body)
	if !ok || rest >= len(body) {
		return lcc.ErrorPermanentInvalidArguments, 0
	}
	count := int(body[rest])

	sh := h.spaces[space]
	if sh == nil || sh.Read == nil {
		h.sendReadFail(dest, source, variant, addr, space, lcc.ErrorPermanentAddressSpaceUnknown)
		return lcc.ErrorNone, 0
	}
	data, code := sh.Read(addr, count)
	if code != lcc.ErrorNone {
		h.sendReadFail(dest, source, variant, addr, space, code)
		return lcc.ErrorNone, 0
	}
	h.sendReadOK(dest, source, variant, addr, space, data)
	return lcc.ErrorNone, 0
}

func (h *Handler) handleWrite(source, dest lcc.Alias, variant byte, body []byte, underMask bool) (lcc.ErrorCode, int) {
	addr, space, rest, ok := addrSpaceHeader(variant, body)
	if !ok {
		return lcc.ErrorPermanentInvalidArguments, 0
	}
	data := body[rest:]

	sh := h.spaces[space]
	if sh == nil || sh.Write == nil {
		h.sendWriteFail(dest, source, variant, addr, space, lcc.ErrorPermanentAddressSpaceUnknown)
		return lcc.ErrorNone, 0
	}
	if sh.ReadOnly {
		h.sendWriteFail(dest, source, variant, addr, space, lcc.ErrorPermanentInvalidArguments)
		return lcc.ErrorNone, 0
	}

	if underMask {
		if len(data)%2 != 0 {
			h.sendWriteFail(dest, source, variant, addr, space, lcc.ErrorPermanentInvalidArguments)
			return lcc.ErrorNone, 0
		}
		n := len(data) / 2
		mask, maskedData := data[:n], data[n:]
		if sh.Read == nil {
			h.sendWriteFail(dest, source, variant, addr, space, lcc.ErrorPermanentAddressSpaceUnknown)
			return lcc.ErrorNone, 0
		}
		current, code := sh.Read(addr, n)
		if code != lcc.ErrorNone {
			h.sendWriteFail(dest, source, variant, addr, space, code)
			return lcc.ErrorNone, 0
		}
		merged := make([]byte, n)
		for i := 0; i < n; i++ {
			merged[i] = (current[i] &^ mask[i]) | (maskedData[i] & mask[i])
		}
		data = merged
	}

	written, code := sh.Write(addr, data)
	if code != lcc.ErrorNone || written != len(data) {
		if code == lcc.ErrorNone {
			code = lcc.ErrorTemporaryTransferError
		}
		h.sendWriteFail(dest, source, variant, addr, space, code)
		return lcc.ErrorNone, 0
	}
	if h.OnWritten != nil {
		h.OnWritten(space, addr, written)
	}
	h.sendWriteOK(dest, source, variant, addr, space)
	return lcc.ErrorNone, 0
}

func replyVariantByte(base byte, variant byte, space Space) (subcmd byte, includeSpace bool) {
	if variant == 0 {
		return base, true
	}
	return base | variant, false
}

func (h *Handler) sendReadOK(source, dest lcc.Alias, variant byte, addr uint32, space Space, data []byte) {
	subcmd, includeSpace := replyVariantByte(cmdReadReplyOKBase, variant, space)
	payload := make([]byte, 0, 7+len(data))
	payload = append(payload, 0x20, subcmd)
	payload = appendAddr(payload, addr)
	if includeSpace {
		payload = append(payload, byte(space))
	}
	payload = append(payload, data...)
	h.emitter.EmitDatagram(source, dest, payload)
}

func (h *Handler) sendReadFail(source, dest lcc.Alias, variant byte, addr uint32, space Space, code lcc.ErrorCode) {
	subcmd, includeSpace := replyVariantByte(cmdReadReplyFailBase, variant, space)
	payload := make([]byte, 0, 9)
	payload = append(payload, 0x20, subcmd)
	payload = appendAddr(payload, addr)
	if includeSpace {
		payload = append(payload, byte(space))
	}
	payload = append(payload, byte(code>>8), byte(code))
	h.emitter.EmitDatagram(source, dest, payload)
}

func (h *Handler) sendWriteOK(source, dest lcc.Alias, variant byte, addr uint32, space Space) {
	subcmd, includeSpace := replyVariantByte(cmdWriteReplyOKBase, variant, space)
	payload := make([]byte, 0, 7)
	payload = append(payload, 0x20, subcmd)
	payload = appendAddr(payload, addr)
	if includeSpace {
		payload = append(payload, byte(space))
	}
	h.emitter.EmitDatagram(source, dest, payload)
}

func (h *Handler) sendWriteFail(source, dest lcc.Alias, variant byte, addr uint32, space Space, code lcc.ErrorCode) {
	subcmd, includeSpace := replyVariantByte(cmdWriteReplyFailBase, variant, space)
	payload := make([]byte, 0, 9)
	payload = append(payload, 0x20, subcmd)
	payload = appendAddr(payload, addr)
	if includeSpace {
		payload = append(payload, byte(space))
	}
	payload = append(payload, byte(code>>8), byte(code))
	h.emitter.EmitDatagram(source, dest, payload)
}

func appendAddr(payload []byte, addr uint32) []byte {
	return append(payload, byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}

// optionsAvailableCommands and optionsWriteLengths describe this
// implementation's capability bits for the Options reply: write-under-
// mask and unaligned writes are both supported; writes of 1, 2, 4, and
// 64 bytes are all accepted in one request.
const (
	optionsAvailableCommands = 0x03 // bit0: write-under-mask, bit1: unaligned writes
	optionsWriteLengths      = 0x0F // bit0:1B bit1:2B bit2:4B bit3:64B
)

func (h *Handler) handleOptions(source, dest lcc.Alias) (lcc.ErrorCode, int) {
	payload := []byte{0x20, cmdOptions | 0x02, optionsAvailableCommands, optionsWriteLengths, byte(SpaceCDI), byte(SpaceFirmware)}
	h.emitter.EmitDatagram(source, dest, payload)
	return lcc.ErrorNone, 0
}

func (h *Handler) handleGetSpaceInfo(source, dest lcc.Alias, body []byte) (lcc.ErrorCode, int) {
	if len(body) < 3 {
		return lcc.ErrorPermanentInvalidArguments, 0
	}
	space := Space(body[2])
	sh := h.spaces[space]
	if sh == nil {
		h.emitter.EmitDatagram(source, dest, []byte{0x20, cmdGetSpaceInfo | 0x03, byte(space)})
		return lcc.ErrorNone, 0
	}
	readOnly := byte(0)
	if sh.ReadOnly {
		readOnly = 1
	}
	payload := []byte{0x20, cmdGetSpaceInfo | 0x02, byte(space), readOnly}
	payload = appendAddr(payload, sh.HighAddress)
	payload = appendAddr(payload, sh.LowAddress)
	h.emitter.EmitDatagram(source, dest, payload)
	return lcc.ErrorNone, 0
}

func (h *Handler) handleReserveLock(source, dest lcc.Alias, body []byte) (lcc.ErrorCode, int) {
	requester := nodeIDFromBody(body, 2)
	result := byte(0) // granted
	switch {
	case requester == 0:
		h.locked = false
		h.lockHolder = 0
	case h.locked && h.lockHolder != requester:
		result = 1 // denied
	default:
		h.locked = true
		h.lockHolder = requester
	}
	h.emitter.EmitDatagram(source, dest, []byte{0x20, cmdReserveLock | 0x01, result})
	return lcc.ErrorNone, 0
}

func (h *Handler) handleGetUniqueID(source, dest lcc.Alias) (lcc.ErrorCode, int) {
	payload := make([]byte, 0, 8)
	payload = append(payload, 0x20, cmdGetUniqueID|0x01)
	payload = append(payload, nodeIDBytes(h.NodeUniqueID)...)
	h.emitter.EmitDatagram(source, dest, payload)
	return lcc.ErrorNone, 0
}

func (h *Handler) handleFreeze(source, dest lcc.Alias, body []byte) (lcc.ErrorCode, int) {
	if len(body) < 3 {
		return lcc.ErrorPermanentInvalidArguments, 0
	}
	space := Space(body[2])
	if space == SpaceFirmware {
		h.FirmwareUpgradeActive = true
		h.emitter.EmitMessage(lcc.MTIInitializationCompleteSimple, source, 0, nodeIDBytes(h.NodeUniqueID))
	}
	if h.OnFreeze != nil {
		h.OnFreeze(space)
	}
	return lcc.ErrorNone, 0
}

func (h *Handler) handleUnfreeze(source, dest lcc.Alias, body []byte) (lcc.ErrorCode, int) {
	if len(body) < 3 {
		return lcc.ErrorPermanentInvalidArguments, 0
	}
	space := Space(body[2])
	if space == SpaceFirmware {
		h.FirmwareUpgradeActive = false
	}
	if h.OnUnfreeze != nil {
		h.OnUnfreeze(space)
	}
	if h.OnReboot != nil {
		h.OnReboot()
	}
	return lcc.ErrorNone, 0
}

func nodeIDFromBody(body []byte, offset int) lcc.NodeID {
	if len(body) < offset+6 {
		return 0
	}
	var id uint64
	for i := 0; i < 6; i++ {
		id = id<<8 | uint64(body[offset+i])
	}
	return lcc.NodeID(id)
}

func nodeIDBytes(id lcc.NodeID) []byte {
	v := uint64(id)
	return []byte{
		byte(v >> 40), byte(v >> 32), byte(v >> 24),
		byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// ACDIManufacturer is the fixed-layout read-only record surfaced
// through address space 0xFC: a format version byte, a 2-byte
// hardware/software version pair, a 40-byte node name, and a 40-byte
// node description, all per spec.md's [SUPPLEMENT] from
// original_source's openlcb_node.h.
type ACDIManufacturer struct {
	Version         byte
	HardwareVersion byte
	SoftwareVersion byte
	NodeName        [40]byte
	NodeDescription [40]byte
}

// Bytes serializes the record into its 83-byte wire layout.
func (a *ACDIManufacturer) Bytes() []byte {
	buf := make([]byte, 0, 83)
	buf = append(buf, a.Version, a.HardwareVersion, a.SoftwareVersion)
	buf = append(buf, a.NodeName[:]...)
	buf = append(buf, a.NodeDescription[:]...)
	return buf
}

// NewACDIManufacturerSpace builds a [SpaceHandler] for 0xFC backed by
// a fixed, read-only [ACDIManufacturer] record.
func NewACDIManufacturerSpace(record *ACDIManufacturer) *SpaceHandler {
	data := record.Bytes()
	return &SpaceHandler{
		Space:       SpaceACDIManufacturer,
		ReadOnly:    true,
		LowAddress:  0,
		HighAddress: uint32(len(data)),
		Read: func(addr uint32, count int) ([]byte, lcc.ErrorCode) {
			if int(addr) >= len(data) {
				return nil, lcc.ErrorPermanentAddressOutOfRange
			}
			end := int(addr) + count
			if end > len(data) {
				end = len(data)
			}
			return data[addr:end], lcc.ErrorNone
		},
	}
}

// ACDIUser is the read/write record surfaced through address space
// 0xFB: a 64-byte user name followed by a 64-byte user description.
type ACDIUser struct {
	UserName        [64]byte
	UserDescription [64]byte
}

// NewACDIUserSpace builds a [SpaceHandler] for 0xFB backed by rec,
// mutated in place on Write.
func NewACDIUserSpace(rec *ACDIUser) *SpaceHandler {
	size := uint32(len(rec.UserName) + len(rec.UserDescription))
	return &SpaceHandler{
		Space:       SpaceACDIUser,
		LowAddress:  0,
		HighAddress: size,
		Read: func(addr uint32, count int) ([]byte, lcc.ErrorCode) {
			buf := append(append([]byte{}, rec.UserName[:]...), rec.UserDescription[:]...)
			if int(addr) >= len(buf) {
				return nil, lcc.ErrorPermanentAddressOutOfRange
			}
			end := int(addr) + count
			if end > len(buf) {
				end = len(buf)
			}
			return buf[addr:end], lcc.ErrorNone
		},
		Write: func(addr uint32, data []byte) (int, lcc.ErrorCode) {
			buf := append(append([]byte{}, rec.UserName[:]...), rec.UserDescription[:]...)
			if int(addr)+len(data) > len(buf) {
				return 0, lcc.ErrorPermanentAddressOutOfRange
			}
			copy(buf[addr:], data)
			copy(rec.UserName[:], buf[:len(rec.UserName)])
			copy(rec.UserDescription[:], buf[len(rec.UserName):])
			return len(data), lcc.ErrorNone
		},
	}
}
