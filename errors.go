package lcc

import (
	"errors"
	"fmt"
)

// Package-level sentinel errors for conditions the core itself detects
// (as opposed to [ErrorCode], the 16-bit wire taxonomy reported to
// peers). These mirror the style of the teacher's sdo_common.go code
// table: a typed code plus a human explanation, but for internal Go
// error returns rather than wire values.
var (
	ErrNoBus            = errors.New("lcc: no bus configured")
	ErrBufferExhausted  = errors.New("lcc: buffer pool exhausted for class")
	ErrFIFOFull         = errors.New("lcc: fifo full")
	ErrNotAllocated     = errors.New("lcc: message not allocated")
	ErrIllegalArgument  = errors.New("lcc: illegal argument")
	ErrDoubleFree       = errors.New("lcc: double free of pooled message")
)

// ErrorCode is the 16-bit wire error code reported in a Datagram
// Rejected or Config-Mem read/write-fail reply. Bit 15 set means the
// sender may retry (temporary); clear means it must not (permanent).
// Grounded on the teacher's SDOAbortCode + SDO_ABORT_EXPLANATION_MAP
// pair in sdo_common.go, with values taken from spec.md §6/§7 instead of
// CiA 301's SDO abort codes.
type ErrorCode uint16

const (
	ErrorNone ErrorCode = 0x0000

	ErrorPermanentNotImplementedCommandUnknown    ErrorCode = 0x1000
	ErrorPermanentNotImplementedSubcommandUnknown ErrorCode = 0x1040
	ErrorPermanentInvalidArguments                ErrorCode = 0x1080
	ErrorPermanentAddressOutOfRange                ErrorCode = 0x1081
	ErrorPermanentAddressSpaceUnknown              ErrorCode = 0x1082
	ErrorPermanentBufferOverflow                   ErrorCode = 0x1084

	ErrorTemporaryBufferUnavailable ErrorCode = 0x8000 | 0x2000
	ErrorTemporaryTransferError     ErrorCode = 0x8000 | 0x2030
)

var errorCodeExplanation = map[ErrorCode]string{
	ErrorNone:                                      "no error",
	ErrorPermanentNotImplementedCommandUnknown:     "datagram command not implemented",
	ErrorPermanentNotImplementedSubcommandUnknown:  "config-mem subcommand not implemented",
	ErrorPermanentInvalidArguments:                 "invalid arguments",
	ErrorPermanentAddressOutOfRange:                "address out of range",
	ErrorPermanentAddressSpaceUnknown:              "address space unknown",
	ErrorPermanentBufferOverflow:                   "multi-frame reassembly overflowed destination buffer",
	ErrorTemporaryBufferUnavailable:                "no free buffer, retry later",
	ErrorTemporaryTransferError:                    "transfer error, retry later",
}

// Temporary reports whether the sender is expected to retry (bit 15 set).
func (e ErrorCode) Temporary() bool { return e&0x8000 != 0 }

// String implements fmt.Stringer for readable logs/test failures.
func (e ErrorCode) String() string {
	if s, ok := errorCodeExplanation[e]; ok {
		return fmt.Sprintf("0x%04X (%s)", uint16(e), s)
	}
	return fmt.Sprintf("0x%04X", uint16(e))
}
