// Package datagram implements the Datagram subprotocol's
// acknowledgment layer: routing a received datagram body by its
// command byte, replying with Datagram Received OK (carrying a
// reply-pending timeout exponent) or Datagram Rejected (carrying a
// 16-bit error code), and the sender-side bookkeeping that retries or
// frees a previously-sent datagram once its ack arrives.
//
// Grounded on the teacher's pkg/sdo/server.go for the
// request-dispatch-then-reply shape (a command byte selects a handler,
// the handler's outcome becomes a reply frame built from a small
// header-plus-code template) adapted from SDO's 32-bit abort codes and
// index/subindex addressing to spec.md §4.7's command-byte routing and
// 16-bit temporary/permanent error taxonomy.
package datagram

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/internal/pool"
	"github.com/openlcb-go/lcc/pkg/frame"
)

// CommandHandler processes one datagram body already routed by its
// command byte (body[0]). It returns ErrorNone to accept (an OK ack is
// sent, with pendingSeconds advertised as the reply-pending timeout),
// or any other [lcc.ErrorCode] to reject. A handler that itself needs
// to send a data-bearing reply (e.g. Config-Mem's Read Reply OK) does
// so as a separate outgoing datagram through the same emitter -- that
// reply is independent of this acknowledgment.
type CommandHandler func(sourceAlias, destAlias lcc.Alias, body []byte) (code lcc.ErrorCode, pendingSeconds int)

// Handler is the receive-side of the datagram subprotocol for one
// local node: command-byte routing plus OK/Rejected acknowledgment.
type Handler struct {
	logger   *log.Entry
	emitter  *frame.Emitter
	handlers map[byte]CommandHandler
}

// NewHandler creates a datagram handler emitting acks through e.
func NewHandler(e *frame.Emitter) *Handler {
	return &Handler{
		logger:   log.WithField("component", "datagram"),
		emitter:  e,
		handlers: make(map[byte]CommandHandler),
	}
}

// Register binds fn to handle datagrams whose body[0] == cmd.
func (h *Handler) Register(cmd byte, fn CommandHandler) {
	h.handlers[cmd] = fn
}

// HandleIncoming routes a completed datagram message (source/dest
// aliases plus body) to the registered command handler and sends the
// resulting acknowledgment. It returns the [lcc.ErrorCode] that was
// acknowledged (ErrorNone on success) for the caller's own bookkeeping
// or logging.
func (h *Handler) HandleIncoming(sourceAlias, destAlias lcc.Alias, body []byte) lcc.ErrorCode {
	if len(body) == 0 {
		h.sendRejected(destAlias, sourceAlias, lcc.ErrorPermanentInvalidArguments)
		return lcc.ErrorPermanentInvalidArguments
	}

	fn, ok := h.handlers[body[0]]
	if !ok {
		h.logger.WithField("command", body[0]).Warn("unknown datagram command")
		h.sendRejected(destAlias, sourceAlias, lcc.ErrorPermanentNotImplementedCommandUnknown)
		return lcc.ErrorPermanentNotImplementedCommandUnknown
	}

	code, pendingSeconds := fn(sourceAlias, destAlias, body)
	if code == lcc.ErrorNone {
		h.sendOK(destAlias, sourceAlias, pendingSeconds)
		return lcc.ErrorNone
	}
	h.sendRejected(destAlias, sourceAlias, code)
	return code
}

// exponentForSeconds finds the smallest N in [1,15] with 2^N >=
// requestedSeconds, or 0 ("no reply pending") when requestedSeconds
// is not positive, per spec.md §4.7.
func exponentForSeconds(requestedSeconds int) uint8 {
	if requestedSeconds <= 0 {
		return 0
	}
	n := 1
	for n < 15 && (1<<uint(n)) < requestedSeconds {
		n++
	}
	return uint8(n)
}

func (h *Handler) sendOK(source, dest lcc.Alias, pendingSeconds int) bool {
	payload := []byte{exponentForSeconds(pendingSeconds)}
	return h.emitter.EmitMessage(lcc.MTIDatagramReceivedOK, source, dest, payload)
}

func (h *Handler) sendRejected(source, dest lcc.Alias, code lcc.ErrorCode) bool {
	var payload [2]byte
	lcc.PutWord(payload[:], 0, uint16(code))
	return h.emitter.EmitMessage(lcc.MTIDatagramRejected, source, dest, payload[:])
}

// SenderState tracks one previously-sent datagram awaiting its
// acknowledgment, per spec.md §4.7's sender-side rules: freed on OK,
// resent (buffer kept) on a temporary rejection, freed on a permanent
// one.
type SenderState struct {
	Buffer        *pool.Message
	ResendPending bool
}

// HandleAck processes an incoming Datagram Received OK or Datagram
// Rejected addressed to this sender, updating Buffer/ResendPending and
// releasing the buffer back to p when appropriate.
func (s *SenderState) HandleAck(mti lcc.MTI, payload []byte, p *pool.Pool) {
	switch mti {
	case lcc.MTIDatagramReceivedOK:
		p.Free(s.Buffer)
		s.Buffer = nil
		s.ResendPending = false

	case lcc.MTIDatagramRejected:
		if len(payload) < 2 {
			return
		}
		code := lcc.ErrorCode(lcc.WordAt(payload, 0))
		if code.Temporary() {
			s.ResendPending = true
			return
		}
		p.Free(s.Buffer)
		s.Buffer = nil
		s.ResendPending = false
	}
}
