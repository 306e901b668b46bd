package datagram

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/internal/pool"
	"github.com/openlcb-go/lcc/pkg/frame"
)

func TestHandleIncomingUnknownCommandRejects(t *testing.T) {
	var sent []lcc.Frame
	e := frame.NewEmitter(func(f lcc.Frame) bool { sent = append(sent, f); return true })
	h := NewHandler(e)

	code := h.HandleIncoming(0x10, 0x20, []byte{0x99})
	assert.Equal(t, lcc.ErrorPermanentNotImplementedCommandUnknown, code)
	assert.Len(t, sent, 1)

	_, variant, _ := lcc.DecodeID(sent[0].ID)
	assert.Equal(t, lcc.MTIDatagramRejected, lcc.MTI(variant))
	assert.Equal(t, lcc.ErrorPermanentNotImplementedCommandUnknown, lcc.ErrorCode(lcc.WordAt(sent[0].Data[:sent[0].DLC], 2)))
}

func TestHandleIncomingRoutesByCommandByte(t *testing.T) {
	var sent []lcc.Frame
	e := frame.NewEmitter(func(f lcc.Frame) bool { sent = append(sent, f); return true })
	h := NewHandler(e)

	var gotBody []byte
	h.Register(0x20, func(src, dst lcc.Alias, body []byte) (lcc.ErrorCode, int) {
		gotBody = body
		return lcc.ErrorNone, 0
	})

	code := h.HandleIncoming(0x10, 0x20, []byte{0x20, 0x40})
	assert.Equal(t, lcc.ErrorNone, code)
	assert.Equal(t, []byte{0x20, 0x40}, gotBody)

	_, variant, _ := lcc.DecodeID(sent[0].ID)
	assert.Equal(t, lcc.MTIDatagramReceivedOK, lcc.MTI(variant))
	assert.Equal(t, uint8(0), sent[0].Data[2])
}

func TestHandleIncomingEncodesPendingExponent(t *testing.T) {
	var sent []lcc.Frame
	e := frame.NewEmitter(func(f lcc.Frame) bool { sent = append(sent, f); return true })
	h := NewHandler(e)
	h.Register(0x20, func(src, dst lcc.Alias, body []byte) (lcc.ErrorCode, int) {
		return lcc.ErrorNone, 5 // smallest N with 2^N >= 5 is 3
	})

	h.HandleIncoming(0x10, 0x20, []byte{0x20})
	assert.Equal(t, uint8(3), sent[0].Data[2])
}

func TestExponentForSecondsEdgeCases(t *testing.T) {
	assert.Equal(t, uint8(0), exponentForSeconds(0))
	assert.Equal(t, uint8(1), exponentForSeconds(1))
	assert.Equal(t, uint8(1), exponentForSeconds(2))
	assert.Equal(t, uint8(2), exponentForSeconds(3))
	assert.Equal(t, uint8(4), exponentForSeconds(9))
	assert.Equal(t, uint8(15), exponentForSeconds(100000))
}

func TestSenderStateFreesOnOK(t *testing.T) {
	p := pool.New(0, 1, 0, 0, 0)
	m := p.Allocate(pool.Datagram)
	s := &SenderState{Buffer: m, ResendPending: true}

	s.HandleAck(lcc.MTIDatagramReceivedOK, nil, p)

	assert.Nil(t, s.Buffer)
	assert.False(t, s.ResendPending)
	assert.Equal(t, 0, p.Current(pool.Datagram))
}

func TestSenderStateTemporaryRejectionKeepsBuffer(t *testing.T) {
	p := pool.New(0, 1, 0, 0, 0)
	m := p.Allocate(pool.Datagram)
	s := &SenderState{Buffer: m}

	var payload [2]byte
	lcc.PutWord(payload[:], 0, uint16(lcc.ErrorTemporaryBufferUnavailable))
	s.HandleAck(lcc.MTIDatagramRejected, payload[:], p)

	assert.NotNil(t, s.Buffer)
	assert.True(t, s.ResendPending)
	assert.Equal(t, 1, p.Current(pool.Datagram))
}

func TestSenderStatePermanentRejectionFreesBuffer(t *testing.T) {
	p := pool.New(0, 1, 0, 0, 0)
	m := p.Allocate(pool.Datagram)
	s := &SenderState{Buffer: m, ResendPending: true}

	var payload [2]byte
	lcc.PutWord(payload[:], 0, uint16(lcc.ErrorPermanentInvalidArguments))
	s.HandleAck(lcc.MTIDatagramRejected, payload[:], p)

	assert.Nil(t, s.Buffer)
	assert.False(t, s.ResendPending)
	assert.Equal(t, 0, p.Current(pool.Datagram))
}
