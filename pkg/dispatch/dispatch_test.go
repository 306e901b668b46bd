package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/internal/pool"
	"github.com/openlcb-go/lcc/pkg/datagram"
	"github.com/openlcb-go/lcc/pkg/event"
	"github.com/openlcb-go/lcc/pkg/fifo"
	"github.com/openlcb-go/lcc/pkg/frame"
	"github.com/openlcb-go/lcc/pkg/node"
)

// harness bundles one dispatcher plus a logged-in node and a sent-frame
// sink, enough to drive ProcessMain end to end without a real bus.
type harness struct {
	table *node.Table
	in    *fifo.Queue
	pool  *pool.Pool
	sent  []lcc.Frame
	d     *Dispatcher
	n     *node.Node
}

func newHarness(t *testing.T) *harness {
	table := node.NewTable(8)
	in := fifo.New(8)
	p := pool.New(4, 4, 2, 0, 0)

	h := &harness{table: table, in: in, pool: p}
	e := frame.NewEmitter(func(f lcc.Frame) bool { h.sent = append(h.sent, f); return true })
	h.d = New(table, in, p, e)

	n := table.Allocate(lcc.NodeID(0x010203040506), &node.Parameters{ProtocolSupport: 0x1122334455}, func(lcc.Frame) bool { return true })
	for i := 0; i < 20; i++ {
		n.Process()
	}
	h.n = n
	return h
}

func (h *harness) pushBasic(mti lcc.MTI, sourceAlias, destAlias lcc.Alias, destID lcc.NodeID, payload []byte) *pool.Message {
	m := h.pool.Allocate(pool.Basic)
	m.SourceAlias = uint16(sourceAlias)
	m.DestAlias = uint16(destAlias)
	m.DestID = uint64(destID)
	m.MTI = uint16(mti)
	m.Count = copy(m.Payload, payload)
	h.in.Push(m)
	return m
}

func (h *harness) pushDatagram(sourceAlias, destAlias lcc.Alias, body []byte) *pool.Message {
	m := h.pool.Allocate(pool.Datagram)
	m.SourceAlias = uint16(sourceAlias)
	m.DestAlias = uint16(destAlias)
	m.MTI = uint16(lcc.MTIDatagram)
	m.Count = copy(m.Payload, body)
	h.in.Push(m)
	return m
}

// drain runs ProcessMain until it reports no work, guarding against an
// infinite loop with a generous cap.
func (h *harness) drain() {
	for i := 0; i < 1000; i++ {
		if !h.d.ProcessMain() {
			return
		}
	}
}

func TestNodeBecomesInitializedAfterLogin(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.n.State().Initialized)
	assert.NotEqual(t, lcc.Alias(0), h.n.Alias())
}

func TestVerifyNodeIDGlobalRepliesVerifiedNodeID(t *testing.T) {
	h := newHarness(t)
	h.pushBasic(lcc.MTIVerifyNodeIDGlobal, 0x222, 0, 0, nil)
	h.drain()

	found := false
	for _, f := range h.sent {
		_, variant, _ := lcc.DecodeID(f.ID)
		if lcc.MTI(variant) == lcc.MTIVerifiedNodeIDSimple {
			found = true
			assert.Equal(t, h.n.ID(), lcc.NodeIDAt(f.Data[:f.DLC], 0))
		}
	}
	assert.True(t, found)
}

func TestProtocolSupportInquiryRepliesWithBitfield(t *testing.T) {
	h := newHarness(t)
	h.pushBasic(lcc.MTIProtocolSupportInquiry, 0x222, h.n.Alias(), 0, nil)
	h.drain()

	var got *lcc.Frame
	for i := range h.sent {
		_, variant, _ := lcc.DecodeID(h.sent[i].ID)
		if lcc.MTI(variant) == lcc.MTIProtocolSupportReply {
			got = &h.sent[i]
		}
	}
	if assert.NotNil(t, got) {
		var v uint64
		for i := 0; i < 6; i++ {
			v = v<<8 | uint64(got.Data[2+i])
		}
		assert.Equal(t, uint64(0x1122334455), v)
	}
}

func TestUnboundOptionalAddressedMTIGetsRejected(t *testing.T) {
	h := newHarness(t)
	h.pushBasic(lcc.MTISNIPRequest, 0x222, h.n.Alias(), 0, nil)
	h.drain()

	found := false
	for _, f := range h.sent {
		_, variant, _ := lcc.DecodeID(f.ID)
		if lcc.MTI(variant) == lcc.MTIOptionalInteractionRejected {
			found = true
			assert.Equal(t, uint16(lcc.MTISNIPRequest), lcc.WordAt(f.Data[:f.DLC], 2))
		}
	}
	assert.True(t, found)
}

func TestUnboundGlobalOptionalMTIIsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	h.pushBasic(lcc.MTIPCEREventReport, 0x222, 0, 0, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	h.drain()
	assert.Empty(t, h.sent)
}

func TestEventsIdentifyStartsStepSequenceDrainedAcrossCycles(t *testing.T) {
	h := newHarness(t)
	evHandler := event.NewHandler(frame.NewEmitter(func(f lcc.Frame) bool { h.sent = append(h.sent, f); return true }), h.n, nil, nil)
	h.d.Bind(h.n, &Bindings{Events: evHandler})

	h.pushBasic(lcc.MTIEventsIdentifyGlobal, 0x222, 0, 0, nil)
	h.drain()
	assert.False(t, evHandler.Step())
}

func TestOnEventConsumedAdoptsReturnedStepAsActiveSequence(t *testing.T) {
	h := newHarness(t)
	evHandler := event.NewHandler(frame.NewEmitter(func(f lcc.Frame) bool { h.sent = append(h.sent, f); return true }), h.n, nil, nil)

	remaining := 3
	step := func() bool {
		remaining--
		return remaining > 0
	}
	h.d.Bind(h.n, &Bindings{
		Events: evHandler,
		OnEventConsumed: func(ev lcc.EventID) func() bool {
			return step
		},
	})

	h.pushBasic(lcc.MTIPCEREventReport, 0x222, 0, 0, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	h.drain()
	assert.Equal(t, 0, remaining)
}

func TestDatagramRoutesToBoundHandler(t *testing.T) {
	h := newHarness(t)
	dg := datagram.NewHandler(frame.NewEmitter(func(f lcc.Frame) bool { h.sent = append(h.sent, f); return true }))
	var gotBody []byte
	dg.Register(0x20, func(src, dest lcc.Alias, body []byte) (lcc.ErrorCode, int) {
		gotBody = append([]byte{}, body...)
		return lcc.ErrorNone, 0
	})
	h.d.Bind(h.n, &Bindings{Datagram: dg})

	h.pushDatagram(0x222, h.n.Alias(), []byte{0x20, 0x80})
	h.drain()
	assert.Equal(t, []byte{0x20, 0x80}, gotBody)
}

func TestDatagramWithNoBoundHandlerIsRejected(t *testing.T) {
	h := newHarness(t)
	h.pushDatagram(0x222, h.n.Alias(), []byte{0x20, 0x80})
	h.drain()

	found := false
	for _, f := range h.sent {
		_, variant, _ := lcc.DecodeID(f.ID)
		if lcc.MTI(variant) == lcc.MTIOptionalInteractionRejected {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMessageAddressedToOtherNodeIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.pushBasic(lcc.MTIProtocolSupportInquiry, 0x222, 0x999, 0, nil)
	h.drain()
	assert.Empty(t, h.sent)
}
