package event

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/pkg/frame"
)

type fakeNode struct {
	alias     lcc.Alias
	producers []lcc.EventID
	consumers []lcc.EventID
}

func (n *fakeNode) Alias() lcc.Alias                    { return n.alias }
func (n *fakeNode) ProducerEventCount() int             { return len(n.producers) }
func (n *fakeNode) ProducerEventAt(i int) lcc.EventID    { return n.producers[i] }
func (n *fakeNode) ConsumerEventCount() int              { return len(n.consumers) }
func (n *fakeNode) ConsumerEventAt(i int) lcc.EventID    { return n.consumers[i] }

func newTestHandler(sent *[]lcc.Frame) (*Handler, *fakeNode) {
	e := frame.NewEmitter(func(f lcc.Frame) bool {
		*sent = append(*sent, f)
		return true
	})
	n := &fakeNode{
		alias:     0x123,
		producers: []lcc.EventID{1, 2},
		consumers: []lcc.EventID{3},
	}
	return NewHandler(e, n, nil, nil), n
}

func TestStepEnumeratesProducersThenConsumers(t *testing.T) {
	var sent []lcc.Frame
	h, _ := newTestHandler(&sent)
	h.StartIdentify()

	more := h.Step()
	assert.True(t, more)
	more = h.Step()
	assert.True(t, more) // consumer still pending
	more = h.Step()
	assert.False(t, more)

	assert.Len(t, sent, 3)
	assert.Equal(t, lcc.MTIProducerIdentifiedUnknown, mtiOf(sent[0]))
	assert.Equal(t, lcc.MTIProducerIdentifiedUnknown, mtiOf(sent[1]))
	assert.Equal(t, lcc.MTIConsumerIdentifiedUnknown, mtiOf(sent[2]))
}

func mtiOf(f lcc.Frame) lcc.MTI {
	_, variant, _ := lcc.DecodeID(f.ID)
	return lcc.MTI(variant)
}

func TestStepUsesValidityLookup(t *testing.T) {
	var sent []lcc.Frame
	e := frame.NewEmitter(func(f lcc.Frame) bool {
		sent = append(sent, f)
		return true
	})
	n := &fakeNode{alias: 0x5, producers: []lcc.EventID{42}}
	h := NewHandler(e, n, func(lcc.EventID) Validity { return Set }, nil)
	h.StartIdentify()
	h.Step()

	assert.Equal(t, lcc.MTIProducerIdentifiedValid, mtiOf(sent[0]))
}

func TestStepBackpressureRetriesSameEvent(t *testing.T) {
	allow := false
	calls := 0
	e := frame.NewEmitter(func(lcc.Frame) bool {
		calls++
		return allow
	})
	n := &fakeNode{alias: 0x5, producers: []lcc.EventID{1, 2}}
	h := NewHandler(e, n, nil, nil)
	h.StartIdentify()

	more := h.Step()
	assert.True(t, more)
	assert.Equal(t, 1, calls)

	more = h.Step() // still refused
	assert.True(t, more)
	assert.Equal(t, 2, calls)

	allow = true
	more = h.Step() // now succeeds, advances past event 1
	assert.True(t, more)
	assert.Equal(t, 3, calls)
}

func TestEventReportCallback(t *testing.T) {
	var sent []lcc.Frame
	h, _ := newTestHandler(&sent)

	var got lcc.EventID
	h.OnEventReport = func(ev lcc.EventID) { got = ev }
	h.HandleEventReport(0xABCD)
	assert.Equal(t, lcc.EventID(0xABCD), got)
}

func TestEventReportWithPayloadCallback(t *testing.T) {
	var sent []lcc.Frame
	h, _ := newTestHandler(&sent)

	var gotEv lcc.EventID
	var gotPayload []byte
	h.OnEventReportWithPayload = func(ev lcc.EventID, p []byte) {
		gotEv = ev
		gotPayload = p
	}
	h.HandleEventReportWithPayload(0x1, []byte{9, 9})
	assert.Equal(t, lcc.EventID(0x1), gotEv)
	assert.Equal(t, []byte{9, 9}, gotPayload)
}

func TestRangeEncodeDecodeRoundTrip(t *testing.T) {
	base := lcc.EventID(0x0102030405000000)
	encoded := EncodeRange(base, 8)
	decodedBase, count := DecodeRange(encoded)
	assert.Equal(t, uint64(8), count)
	assert.Equal(t, base, decodedBase)
}

func TestRangeTableContains(t *testing.T) {
	rt := NewRangeTable()
	encoded := EncodeRange(0x1000, 16)
	rt.Add(encoded)

	assert.True(t, rt.Contains(0x1000))
	assert.True(t, rt.Contains(0x100F))
	assert.False(t, rt.Contains(0x1010))
	assert.Equal(t, 1, rt.Len())
}

func TestRangeTableAddIsIdempotent(t *testing.T) {
	rt := NewRangeTable()
	encoded := EncodeRange(0x2000, 4)
	rt.Add(encoded)
	rt.Add(encoded)
	assert.Equal(t, 1, rt.Len())
}
