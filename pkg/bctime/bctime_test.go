package bctime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/pkg/frame"
)

func TestTimeSuffixRoundTrip(t *testing.T) {
	s := EncodeTimeSuffix(13, 45, true)
	hour, minute, isSet := DecodeTimeSuffix(s)
	assert.Equal(t, 13, hour)
	assert.Equal(t, 45, minute)
	assert.True(t, isSet)
	assert.True(t, s <= 0x17FF)
}

func TestDateSuffixRoundTrip(t *testing.T) {
	s := EncodeDateSuffix(12, 31, false)
	month, day, isSet := DecodeDateSuffix(s)
	assert.Equal(t, 12, month)
	assert.Equal(t, 31, day)
	assert.False(t, isSet)
	assert.True(t, s >= 0x2000 && s <= 0x2BFF)
}

func TestYearSuffixRoundTrip(t *testing.T) {
	s := EncodeYearSuffix(2026, true)
	year, isSet := DecodeYearSuffix(s)
	assert.Equal(t, 2026, year)
	assert.True(t, isSet)
	assert.True(t, s >= 0x3000 && s <= 0x3FFF)
}

func TestRateSuffixRoundTripNegative(t *testing.T) {
	s := EncodeRateSuffix(-4)
	assert.True(t, s >= 0x4000 && s <= 0x4FFF)
	assert.Equal(t, int16(-4), DecodeRateSuffix(s))
}

func TestRateSuffixRoundTripPositive(t *testing.T) {
	s := EncodeRateSuffix(16)
	assert.Equal(t, int16(16), DecodeRateSuffix(s))
}

// ticksPerMinute is how many 100ms Tick calls it takes to cross
// fastMinuteThreshold at the given (unsigned) rate magnitude:
// fastMinuteThreshold / (100 * mag). At rate magnitude 4 (1.00x) that's
// 600 ticks (60 real seconds); at 16 (4.00x) it's 150 ticks (15 real
// seconds), matching spec.md §8's testable properties exactly.
func ticksPerMinute(mag int) int {
	return fastMinuteThreshold / (100 * mag)
}

// tickN calls Tick count times, returning true if any call reported a
// date rollover.
func tickN(c *Clock, count int) bool {
	rolled := false
	for i := 0; i < count; i++ {
		if c.Tick() {
			rolled = true
		}
	}
	return rolled
}

func TestClockTickAdvancesMinuteAtUnityRate(t *testing.T) {
	c := NewClock(0x0102030405060000)
	c.Running = true
	c.Rate = 4 // 1.00x
	c.Hour, c.Minute = 10, 0

	rolled := tickN(c, ticksPerMinute(4))
	assert.False(t, rolled)
	assert.Equal(t, 10, c.Hour)
	assert.Equal(t, 1, c.Minute)
}

func TestClockTickFiresDateRolloverAtMidnight(t *testing.T) {
	c := NewClock(0)
	c.Running = true
	c.Rate = 4
	c.Hour, c.Minute = 23, 59
	c.Year, c.Month, c.Day = 2026, 1, 31

	rolled := tickN(c, ticksPerMinute(4))
	assert.True(t, rolled)
	assert.Equal(t, 0, c.Hour)
	assert.Equal(t, 0, c.Minute)
	assert.Equal(t, 2, c.Month)
	assert.Equal(t, 1, c.Day)
}

func TestClockTickLeapYearFebruary(t *testing.T) {
	c := NewClock(0)
	c.Running = true
	c.Rate = 4
	c.Hour, c.Minute = 23, 59
	c.Year, c.Month, c.Day = 2024, 2, 28

	tickN(c, ticksPerMinute(4))
	assert.Equal(t, 2, c.Month)
	assert.Equal(t, 29, c.Day)
}

func TestClockTickNonLeapYearFebruary(t *testing.T) {
	c := NewClock(0)
	c.Running = true
	c.Rate = 4
	c.Hour, c.Minute = 23, 59
	c.Year, c.Month, c.Day = 2025, 2, 28

	tickN(c, ticksPerMinute(4))
	assert.Equal(t, 3, c.Month)
	assert.Equal(t, 1, c.Day)
}

func TestClockTickBackwardRateRetreatsMinute(t *testing.T) {
	c := NewClock(0)
	c.Running = true
	c.Rate = -4
	c.Hour, c.Minute = 0, 0
	c.Year, c.Month, c.Day = 2026, 3, 1

	rolled := tickN(c, ticksPerMinute(4))
	assert.True(t, rolled)
	assert.Equal(t, 23, c.Hour)
	assert.Equal(t, 59, c.Minute)
	assert.Equal(t, 2, c.Month)
	assert.Equal(t, 28, c.Day)
}

func TestClockTickFastRateAccumulatesAcrossMultipleTicks(t *testing.T) {
	c := NewClock(0)
	c.Running = true
	c.Rate = 16 // 4.00x
	c.Hour, c.Minute = 0, 0

	tickN(c, ticksPerMinute(16))
	assert.Equal(t, 0, c.Hour)
	assert.Equal(t, 1, c.Minute)
}

func TestApplyEventQueryReportsTrue(t *testing.T) {
	c := NewClock(0)
	assert.True(t, c.ApplyEvent(EventID(0, SuffixQuery)))
}

func TestApplyEventUpdatesRate(t *testing.T) {
	c := NewClock(0)
	c.ApplyEvent(EventID(0, EncodeRateSuffix(32)))
	assert.Equal(t, int16(32), c.Rate)
}

func TestApplyEventStartStop(t *testing.T) {
	c := NewClock(0)
	c.ApplyEvent(EventID(0, SuffixStart))
	assert.True(t, c.Running)
	c.ApplyEvent(EventID(0, SuffixStop))
	assert.False(t, c.Running)
}

func mtiAndEventOf(f lcc.Frame) (lcc.MTI, lcc.EventID) {
	_, variant, _ := lcc.DecodeID(f.ID)
	return lcc.MTI(variant), lcc.EventIDAt(f.Data[:f.DLC], 0)
}

func TestProducerStepEmitsSixMessageSequence(t *testing.T) {
	var sent []lcc.Frame
	e := frame.NewEmitter(func(f lcc.Frame) bool { sent = append(sent, f); return true })
	clockID := lcc.EventID(0x0102030405060000)
	c := NewClock(clockID)
	c.Running = true
	c.Rate = 4
	c.Hour, c.Minute = 9, 30
	c.Month, c.Day, c.Year = 6, 15, 2026

	p := NewProducer(e, 0x123, c)
	p.StartQuery()

	more := true
	for i := 0; i < 6 && more; i++ {
		more = p.Step()
	}
	assert.False(t, more)
	assert.Len(t, sent, 6)

	mti, ev := mtiAndEventOf(sent[0])
	assert.Equal(t, lcc.MTIProducerIdentifiedValid, mti)
	assert.Equal(t, uint16(SuffixStart), uint16(ev))

	_, lastEv := mtiAndEventOf(sent[5])
	hour, minute, isSet := DecodeTimeSuffix(uint16(lastEv))
	assert.Equal(t, 9, hour)
	assert.Equal(t, 31, minute)
	assert.False(t, isSet)
}

func TestProducerStepBackpressureRetriesSameStep(t *testing.T) {
	allow := false
	calls := 0
	e := frame.NewEmitter(func(lcc.Frame) bool { calls++; return allow })
	c := NewClock(0)
	p := NewProducer(e, 0x5, c)
	p.StartQuery()

	more := p.Step()
	assert.True(t, more)
	assert.Equal(t, 1, calls)

	more = p.Step()
	assert.True(t, more)
	assert.Equal(t, 2, calls)

	allow = true
	more = p.Step()
	assert.True(t, more)
	assert.Equal(t, 3, calls)
}

func TestConsumerSendQueryEmitsQueryEvent(t *testing.T) {
	var sent []lcc.Frame
	e := frame.NewEmitter(func(f lcc.Frame) bool { sent = append(sent, f); return true })
	c := NewClock(0x0A0B0C0D0E0F0000)
	co := NewConsumer(e, 0x7, c)

	ok := co.SendQuery()
	assert.True(t, ok)
	assert.Len(t, sent, 1)

	_, ev := mtiAndEventOf(sent[0])
	assert.Equal(t, uint16(SuffixQuery), uint16(ev))
}

func TestConsumerHandleEventUpdatesClock(t *testing.T) {
	e := frame.NewEmitter(func(lcc.Frame) bool { return true })
	c := NewClock(0)
	co := NewConsumer(e, 0x7, c)

	co.HandleEvent(EventID(0, EncodeYearSuffix(2030, true)))
	assert.Equal(t, 2030, c.Year)
}

func TestProducerAndConsumerRangesCoverFullSuffixSpace(t *testing.T) {
	clockID := lcc.EventID(0x0102030405060000)
	ranges := ProducerRanges(clockID)
	assert.Len(t, ranges, 2)
	assert.Equal(t, ranges, ConsumerRanges(clockID))
}
