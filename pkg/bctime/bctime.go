// Package bctime implements the Broadcast Time subprotocol: a clock's
// fixed-point rate accumulator and calendar rollover, the event-id
// suffix encoding for its Set-or-Report Time/Date/Year/Rate family and
// command events, and the producer's resumable six-message query-reply
// sequence.
//
// Grounded on the teacher's pkg/sync (SYNC producer/consumer): its
// Process method's "accumulate elapsed time, fire when a cycle
// threshold is crossed, report the event back to the caller" tick
// shape is generalized here from a single communication-cycle period
// to per-minute calendar advancement on a much longer accumulator, and
// its producer/consumer COB-ID subscribe split is the model for this
// package's Producer (emits the query-reply sequence) versus Consumer
// (absorbs Set/Report events and requests a query) split.
package bctime

import (
	log "github.com/sirupsen/logrus"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/pkg/event"
	"github.com/openlcb-go/lcc/pkg/frame"
)

// fastMinuteThreshold is the fixed-point accumulator value (2
// fractional bits folded in, per spec.md §4.10) that represents one
// elapsed minute of clock time at 1.00x rate.
const fastMinuteThreshold = 240000

// Event-id suffix family bases. A clock's event id is its 48-bit
// clock_id with the low 16 bits replaced by one of these, per
// spec.md §4.10. The exact per-family bit layout within each range is
// this implementation's own invention (spec.md gives only the outer
// byte ranges): time packs (hour*60+minute) with an is-set flag in bit
// 11; date packs (month<<5|day) with an is-set flag in bit 9; year
// masks to 11 bits with an is-set flag in bit 11 (filling the range
// exactly); rate has no spare bit for is-set since a signed 12-bit
// rate already consumes the whole 0x4000-0x4FFF range, so rate events
// carry no is-set distinction -- direction is implied by whether the
// event was sent by a Producer (report) or a Consumer (set request).
const (
	SuffixTimeBase     = 0x0000
	suffixTimeIsSetBit = 0x0800

	SuffixDateBase     = 0x2000
	suffixDateIsSetBit = 0x0200

	SuffixYearBase     = 0x3000
	suffixYearIsSetBit = 0x0800
	yearMask           = 0x07FF

	SuffixRateBase = 0x4000
	rateMask       = 0x0FFF

	SuffixStart        = 0x5000
	SuffixStop         = 0x5001
	SuffixDateRollover = 0x5002
	SuffixQuery        = 0x5003
)

// EventID builds the full event id for a clock's suffix: base's low 16
// bits are replaced by suffix.
func EventID(base lcc.EventID, suffix uint16) lcc.EventID {
	return lcc.EventID(uint64(base)&^0xFFFF | uint64(suffix))
}

// EncodeTimeSuffix packs an hour/minute pair plus the is-set flag.
func EncodeTimeSuffix(hour, minute int, isSet bool) uint16 {
	v := uint16(hour*60 + minute)
	if isSet {
		v |= suffixTimeIsSetBit
	}
	return SuffixTimeBase + v
}

// DecodeTimeSuffix reverses EncodeTimeSuffix.
func DecodeTimeSuffix(suffix uint16) (hour, minute int, isSet bool) {
	v := suffix - SuffixTimeBase
	isSet = v&suffixTimeIsSetBit != 0
	v &^= suffixTimeIsSetBit
	return int(v) / 60, int(v) % 60, isSet
}

// EncodeDateSuffix packs a month/day pair plus the is-set flag.
func EncodeDateSuffix(month, day int, isSet bool) uint16 {
	v := uint16(month)<<5 | uint16(day)
	if isSet {
		v |= suffixDateIsSetBit
	}
	return SuffixDateBase + v
}

// DecodeDateSuffix reverses EncodeDateSuffix.
func DecodeDateSuffix(suffix uint16) (month, day int, isSet bool) {
	v := suffix - SuffixDateBase
	isSet = v&suffixDateIsSetBit != 0
	v &^= suffixDateIsSetBit
	return int(v >> 5), int(v & 0x1F), isSet
}

// EncodeYearSuffix packs a year (masked to 11 bits) plus the is-set flag.
func EncodeYearSuffix(year int, isSet bool) uint16 {
	v := uint16(year) & yearMask
	if isSet {
		v |= suffixYearIsSetBit
	}
	return SuffixYearBase + v
}

// DecodeYearSuffix reverses EncodeYearSuffix.
func DecodeYearSuffix(suffix uint16) (year int, isSet bool) {
	v := suffix - SuffixYearBase
	isSet = v&suffixYearIsSetBit != 0
	return int(v & yearMask), isSet
}

// EncodeRateSuffix packs a signed 12-bit rate (two's complement).
func EncodeRateSuffix(rate int16) uint16 {
	return SuffixRateBase + uint16(rate)&rateMask
}

// DecodeRateSuffix reverses EncodeRateSuffix, sign-extending the
// 12-bit field.
func DecodeRateSuffix(suffix uint16) int16 {
	v := (suffix - SuffixRateBase) & rateMask
	if v&0x0800 != 0 {
		v |= 0xF000
	}
	return int16(v)
}

// ProducerRanges returns the two producer event ranges a clock
// registers, covering its entire 64K suffix space in two halves, per
// spec.md §4.10.
func ProducerRanges(clockID lcc.EventID) []lcc.EventID {
	return []lcc.EventID{
		event.EncodeRange(EventID(clockID, 0x0000), 0x8000),
		event.EncodeRange(EventID(clockID, 0x8000), 0x8000),
	}
}

// ConsumerRanges returns the same two ranges registered as consumer
// ranges (a producer clock registers these to accept Set commands; a
// consumer clock registers these to receive reports).
func ConsumerRanges(clockID lcc.EventID) []lcc.EventID {
	return ProducerRanges(clockID)
}

// Clock is one well-known or custom Broadcast Time clock slot.
type Clock struct {
	ID lcc.EventID

	Hour, Minute int
	Month, Day   int
	Year         int
	Rate         int16 // signed 12-bit, 2 fractional bits: 4 == 1.00x
	Running      bool

	accumulator uint32
}

// NewClock creates a stopped clock identified by id (its event-id
// base, low 16 bits conventionally zero).
func NewClock(id lcc.EventID) *Clock {
	return &Clock{ID: id, Day: 1, Month: 1}
}

// Tick advances the clock by one 100ms slice at its current rate,
// per spec.md §4.10's fixed-point accumulator. It returns true exactly
// when a day boundary was crossed (the Date Rollover command event).
func (c *Clock) Tick() bool {
	if !c.Running || c.Rate == 0 {
		return false
	}
	mag := int32(c.Rate)
	if mag < 0 {
		mag = -mag
	}
	c.accumulator += uint32(100 * mag)

	rolled := false
	for c.accumulator >= fastMinuteThreshold {
		c.accumulator -= fastMinuteThreshold
		if c.Rate >= 0 {
			if c.advanceMinute() {
				rolled = true
			}
		} else {
			if c.retreatMinute() {
				rolled = true
			}
		}
	}
	return rolled
}

func (c *Clock) advanceMinute() (dateRolled bool) {
	c.Minute++
	if c.Minute >= 60 {
		c.Minute = 0
		c.Hour++
		if c.Hour >= 24 {
			c.Hour = 0
			dateRolled = true
			c.advanceDay()
		}
	}
	return
}

func (c *Clock) retreatMinute() (dateRolled bool) {
	c.Minute--
	if c.Minute < 0 {
		c.Minute = 59
		c.Hour--
		if c.Hour < 0 {
			c.Hour = 23
			dateRolled = true
			c.retreatDay()
		}
	}
	return
}

func (c *Clock) advanceDay() {
	c.Day++
	if c.Day > daysInMonth(c.Month, c.Year) {
		c.Day = 1
		c.Month++
		if c.Month > 12 {
			c.Month = 1
			c.Year++
		}
	}
}

func (c *Clock) retreatDay() {
	c.Day--
	if c.Day < 1 {
		c.Month--
		if c.Month < 1 {
			c.Month = 12
			c.Year--
		}
		c.Day = daysInMonth(c.Month, c.Year)
	}
}

func (c *Clock) peekNextMinute() (hour, minute int) {
	hour, minute = c.Hour, c.Minute
	minute++
	if minute >= 60 {
		minute = 0
		hour++
		if hour >= 24 {
			hour = 0
		}
	}
	return
}

func daysInMonth(month, year int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeapYear(year) {
			return 29
		}
		return 28
	default:
		return 30
	}
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// ApplyEvent absorbs an incoming Set-or-Report or command event
// addressed to this clock, updating its fields. It reports true when
// the event was a Query, leaving the caller (a Producer attached to
// this clock) to respond.
func (c *Clock) ApplyEvent(ev lcc.EventID) (isQuery bool) {
	suffix := uint16(ev)
	switch {
	case suffix == SuffixQuery:
		return true
	case suffix == SuffixStart:
		c.Running = true
	case suffix == SuffixStop:
		c.Running = false
	case suffix == SuffixDateRollover:
		// informational only; no state change of our own to apply.
	case suffix >= SuffixRateBase && suffix <= SuffixRateBase+rateMask:
		c.Rate = DecodeRateSuffix(suffix)
	case suffix >= SuffixYearBase && suffix <= SuffixYearBase+0x0FFF:
		year, _ := DecodeYearSuffix(suffix)
		c.Year = year
	case suffix >= SuffixDateBase && suffix <= SuffixDateBase+0x0BFF:
		month, day, _ := DecodeDateSuffix(suffix)
		c.Month, c.Day = month, day
	case suffix <= 0x17FF:
		hour, minute, _ := DecodeTimeSuffix(suffix)
		c.Hour, c.Minute = hour, minute
	}
	return false
}

// query sequencer steps, in emission order.
const (
	stepStartStop = iota + 1
	stepRate
	stepYear
	stepDate
	stepTime
	stepNextMinute
)

// Producer answers a clock's Query by emitting, one per Step call, the
// six-message reply sequence spec.md §4.10 describes: Start-or-Stop,
// Rate, Year, Date, Time (each Producer Identified/Valid), then the
// next minute as a bare PC Event Report.
type Producer struct {
	logger  *log.Entry
	emitter *frame.Emitter
	alias   lcc.Alias
	clock   *Clock

	step   int
	active bool
}

// NewProducer creates a query-reply sequencer for clock, emitting
// through e from alias.
func NewProducer(e *frame.Emitter, alias lcc.Alias, clock *Clock) *Producer {
	return &Producer{
		logger:  log.WithField("component", "bctime"),
		emitter: e,
		alias:   alias,
		clock:   clock,
	}
}

// StartQuery begins the six-message reply sequence.
func (p *Producer) StartQuery() {
	p.step = stepStartStop
	p.active = true
}

// Step emits at most one reply message and reports whether further
// calls are needed. A transmit refusal leaves the step unchanged so
// the same message is retried on the next call.
func (p *Producer) Step() bool {
	if !p.active {
		return false
	}
	switch p.step {
	case stepStartStop:
		suffix := uint16(SuffixStop)
		if p.clock.Running {
			suffix = SuffixStart
		}
		if !event.EmitProducerIdentified(p.emitter, p.alias, EventID(p.clock.ID, suffix), event.Set) {
			return true
		}
		p.step = stepRate
	case stepRate:
		suffix := EncodeRateSuffix(p.clock.Rate)
		if !event.EmitProducerIdentified(p.emitter, p.alias, EventID(p.clock.ID, suffix), event.Set) {
			return true
		}
		p.step = stepYear
	case stepYear:
		suffix := EncodeYearSuffix(p.clock.Year, true)
		if !event.EmitProducerIdentified(p.emitter, p.alias, EventID(p.clock.ID, suffix), event.Set) {
			return true
		}
		p.step = stepDate
	case stepDate:
		suffix := EncodeDateSuffix(p.clock.Month, p.clock.Day, true)
		if !event.EmitProducerIdentified(p.emitter, p.alias, EventID(p.clock.ID, suffix), event.Set) {
			return true
		}
		p.step = stepTime
	case stepTime:
		suffix := EncodeTimeSuffix(p.clock.Hour, p.clock.Minute, true)
		if !event.EmitProducerIdentified(p.emitter, p.alias, EventID(p.clock.ID, suffix), event.Set) {
			return true
		}
		p.step = stepNextMinute
	case stepNextMinute:
		hour, minute := p.clock.peekNextMinute()
		suffix := EncodeTimeSuffix(hour, minute, false)
		if !event.EmitEventReport(p.emitter, p.alias, EventID(p.clock.ID, suffix)) {
			return true
		}
		p.active = false
		return false
	}
	return true
}

// Consumer tracks a clock whose state is kept in sync via Producer
// Identified reports and Event Reports, and can request a fresh
// six-message sync via SendQuery.
type Consumer struct {
	emitter *frame.Emitter
	alias   lcc.Alias
	clock   *Clock
}

// NewConsumer creates a consumer-side tracker for clock.
func NewConsumer(e *frame.Emitter, alias lcc.Alias, clock *Clock) *Consumer {
	return &Consumer{emitter: e, alias: alias, clock: clock}
}

// HandleEvent absorbs an incoming event for this clock.
func (co *Consumer) HandleEvent(ev lcc.EventID) {
	co.clock.ApplyEvent(ev)
}

// SendQuery emits this clock's Query event, requesting the producer
// run its six-message reply sequence. Per spec.md §4.10 this is why a
// consumer clock also registers two producer ranges.
func (co *Consumer) SendQuery() bool {
	return event.EmitEventReport(co.emitter, co.alias, EventID(co.clock.ID, SuffixQuery))
}
