package stats

import (
	"time"

	"github.com/opd-ai/caststream/media"
)

const (
	// maxPendingEventPairs caps the number of half-complete event pairs kept
	// per bound.
	maxPendingEventPairs = 500

	// clockDriftSpeed slows the widening of a bound when a sample exceeds
	// it, so a single delayed event cannot undo many tight samples.
	clockDriftSpeed = 500
)

type eventKey uint64

func makeEventKey(rtp media.RtpTimeTicks, packetID uint16, audio bool) eventKey {
	key := uint64(rtp.Truncate32())<<32 | uint64(packetID)<<1
	if audio {
		key |= 1
	}
	return eventKey(key)
}

type timePair struct {
	sent     time.Time
	received time.Time
}

// boundCalculator tracks the smallest observed received-minus-sent delta for
// one direction of travel.
type boundCalculator struct {
	events   map[eventKey]*timePair
	bound    time.Duration
	hasBound bool
}

func newBoundCalculator() *boundCalculator {
	return &boundCalculator{events: make(map[eventKey]*timePair)}
}

func (b *boundCalculator) setSent(key eventKey, t time.Time) {
	pair := b.pair(key)
	if !pair.sent.IsZero() {
		return
	}
	pair.sent = t
	b.complete(key, pair)
}

func (b *boundCalculator) setReceived(key eventKey, t time.Time) {
	pair := b.pair(key)
	if !pair.received.IsZero() {
		return
	}
	pair.received = t
	b.complete(key, pair)
}

func (b *boundCalculator) pair(key eventKey) *timePair {
	pair, ok := b.events[key]
	if !ok {
		pair = &timePair{}
		b.events[key] = pair
	}
	return pair
}

func (b *boundCalculator) complete(key eventKey, pair *timePair) {
	if pair.sent.IsZero() || pair.received.IsZero() {
		if len(b.events) > maxPendingEventPairs {
			b.evictLowest()
		}
		return
	}
	b.update(pair.received.Sub(pair.sent))
	delete(b.events, key)
}

func (b *boundCalculator) update(delta time.Duration) {
	switch {
	case !b.hasBound:
		b.bound = delta
		b.hasBound = true
	case delta < b.bound:
		b.bound = delta
	default:
		b.bound += (delta - b.bound) / clockDriftSpeed
	}
}

func (b *boundCalculator) evictLowest() {
	first := true
	var lowest eventKey
	for key := range b.events {
		if first || key < lowest {
			lowest = key
			first = false
		}
	}
	delete(b.events, lowest)
}

// ClockOffsetEstimator brackets the receiver's clock offset relative to the
// sender (receiver time minus sender time) from paired events.
//
// Frame ACKs travel receiver to sender, so the receiver's FrameAckSent and
// the sender's FrameAckReceived give a lower bound. Packets travel the other
// way, so PacketSentToNetwork and PacketReceived give an upper bound. The
// estimate is the midpoint, which is exact when the path is symmetric.
type ClockOffsetEstimator struct {
	frameBound  *boundCalculator
	packetBound *boundCalculator
}

// NewClockOffsetEstimator creates an estimator with no bounds.
func NewClockOffsetEstimator() *ClockOffsetEstimator {
	return &ClockOffsetEstimator{
		frameBound:  newBoundCalculator(),
		packetBound: newBoundCalculator(),
	}
}

// OnFrameEvent folds in a frame event. Only ACK events are used.
func (e *ClockOffsetEstimator) OnFrameEvent(event FrameEvent) {
	key := makeEventKey(event.RTPTimestamp, 0, event.MediaType == media.StreamTypeAudio)
	switch event.Type {
	case FrameAckSent:
		e.frameBound.setSent(key, event.Timestamp)
	case FrameAckReceived:
		e.frameBound.setReceived(key, event.Timestamp)
	}
}

// OnPacketEvent folds in a packet event. Only first transmissions and
// receptions are used.
func (e *ClockOffsetEstimator) OnPacketEvent(event PacketEvent) {
	key := makeEventKey(event.RTPTimestamp, event.PacketID, event.MediaType == media.StreamTypeAudio)
	switch event.Type {
	case PacketSentToNetwork:
		e.packetBound.setSent(key, event.Timestamp)
	case PacketReceived:
		e.packetBound.setReceived(key, event.Timestamp)
	}
}

// GetReceiverOffsetBounds returns the current bracket around the offset.
// ok is false until both directions have produced a sample.
func (e *ClockOffsetEstimator) GetReceiverOffsetBounds() (lower, upper time.Duration, ok bool) {
	if !e.frameBound.hasBound || !e.packetBound.hasBound {
		return 0, 0, false
	}
	return -e.frameBound.bound, e.packetBound.bound, true
}

// GetEstimatedOffset returns the midpoint of the bracket.
func (e *ClockOffsetEstimator) GetEstimatedOffset() (time.Duration, bool) {
	lower, upper, ok := e.GetReceiverOffsetBounds()
	if !ok {
		return 0, false
	}
	return (lower + upper) / 2, true
}

func (e *ClockOffsetEstimator) pendingPairs() int {
	return len(e.frameBound.events) + len(e.packetBound.events)
}
