package stats

import (
	"sync"
	"time"

	"github.com/opd-ai/caststream/media"
)

// EventType identifies a point in a frame's or packet's life.
type EventType uint8

const (
	// Sender-side frame events.
	FrameCaptureBegin EventType = iota
	FrameCaptureEnd
	FrameEncoded
	FrameAckReceived

	// Receiver-side frame events.
	FrameAckSent
	FrameDecoded
	FramePlayedOut

	// Sender-side packet events.
	PacketSentToNetwork
	PacketRetransmitted

	// Receiver-side packet events.
	PacketReceived

	numEventTypes
)

var eventTypeNames = [numEventTypes]string{
	"FrameCaptureBegin",
	"FrameCaptureEnd",
	"FrameEncoded",
	"FrameAckReceived",
	"FrameAckSent",
	"FrameDecoded",
	"FramePlayedOut",
	"PacketSentToNetwork",
	"PacketRetransmitted",
	"PacketReceived",
}

func (t EventType) String() string {
	if t < numEventTypes {
		return eventTypeNames[t]
	}
	return "Unknown"
}

// IsReceiverEvent reports whether the event's Timestamp comes from the
// receiver's clock.
func (t EventType) IsReceiverEvent() bool {
	switch t {
	case FrameAckSent, FrameDecoded, FramePlayedOut, PacketReceived:
		return true
	}
	return false
}

// FrameEvent records something that happened to a whole frame.
type FrameEvent struct {
	FrameID      media.FrameID
	Type         EventType
	MediaType    media.StreamType
	RTPTimestamp media.RtpTimeTicks

	// Size is the encoded size in bytes, set for FrameEncoded.
	Size     int
	KeyFrame bool

	// Timestamp is when the event happened, on the clock of the side that
	// produced it.
	Timestamp time.Time

	// ReceivedTimestamp, when set, is the sender-clock time at which the
	// sender learned about a receiver event.
	ReceivedTimestamp time.Time

	// DelayDelta is how early (positive) or late (negative) a frame was
	// played out relative to its target playout time.
	DelayDelta time.Duration
}

// PacketEvent records something that happened to one RTP packet.
type PacketEvent struct {
	FrameID      media.FrameID
	PacketID     uint16
	MaxPacketID  uint16
	Type         EventType
	MediaType    media.StreamType
	RTPTimestamp media.RtpTimeTicks
	Size         int

	Timestamp         time.Time
	ReceivedTimestamp time.Time
}

// Collector buffers events until the analyzer drains them. It is safe for
// concurrent use.
type Collector struct {
	mu      sync.Mutex
	frames  []FrameEvent
	packets []PacketEvent
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordFrameEvent buffers a frame event.
func (c *Collector) RecordFrameEvent(event FrameEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, event)
}

// RecordPacketEvent buffers a packet event.
func (c *Collector) RecordPacketEvent(event PacketEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, event)
}

// TakeFrameEvents returns and clears the buffered frame events.
func (c *Collector) TakeFrameEvents() []FrameEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.frames
	c.frames = nil
	return events
}

// TakePacketEvents returns and clears the buffered packet events.
func (c *Collector) TakePacketEvents() []PacketEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.packets
	c.packets = nil
	return events
}
