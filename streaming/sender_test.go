package streaming

import (
	"testing"
	"time"

	"github.com/opd-ai/caststream/limits"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/stats"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderConfigValidate(t *testing.T) {
	valid := testSenderConfig(t)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*SenderConfig)
	}{
		{"same ssrc", func(c *SenderConfig) { c.ReceiverSSRC = c.SenderSSRC }},
		{"zero timebase", func(c *SenderConfig) { c.RTPTimebase = 0 }},
		{"zero playout delay", func(c *SenderConfig) { c.TargetPlayoutDelay = 0 }},
		{"bad payload type", func(c *SenderConfig) { c.PayloadType = 0 }},
		{"tiny packets", func(c *SenderConfig) { c.MaxPacketSize = 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}

func TestEnqueueFrameRejectsIDSpanWithoutMutation(t *testing.T) {
	f := newSenderFixture(t)
	for id := media.FrameID(0); id < limits.MaxUnackedFrames; id++ {
		f.enqueue(t, makeFrame(id, 0, 100))
	}
	require.Equal(t, limits.MaxUnackedFrames, f.sender.NumberOfFramesInFlight())

	err := f.sender.EnqueueFrame(makeFrame(limits.MaxUnackedFrames, 0, 100))
	assert.ErrorIs(t, err, ErrReachedIDSpanLimit)
	assert.Equal(t, limits.MaxUnackedFrames, f.sender.NumberOfFramesInFlight())
	assert.Equal(t, media.FrameID(limits.MaxUnackedFrames-1), f.sender.LastEnqueuedFrameID())
	assert.True(t, f.sender.slots[0].isActiveForFrame(0), "slot of frame 0 must be untouched")

	f.sender.OnReceiverCheckpoint(0, 0)
	require.NoError(t, f.sender.EnqueueFrame(makeFrame(limits.MaxUnackedFrames, 0, 100)))
	assert.True(t, f.sender.slots[0].isActiveForFrame(limits.MaxUnackedFrames))
}

func TestEnqueueFrameRejectsDurationInFlight(t *testing.T) {
	f := newSenderFixture(t)
	// 400 ms playout delay and no round trip estimate leave a 200 ms budget.
	require.Equal(t, ms(200), f.sender.MaxInFlightMediaDuration())

	f.enqueue(t, makeFrame(0, 0, 100), makeFrame(1, 18000, 100))
	assert.Equal(t, ms(200), f.sender.InFlightMediaDuration(18000))

	err := f.sender.EnqueueFrame(makeFrame(2, 18009, 100))
	assert.ErrorIs(t, err, ErrMaxDurationInFlight)
	assert.Equal(t, 2, f.sender.NumberOfFramesInFlight())

	// Acknowledging frame 0 moves the oldest in-flight frame forward.
	f.sender.OnReceiverCheckpoint(0, 0)
	require.NoError(t, f.sender.EnqueueFrame(makeFrame(2, 18009, 100)))
}

func TestEnqueueFrameRejectsPayloadTooLarge(t *testing.T) {
	f := newSenderFixture(t, func(c *SenderConfig) { c.MaxPacketSize = 24 })

	err := f.sender.EnqueueFrame(makeFrame(0, 0, 400000))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, f.sender.NumberOfFramesInFlight())
	assert.Equal(t, media.LeaderFrameID, f.sender.LastEnqueuedFrameID())
	assert.Equal(t, SenderIdle, f.sender.State())
}

func TestEnqueueFrameRejectsNonIncreasingID(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 10))
	assert.ErrorIs(t, f.sender.EnqueueFrame(makeFrame(0, 0, 10)), ErrFrameIDNotIncreasing)
}

func TestEnqueueFrameRecordsEvents(t *testing.T) {
	f := newSenderFixture(t)
	frame := makeFrame(0, 0, 500)
	frame.CaptureBeginTime = f.clock.Now().Add(-ms(30))
	frame.CaptureEndTime = f.clock.Now().Add(-ms(20))
	f.enqueue(t, frame)

	events := f.events.TakeFrameEvents()
	require.Len(t, events, 3)
	assert.Equal(t, stats.FrameCaptureBegin, events[0].Type)
	assert.Equal(t, stats.FrameCaptureEnd, events[1].Type)
	assert.Equal(t, stats.FrameEncoded, events[2].Type)
	assert.Equal(t, 500, events[2].Size)
	assert.True(t, events[2].KeyFrame)
	assert.Equal(t, media.StreamTypeVideo, events[2].MediaType)
}

func TestEnqueueFrameAppliesNewPlayoutDelay(t *testing.T) {
	f := newSenderFixture(t)
	frame := makeFrame(0, 0, 100)
	frame.NewPlayoutDelay = ms(250)
	f.enqueue(t, frame)

	assert.Equal(t, ms(250), f.sender.TargetPlayoutDelay())
	packets := f.drain()
	require.Len(t, packets, 1)
	assert.Equal(t, ms(250), packets[0].NewPlayoutDelay)
}

func TestPacketsSentOldestFrameFirst(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 2000), makeFrame(1, 3000, 10))

	packets := f.drain()
	require.Len(t, packets, 3)
	assert.Equal(t, []uint8{0, 0, 1}, []uint8{packets[0].FrameID, packets[1].FrameID, packets[2].FrameID})
	assert.Equal(t, []uint16{0, 1, 0}, []uint16{packets[0].PacketID, packets[1].PacketID, packets[2].PacketID})
	assert.Equal(t, SenderStreaming, f.sender.State())

	sent := f.events.TakePacketEvents()
	require.Len(t, sent, 3)
	for _, e := range sent {
		assert.Equal(t, stats.PacketSentToNetwork, e.Type)
	}
}

func TestWindowAccounting(t *testing.T) {
	f := newSenderFixture(t)
	for id := media.FrameID(0); id < 10; id++ {
		f.enqueue(t, makeFrame(id, media.RtpTimeTicks(id)*1000, 100))
	}

	canceledBeyondCheckpoint := 0
	check := func() {
		t.Helper()
		expected := int(f.sender.LastEnqueuedFrameID()-f.sender.CheckpointFrameID()) - canceledBeyondCheckpoint
		assert.Equal(t, expected, f.sender.NumberOfFramesInFlight())
		assert.LessOrEqual(t, int(f.sender.LastEnqueuedFrameID()-f.sender.CheckpointFrameID()), limits.MaxUnackedFrames)
	}
	check()

	f.sender.OnReceiverCheckpoint(3, 0)
	check()

	f.sender.OnReceiverHasFrames([]media.FrameID{6, 8})
	canceledBeyondCheckpoint = 2
	check()

	// Checkpoints never move backwards.
	f.sender.OnReceiverCheckpoint(1, 0)
	assert.Equal(t, media.FrameID(3), f.sender.CheckpointFrameID())
	check()

	f.sender.OnReceiverCheckpoint(7, 0)
	canceledBeyondCheckpoint = 1
	check()

	// Frame ids beyond the last enqueued frame are ignored.
	f.sender.OnReceiverCheckpoint(42, 0)
	f.sender.OnReceiverHasFrames([]media.FrameID{43})
	assert.Equal(t, media.FrameID(7), f.sender.CheckpointFrameID())
	check()

	f.sender.OnReceiverCheckpoint(9, 0)
	assert.Equal(t, 0, f.sender.NumberOfFramesInFlight())
	assert.Equal(t, SenderIdle, f.sender.State())

	assert.Equal(t, 10, countFrameEvents(f.events.TakeFrameEvents(), stats.FrameAckReceived))
	assert.Len(t, f.observer.canceled, 10)
}

func TestStaleNackIgnoredWithinRoundTrip(t *testing.T) {
	f := newSenderFixture(t)
	f.sender.roundTripTime = ms(100)
	f.enqueue(t, makeFrame(0, 0, 10), makeFrame(1, 3000, 10))
	require.Len(t, f.drain(), 2)
	slot := f.sender.slotFor(0)

	// Sent 50 ms ago: arrival - sent < rtt, the NACK crossed the packet.
	f.clock.Advance(ms(50))
	f.sender.OnReceiverIsMissingPackets([]PacketNack{{FrameID: 0, PacketID: 0}})
	assert.False(t, slot.sendFlags.isSet(0))

	// Sent exactly one round trip ago: resend.
	f.clock.Advance(ms(50))
	f.sender.OnReceiverIsMissingPackets([]PacketNack{{FrameID: 0, PacketID: 0}})
	assert.True(t, slot.sendFlags.isSet(0))

	packets := f.drain()
	require.Len(t, packets, 1)
	assert.Equal(t, uint8(0), packets[0].FrameID)
	retransmits := 0
	for _, e := range f.events.TakePacketEvents() {
		if e.Type == stats.PacketRetransmitted {
			retransmits++
		}
	}
	assert.Equal(t, 1, retransmits)
}

func TestNackAllPacketsAndUnknownFrames(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 4000), makeFrame(1, 3000, 10))
	f.drain()
	f.clock.Advance(ms(10))

	f.sender.OnReceiverCheckpoint(0, 0)
	f.sender.OnReceiverIsMissingPackets([]PacketNack{
		{FrameID: 0, PacketID: AllPacketsLost}, // already acknowledged
		{FrameID: 1, PacketID: AllPacketsLost},
		{FrameID: 1, PacketID: 7}, // no such packet
		{FrameID: 5, PacketID: 0}, // never enqueued
	})

	packets := f.drain()
	require.Len(t, packets, 1)
	assert.Equal(t, uint8(1), packets[0].FrameID)
}

func TestRoundTripTimeSmoothing(t *testing.T) {
	f := newSenderFixture(t)
	frame := makeFrame(0, 0, 10)
	frame.ReferenceTime = f.clock.Now()
	f.enqueue(t, frame)

	report := func(total time.Duration, delay uint32) {
		t.Helper()
		raw := f.sender.GetRTCPPacketForImmediateSend(f.clock.Now())
		require.NotNil(t, raw)
		var sr rtcp.SenderReport
		require.NoError(t, sr.Unmarshal(raw))
		f.clock.Advance(total)
		f.sender.OnReceiverReport(rtcp.ReceptionReport{
			SSRC:             testSenderSSRC,
			LastSenderReport: ToCompactNTP(sr.NTPTime),
			Delay:            delay,
		})
	}
	const delay125ms = 65536 / 8

	// First sample seeds the estimate: 145 ms - 125 ms.
	report(ms(145), delay125ms)
	assert.Equal(t, ms(20), f.sender.CurrentRoundTripTime())

	// (7*20 + 40) / 8 = 22.5 ms.
	report(ms(165), delay125ms)
	assert.Equal(t, 22500*time.Microsecond, f.sender.CurrentRoundTripTime())
	assert.Equal(t, 22500*time.Microsecond, f.router.RoundTripTime())

	// Implausible samples above the playout delay are discarded.
	report(ms(900), 0)
	assert.Equal(t, 22500*time.Microsecond, f.sender.CurrentRoundTripTime())

	// Unknown report references are ignored.
	f.sender.OnReceiverReport(rtcp.ReceptionReport{SSRC: testSenderSSRC, LastSenderReport: 12345})
	assert.Equal(t, 22500*time.Microsecond, f.sender.CurrentRoundTripTime())
}

func TestRoundTripTimeFloor(t *testing.T) {
	f := newSenderFixture(t)
	frame := makeFrame(0, 0, 10)
	frame.ReferenceTime = f.clock.Now()
	f.enqueue(t, frame)

	raw := f.sender.GetRTCPPacketForImmediateSend(f.clock.Now())
	var sr rtcp.SenderReport
	require.NoError(t, sr.Unmarshal(raw))
	f.sender.OnReceiverReport(rtcp.ReceptionReport{
		SSRC:             testSenderSSRC,
		LastSenderReport: ToCompactNTP(sr.NTPTime),
		Delay:            DurationToCompactNTP(ms(5)),
	})
	assert.Equal(t, minRoundTripTime, f.sender.CurrentRoundTripTime())
}

func TestSenderReportRequiresLipSync(t *testing.T) {
	f := newSenderFixture(t)
	assert.Nil(t, f.sender.GetRTCPPacketForImmediateSend(f.clock.Now()))

	frame := makeFrame(0, 90000, 10)
	frame.ReferenceTime = f.clock.Now()
	f.enqueue(t, frame)

	raw := f.sender.GetRTCPPacketForImmediateSend(f.clock.Now().Add(time.Second))
	require.NotNil(t, raw)
	var sr rtcp.SenderReport
	require.NoError(t, sr.Unmarshal(raw))
	assert.Equal(t, uint32(testSenderSSRC), sr.SSRC)
	assert.Equal(t, uint32(180000), sr.RTPTime)
}

func TestKickstart(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 10))
	start := f.clock.Now()
	require.Len(t, f.drain(), 1)

	// Nothing flagged; the kickstart waits max(400ms/20, 2*0) = 20 ms.
	resume, ok := f.sender.RTPResumeTime()
	require.True(t, ok)
	assert.Equal(t, start.Add(ms(20)), resume)

	f.clock.Advance(ms(10))
	assert.Nil(t, f.sender.GetRTPPacketForImmediateSend(f.clock.Now()))

	f.clock.Advance(ms(10))
	packets := f.drain()
	require.Len(t, packets, 1)
	assert.Equal(t, uint8(0), packets[0].FrameID)
	assert.Equal(t, packets[0].MaxPacketID, packets[0].PacketID)

	// With a 50 ms round trip the wait becomes 2*RTT.
	f.sender.roundTripTime = ms(50)
	resume, ok = f.sender.RTPResumeTime()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(ms(100)), resume)

	// Once the receiver knows about frame 0 there is nothing to kickstart.
	f.sender.OnReceiverIsMissingPackets([]PacketNack{{FrameID: 0, PacketID: 0}})
	f.drain()
	_, ok = f.sender.RTPResumeTime()
	assert.False(t, ok)
	f.clock.Advance(time.Second)
	assert.Nil(t, f.sender.GetRTPPacketForImmediateSend(f.clock.Now()))
}

func TestKickstartOnlyForNewestFrame(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 3000), makeFrame(1, 3000, 3000))
	f.drain()

	f.clock.Advance(time.Second)
	packets := f.drain()
	require.Len(t, packets, 1)
	assert.Equal(t, uint8(1), packets[0].FrameID)
	assert.Equal(t, uint16(2), packets[0].PacketID)
}

func TestPictureLoss(t *testing.T) {
	f := newSenderFixture(t)
	assert.True(t, f.sender.NeedsKeyFrame())

	f.enqueue(t, makeFrame(0, 0, 10))
	assert.False(t, f.sender.NeedsKeyFrame())

	// Key frame 0 is still in flight: the loss signal is redundant.
	f.sender.OnReceiverIndicatesPictureLoss()
	assert.False(t, f.sender.NeedsKeyFrame())
	assert.Equal(t, 0, f.observer.pictureLost)

	f.sender.OnReceiverCheckpoint(0, 0)
	f.sender.OnReceiverIndicatesPictureLoss()
	assert.True(t, f.sender.NeedsKeyFrame())
	assert.Equal(t, 1, f.observer.pictureLost)

	f.enqueue(t, makeFrame(1, 3000, 10))
	assert.True(t, f.sender.NeedsKeyFrame())

	key := makeFrame(2, 6000, 10)
	key.Dependency = media.DependencyKeyFrame
	f.enqueue(t, key)
	assert.False(t, f.sender.NeedsKeyFrame())
}

func TestRepeatedPictureLossNotifiesOnce(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 10))
	f.sender.OnReceiverCheckpoint(0, 0)

	f.sender.OnReceiverIndicatesPictureLoss()
	f.sender.OnReceiverIndicatesPictureLoss()
	assert.True(t, f.sender.NeedsKeyFrame())
	assert.Equal(t, 1, f.observer.pictureLost)

	// A delta frame does not satisfy the request.
	f.enqueue(t, makeFrame(1, 3000, 10))
	f.sender.OnReceiverIndicatesPictureLoss()
	assert.Equal(t, 1, f.observer.pictureLost)

	key := makeFrame(2, 6000, 10)
	key.Dependency = media.DependencyKeyFrame
	f.enqueue(t, key)
	assert.False(t, f.sender.NeedsKeyFrame())

	// Loss reported again once the key frame has been acknowledged.
	f.sender.OnReceiverCheckpoint(2, 0)
	f.sender.OnReceiverIndicatesPictureLoss()
	assert.True(t, f.sender.NeedsKeyFrame())
	assert.Equal(t, 2, f.observer.pictureLost)
}

func TestOnReceivedRTCPPacketAppliesFeedback(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 10), makeFrame(1, 3000, 10), makeFrame(2, 6000, 10))
	f.drain()
	f.clock.Advance(ms(5))

	feedback := &CastFeedback{
		SenderSSRC:        testReceiverSSRC,
		MediaSSRC:         testSenderSSRC,
		CheckpointFrameID: 0,
		ReceivedFrames:    []media.FrameID{2},
		MissingPackets:    []PacketNack{{FrameID: 1, PacketID: AllPacketsLost}},
	}
	pli := &rtcp.PictureLossIndication{SenderSSRC: testReceiverSSRC, MediaSSRC: testSenderSSRC}
	raw, err := MarshalCompound(feedback, pli)
	require.NoError(t, err)

	f.sender.OnReceivedRTCPPacket(f.clock.Now(), raw)
	assert.Equal(t, media.FrameID(0), f.sender.CheckpointFrameID())
	assert.Equal(t, 1, f.sender.NumberOfFramesInFlight())
	assert.Equal(t, 1, f.observer.pictureLost)

	packets := f.drain()
	require.Len(t, packets, 1)
	assert.Equal(t, uint8(1), packets[0].FrameID)

	// Feedback for another stream is ignored.
	other := &CastFeedback{SenderSSRC: 99, MediaSSRC: testSenderSSRC, CheckpointFrameID: 1}
	raw, err = MarshalCompound(other)
	require.NoError(t, err)
	f.sender.OnReceivedRTCPPacket(f.clock.Now(), raw)
	assert.Equal(t, media.FrameID(0), f.sender.CheckpointFrameID())
}

func TestSenderClose(t *testing.T) {
	f := newSenderFixture(t)
	f.enqueue(t, makeFrame(0, 0, 10), makeFrame(1, 3000, 10))
	require.Equal(t, 1, f.router.NumSenders())

	f.sender.Close()
	assert.Equal(t, []media.FrameID{0, 1}, f.observer.canceled)
	assert.Equal(t, 0, f.sender.NumberOfFramesInFlight())
	assert.Equal(t, 0, f.router.NumSenders())
	for i := range f.sender.slots {
		assert.Nil(t, f.sender.slots[i].frame)
	}
	assert.Zero(t, countFrameEvents(f.events.TakeFrameEvents(), stats.FrameAckReceived))
}
