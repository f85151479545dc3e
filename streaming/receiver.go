package streaming

import (
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/crypto"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/limits"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/stats"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// nackFeedbackInterval is how often feedback repeats while frames are
// incomplete.
const nackFeedbackInterval = 30 * time.Millisecond

// FrameConsumer receives decrypted frames in frame id order.
type FrameConsumer interface {
	OnFrameReceived(frame *media.EncodedFrame)
}

// ReceiverConfig describes one negotiated inbound stream.
type ReceiverConfig struct {
	ReceiverSSRC       uint32
	SenderSSRC         uint32
	StreamType         media.StreamType
	RTPTimebase        int
	TargetPlayoutDelay time.Duration
	Secrets            crypto.StreamSecrets
}

// Validate checks the configuration.
func (c ReceiverConfig) Validate() error {
	switch {
	case c.SenderSSRC == c.ReceiverSSRC:
		return fmt.Errorf("%w: sender and receiver ssrc both %d", ErrInvalidConfig, c.SenderSSRC)
	case c.RTPTimebase <= 0:
		return fmt.Errorf("%w: rtp timebase %d", ErrInvalidConfig, c.RTPTimebase)
	case c.TargetPlayoutDelay <= 0:
		return fmt.Errorf("%w: target playout delay %v", ErrInvalidConfig, c.TargetPlayoutDelay)
	}
	return nil
}

type partialFrame struct {
	frameID           media.FrameID
	referencedFrameID media.FrameID
	rtpTimestamp      media.RtpTimeTicks
	keyFrame          bool
	newPlayoutDelay   time.Duration
	packets           [][]byte
	numReceived       int
}

func (f *partialFrame) complete() bool {
	return f.numReceived == len(f.packets)
}

// senderClockMapping relates the sender's wall clock and RTP clock, as
// learned from its most recent Sender Report.
type senderClockMapping struct {
	compactNTP   uint32
	arrival      time.Time
	senderTime   time.Time
	rtpTimestamp media.RtpTimeTicks
	offset       time.Duration
	valid        bool
}

// Receiver reassembles and decrypts the frames of one stream and reports
// progress to the sender with Cast feedback. It does no jitter buffering:
// frames go to the consumer as soon as they and every earlier frame are
// complete.
type Receiver struct {
	config    ReceiverConfig
	clock     clockwork.Clock
	transport PacketSender
	consumer  FrameConsumer
	events    EventSink
	decryptor *crypto.FrameCrypto
	alarm     *environment.Alarm

	targetPlayoutDelay time.Duration
	checkpointFrameID  media.FrameID
	latestFrameID      media.FrameID
	lastRTPTimestamp   media.RtpTimeTicks
	frames             map[media.FrameID]*partialFrame
	senderReport       senderClockMapping
	feedbackCount      uint8
	keyFrameRequested  bool

	highestSequence uint16
	sequenceCycles  uint32
	sequenceSeen    bool
	packetsReceived int
	framesDelivered int
}

// NewReceiver creates a receiver that replies through transport.
func NewReceiver(clock clockwork.Clock, runner environment.TaskRunner, transport PacketSender, config ReceiverConfig, consumer FrameConsumer, events EventSink) (*Receiver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	decryptor, err := config.Secrets.NewFrameCrypto()
	if err != nil {
		return nil, fmt.Errorf("failed to create frame crypto: %w", err)
	}
	return &Receiver{
		config:             config,
		clock:              clock,
		transport:          transport,
		consumer:           consumer,
		events:             events,
		decryptor:          decryptor,
		alarm:              environment.NewAlarm(clock, runner),
		targetPlayoutDelay: config.TargetPlayoutDelay,
		checkpointFrameID:  media.LeaderFrameID,
		latestFrameID:      media.LeaderFrameID,
		frames:             make(map[media.FrameID]*partialFrame),
	}, nil
}

// Config returns the receiver's configuration.
func (r *Receiver) Config() ReceiverConfig { return r.config }

// CheckpointFrameID returns the newest frame delivered with all before it.
func (r *Receiver) CheckpointFrameID() media.FrameID { return r.checkpointFrameID }

// FramesDelivered returns how many frames went to the consumer.
func (r *Receiver) FramesDelivered() int { return r.framesDelivered }

// PacketsReceived returns how many RTP packets were accepted.
func (r *Receiver) PacketsReceived() int { return r.packetsReceived }

// RequestKeyFrame sends a Picture Loss Indication now and with every
// feedback until a key frame completes.
func (r *Receiver) RequestKeyFrame() {
	r.keyFrameRequested = true
	r.sendFeedback(false)
}

// OnReceivedRTP handles one RTP packet for this stream.
func (r *Receiver) OnReceivedRTP(arrival time.Time, packet *RTPPacket) {
	reference := media.MaxFrameID(r.latestFrameID, r.checkpointFrameID)
	frameID := media.ExpandFrameID(packet.FrameID, reference)
	if frameID <= r.checkpointFrameID || frameID-r.checkpointFrameID > limits.MaxUnackedFrames {
		logrus.WithFields(logrus.Fields{
			"function":   "Receiver.OnReceivedRTP",
			"frame_id":   frameID,
			"checkpoint": r.checkpointFrameID,
		}).Debug("Dropping packet outside receive window")
		return
	}
	r.trackSequence(packet.SequenceNumber)

	frame, ok := r.frames[frameID]
	if !ok {
		frame = &partialFrame{
			frameID:           frameID,
			referencedFrameID: media.ExpandFrameID(packet.ReferencedFrameID, frameID),
			rtpTimestamp:      media.ExpandRtpTimeTicks(packet.RTPTimestamp, r.lastRTPTimestamp),
			keyFrame:          packet.KeyFrame,
			packets:           make([][]byte, int(packet.MaxPacketID)+1),
		}
		r.frames[frameID] = frame
		r.latestFrameID = media.MaxFrameID(r.latestFrameID, frameID)
	}
	if int(packet.PacketID) >= len(frame.packets) || frame.packets[packet.PacketID] != nil {
		return
	}
	frame.packets[packet.PacketID] = append([]byte(nil), packet.Payload...)
	frame.numReceived++
	if packet.NewPlayoutDelay > 0 {
		frame.newPlayoutDelay = packet.NewPlayoutDelay
		r.targetPlayoutDelay = packet.NewPlayoutDelay
	}
	r.packetsReceived++

	if r.events != nil {
		r.events.RecordPacketEvent(stats.PacketEvent{
			FrameID:      frameID,
			PacketID:     packet.PacketID,
			MaxPacketID:  packet.MaxPacketID,
			Type:         stats.PacketReceived,
			MediaType:    r.config.StreamType,
			RTPTimestamp: frame.rtpTimestamp,
			Size:         len(packet.Payload),
			Timestamp:    arrival,
		})
	}

	if !frame.complete() {
		if !r.alarm.IsScheduled() {
			r.alarm.ScheduleFromNow(r.onFeedbackTimer, nackFeedbackInterval)
		}
		return
	}

	r.recordFrameEvent(frame, stats.FrameAckSent, 0)
	if frame.keyFrame {
		r.keyFrameRequested = false
	}
	r.advanceCheckpoint()
	r.sendFeedback(false)
}

func (r *Receiver) trackSequence(seq uint16) {
	if !r.sequenceSeen {
		r.sequenceSeen = true
		r.highestSequence = seq
		return
	}
	if diff := int16(seq - r.highestSequence); diff > 0 {
		if seq < r.highestSequence {
			r.sequenceCycles++
		}
		r.highestSequence = seq
	}
}

// advanceCheckpoint delivers every complete frame that follows the
// checkpoint.
func (r *Receiver) advanceCheckpoint() {
	for {
		next := r.checkpointFrameID + 1
		frame, ok := r.frames[next]
		if !ok || !frame.complete() {
			return
		}
		delete(r.frames, next)
		r.checkpointFrameID = next
		r.deliver(frame)
	}
}

func (r *Receiver) deliver(frame *partialFrame) {
	size := 0
	for _, p := range frame.packets {
		size += len(p)
	}
	ciphertext := make([]byte, 0, size)
	for _, p := range frame.packets {
		ciphertext = append(ciphertext, p...)
	}

	dependency := media.DependencyDependent
	if frame.keyFrame {
		dependency = media.DependencyKeyFrame
	}
	decoded := &media.EncodedFrame{
		FrameID:           frame.frameID,
		ReferencedFrameID: frame.referencedFrameID,
		Dependency:        dependency,
		RTPTimestamp:      frame.rtpTimestamp,
		NewPlayoutDelay:   frame.newPlayoutDelay,
		Data:              r.decryptor.Decrypt(int64(frame.frameID), ciphertext),
	}
	r.lastRTPTimestamp = frame.rtpTimestamp
	r.framesDelivered++

	r.recordFrameEvent(frame, stats.FrameDecoded, 0)
	if playout, ok := r.playoutTime(frame.rtpTimestamp); ok {
		r.recordFrameEvent(frame, stats.FramePlayedOut, playout.Sub(r.clock.Now()))
	}

	if r.consumer != nil {
		r.consumer.OnFrameReceived(decoded)
	}
}

// playoutTime maps an RTP timestamp to the local time it should play at,
// using the latest Sender Report and the target playout delay.
func (r *Receiver) playoutTime(rtpTimestamp media.RtpTimeTicks) (time.Time, bool) {
	if !r.senderReport.valid {
		return time.Time{}, false
	}
	mediaOffset := (rtpTimestamp - r.senderReport.rtpTimestamp).ToDuration(r.config.RTPTimebase)
	return r.senderReport.senderTime.Add(r.senderReport.offset + mediaOffset + r.targetPlayoutDelay), true
}

func (r *Receiver) recordFrameEvent(frame *partialFrame, eventType stats.EventType, delayDelta time.Duration) {
	if r.events == nil {
		return
	}
	r.events.RecordFrameEvent(stats.FrameEvent{
		FrameID:      frame.frameID,
		Type:         eventType,
		MediaType:    r.config.StreamType,
		RTPTimestamp: frame.rtpTimestamp,
		KeyFrame:     frame.keyFrame,
		Timestamp:    r.clock.Now(),
		DelayDelta:   delayDelta,
	})
}

// OnReceivedRTCP handles compound RTCP from the sender. Each Sender Report
// is answered with a Receiver Report and feedback.
func (r *Receiver) OnReceivedRTCP(arrival time.Time, packet []byte) {
	parsed, err := ParseCompoundRTCP(packet, r.checkpointFrameID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.OnReceivedRTCP",
			"error":    err.Error(),
		}).Warn("Dropping malformed RTCP packet")
		return
	}

	for _, sr := range parsed.SenderReports {
		if sr.SSRC != r.config.SenderSSRC {
			continue
		}
		senderTime := FromNTP(sr.NTPTime)
		offset := arrival.Sub(senderTime)
		if r.senderReport.valid && r.senderReport.offset < offset {
			offset = r.senderReport.offset
		}
		r.senderReport = senderClockMapping{
			compactNTP:   ToCompactNTP(sr.NTPTime),
			arrival:      arrival,
			senderTime:   senderTime,
			rtpTimestamp: media.ExpandRtpTimeTicks(sr.RTPTime, r.lastRTPTimestamp),
			offset:       offset,
			valid:        true,
		}
		r.sendFeedback(true)
	}
}

func (r *Receiver) onFeedbackTimer() {
	r.sendFeedback(false)
}

// buildFeedback lists NACKs for incomplete frames and ACKs for complete
// frames beyond the checkpoint.
func (r *Receiver) buildFeedback() *CastFeedback {
	r.feedbackCount++
	feedback := &CastFeedback{
		SenderSSRC:         r.config.ReceiverSSRC,
		MediaSSRC:          r.config.SenderSSRC,
		CheckpointFrameID:  r.checkpointFrameID,
		TargetPlayoutDelay: r.targetPlayoutDelay,
		FeedbackCount:      r.feedbackCount,
	}

	ids := make([]media.FrameID, 0, len(r.frames))
	for id := range r.frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	next := r.checkpointFrameID + 1
	for _, id := range ids {
		for ; next < id; next++ {
			feedback.MissingPackets = append(feedback.MissingPackets, PacketNack{FrameID: next, PacketID: AllPacketsLost})
		}
		next = id + 1

		frame := r.frames[id]
		if frame.complete() {
			feedback.ReceivedFrames = append(feedback.ReceivedFrames, id)
			continue
		}
		for packetID, p := range frame.packets {
			if p == nil {
				feedback.MissingPackets = append(feedback.MissingPackets, PacketNack{FrameID: id, PacketID: uint16(packetID)})
			}
		}
	}
	if len(feedback.MissingPackets) > maxLossFields {
		feedback.MissingPackets = feedback.MissingPackets[:maxLossFields]
	}
	return feedback
}

func (r *Receiver) sendFeedback(includeReport bool) {
	var packets []Marshaler
	if includeReport && r.senderReport.valid {
		packets = append(packets, &rtcp.ReceiverReport{
			SSRC: r.config.ReceiverSSRC,
			Reports: []rtcp.ReceptionReport{{
				SSRC:               r.config.SenderSSRC,
				LastSequenceNumber: r.sequenceCycles<<16 | uint32(r.highestSequence),
				LastSenderReport:   r.senderReport.compactNTP,
				Delay:              DurationToCompactNTP(r.clock.Now().Sub(r.senderReport.arrival)),
			}},
		})
	}

	feedback := r.buildFeedback()
	packets = append(packets, feedback)
	if r.keyFrameRequested {
		packets = append(packets, &rtcp.PictureLossIndication{
			SenderSSRC: r.config.ReceiverSSRC,
			MediaSSRC:  r.config.SenderSSRC,
		})
	}

	raw, err := MarshalCompound(packets...)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendFeedback",
			"error":    err.Error(),
		}).Error("Failed to build feedback")
		return
	}
	if err := r.transport.SendPacket(raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.sendFeedback",
			"error":    err.Error(),
		}).Warn("Failed to send feedback")
	}

	if len(feedback.MissingPackets) > 0 {
		r.alarm.ScheduleFromNow(r.onFeedbackTimer, nackFeedbackInterval)
	} else {
		r.alarm.Cancel()
	}
}

// Close stops periodic feedback.
func (r *Receiver) Close() {
	r.alarm.Cancel()
}
