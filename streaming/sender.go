package streaming

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/crypto"
	"github.com/opd-ai/caststream/limits"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/stats"
	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

const (
	// minRoundTripTime is the floor applied to every round trip sample.
	minRoundTripTime = 75 * time.Microsecond

	// numRecentSenderReports is how many sent reports are remembered for
	// matching the LSR field of reception reports.
	numRecentSenderReports = 8
)

// SenderState reports whether a sender has frames in flight.
type SenderState uint8

const (
	SenderIdle SenderState = iota
	SenderStreaming
)

func (s SenderState) String() string {
	if s == SenderStreaming {
		return "Streaming"
	}
	return "Idle"
}

// SenderConfig describes one negotiated outbound stream.
type SenderConfig struct {
	SenderSSRC   uint32
	ReceiverSSRC uint32
	StreamType   media.StreamType
	PayloadType  media.PayloadType

	// RTPTimebase is the media clock rate in Hz.
	RTPTimebase int

	TargetPlayoutDelay time.Duration
	Secrets            crypto.StreamSecrets

	// MaxPacketSize bounds each RTP datagram.
	MaxPacketSize int
}

// DefaultSenderConfig returns a configuration for streamType with a 400 ms
// playout delay and IPv4-sized packets. SSRCs and secrets must still be set.
func DefaultSenderConfig(streamType media.StreamType) SenderConfig {
	config := SenderConfig{
		StreamType:         streamType,
		RTPTimebase:        90000,
		PayloadType:        media.PayloadTypeVideoVP8,
		TargetPlayoutDelay: 400 * time.Millisecond,
		MaxPacketSize:      limits.MaxRTPPacketSizeIPv4,
	}
	if streamType == media.StreamTypeAudio {
		config.RTPTimebase = 48000
		config.PayloadType = media.PayloadTypeAudioOpus
	}
	return config
}

// Validate checks the configuration.
func (c SenderConfig) Validate() error {
	switch {
	case c.SenderSSRC == c.ReceiverSSRC:
		return fmt.Errorf("%w: sender and receiver ssrc both %d", ErrInvalidConfig, c.SenderSSRC)
	case c.RTPTimebase <= 0:
		return fmt.Errorf("%w: rtp timebase %d", ErrInvalidConfig, c.RTPTimebase)
	case c.TargetPlayoutDelay <= 0:
		return fmt.Errorf("%w: target playout delay %v", ErrInvalidConfig, c.TargetPlayoutDelay)
	case !c.PayloadType.IsValid():
		return fmt.Errorf("%w: payload type %d", ErrInvalidConfig, c.PayloadType)
	case limits.MaxPayloadPerPacket(c.MaxPacketSize, true) <= 0:
		return fmt.Errorf("%w: max packet size %d", ErrInvalidConfig, c.MaxPacketSize)
	}
	return nil
}

// Observer is told about frames the sender gives up on and about the
// receiver losing the picture.
type Observer interface {
	// OnFrameCanceled is called when a frame is acknowledged or dropped and
	// will not be sent again.
	OnFrameCanceled(frameID media.FrameID)

	// OnPictureLost asks the encoder for a key frame.
	OnPictureLost()
}

// EventSink receives telemetry events. *stats.Collector implements it.
type EventSink interface {
	RecordFrameEvent(event stats.FrameEvent)
	RecordPacketEvent(event stats.PacketEvent)
}

type pendingFrameSlot struct {
	frame       *media.EncodedFrame
	numPackets  int
	sendFlags   packetFlags
	packetsSent []time.Time
}

func (s *pendingFrameSlot) isActiveForFrame(frameID media.FrameID) bool {
	return s.frame != nil && s.frame.FrameID == frameID
}

func (s *pendingFrameSlot) release() {
	s.frame = nil
	s.numPackets = 0
	s.sendFlags.clearAll()
	s.packetsSent = s.packetsSent[:0]
}

type sentReport struct {
	compactNTP uint32
	sendTime   time.Time
}

// lipSyncReference pairs a local reference time with the RTP timestamp of the
// frame to be played at that time.
type lipSyncReference struct {
	referenceTime time.Time
	rtpTimestamp  media.RtpTimeTicks
	valid         bool
}

// Sender reliably delivers the frames of one stream. Frames live in a window
// of limits.MaxUnackedFrames slots between the receiver's checkpoint and the
// last enqueued frame.
type Sender struct {
	config     SenderConfig
	clock      clockwork.Clock
	router     *PacketRouter
	frameCrypt *crypto.FrameCrypto
	packetizer *Packetizer
	observer   Observer
	events     EventSink

	targetPlayoutDelay time.Duration
	roundTripTime      time.Duration

	checkpointFrameID       media.FrameID
	latestExpectedFrameID   media.FrameID
	lastEnqueuedFrameID     media.FrameID
	lastEnqueuedKeyFrameID  media.FrameID
	pictureLostAtFrameID    media.FrameID
	numFramesInFlight       int
	slots                   [limits.MaxUnackedFrames]pendingFrameSlot
	pendingSenderReport     lipSyncReference
	recentReports           [numRecentSenderReports]sentReport
	nextReportIndex         int
	rtcpPacketArrivalTime   time.Time
	packetsSentCount        uint32
	octetsSentCount         uint32
	lastPlayoutDelayWarning time.Duration
}

// NewSender creates a sender and registers it with router.
func NewSender(router *PacketRouter, config SenderConfig, events EventSink) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	frameCrypt, err := config.Secrets.NewFrameCrypto()
	if err != nil {
		return nil, fmt.Errorf("failed to create frame crypto: %w", err)
	}

	s := &Sender{
		config:                 config,
		clock:                  router.Clock(),
		router:                 router,
		frameCrypt:             frameCrypt,
		packetizer:             NewPacketizer(config.PayloadType, config.SenderSSRC, config.MaxPacketSize),
		events:                 events,
		targetPlayoutDelay:     config.TargetPlayoutDelay,
		checkpointFrameID:      media.LeaderFrameID,
		latestExpectedFrameID:  media.LeaderFrameID,
		lastEnqueuedFrameID:    media.LeaderFrameID,
		lastEnqueuedKeyFrameID: media.LeaderFrameID,
		pictureLostAtFrameID:   media.LeaderFrameID,
	}
	if err := router.OnSenderCreated(config.ReceiverSSRC, s); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewSender",
		"stream":        config.StreamType,
		"sender_ssrc":   config.SenderSSRC,
		"receiver_ssrc": config.ReceiverSSRC,
		"playout_delay": config.TargetPlayoutDelay,
	}).Info("Sender created")
	return s, nil
}

// SetObserver sets the observer for cancellations and picture loss.
func (s *Sender) SetObserver(observer Observer) { s.observer = observer }

// Config returns the sender's configuration.
func (s *Sender) Config() SenderConfig { return s.config }

// State reports Streaming while any frame is in flight.
func (s *Sender) State() SenderState {
	if s.numFramesInFlight > 0 {
		return SenderStreaming
	}
	return SenderIdle
}

// NeedsKeyFrame reports whether the next enqueued frame should be a key
// frame: either none was sent yet, or the receiver lost the picture after
// the last one.
func (s *Sender) NeedsKeyFrame() bool {
	return s.lastEnqueuedKeyFrameID <= s.pictureLostAtFrameID
}

// CurrentRoundTripTime returns the smoothed round trip time, or zero before
// the first valid sample.
func (s *Sender) CurrentRoundTripTime() time.Duration { return s.roundTripTime }

// TargetPlayoutDelay returns the current target playout delay.
func (s *Sender) TargetPlayoutDelay() time.Duration { return s.targetPlayoutDelay }

// NumberOfFramesInFlight returns the number of enqueued frames not yet
// acknowledged or canceled.
func (s *Sender) NumberOfFramesInFlight() int { return s.numFramesInFlight }

// CheckpointFrameID returns the receiver's latest reported checkpoint.
func (s *Sender) CheckpointFrameID() media.FrameID { return s.checkpointFrameID }

// LastEnqueuedFrameID returns the id of the newest enqueued frame.
func (s *Sender) LastEnqueuedFrameID() media.FrameID { return s.lastEnqueuedFrameID }

// InFlightMediaDuration returns the media duration between the oldest frame
// in flight and a frame at nextFrameRTPTimestamp.
func (s *Sender) InFlightMediaDuration(nextFrameRTPTimestamp media.RtpTimeTicks) time.Duration {
	for id := s.checkpointFrameID + 1; id <= s.lastEnqueuedFrameID; id++ {
		slot := s.slotFor(id)
		if slot.isActiveForFrame(id) {
			return (nextFrameRTPTimestamp - slot.frame.RTPTimestamp).ToDuration(s.config.RTPTimebase)
		}
	}
	return 0
}

// MaxInFlightMediaDuration is half the playout delay for network transit
// and recovery, plus half a round trip.
func (s *Sender) MaxInFlightMediaDuration() time.Duration {
	return s.targetPlayoutDelay/2 + s.roundTripTime/2
}

// EnqueueFrame admits frame into the window and schedules its packets.
// On error the sender is unchanged.
func (s *Sender) EnqueueFrame(frame *media.EncodedFrame) error {
	if frame.FrameID <= s.lastEnqueuedFrameID {
		return fmt.Errorf("%w: %v after %v", ErrFrameIDNotIncreasing, frame.FrameID, s.lastEnqueuedFrameID)
	}
	if frame.FrameID-s.checkpointFrameID > limits.MaxUnackedFrames {
		return fmt.Errorf("%w: %v with checkpoint %v", ErrReachedIDSpanLimit, frame.FrameID, s.checkpointFrameID)
	}
	if d := s.InFlightMediaDuration(frame.RTPTimestamp); d > s.MaxInFlightMediaDuration() {
		return fmt.Errorf("%w: %v exceeds %v", ErrMaxDurationInFlight, d, s.MaxInFlightMediaDuration())
	}

	encrypted := *frame
	encrypted.Data = s.frameCrypt.Encrypt(int64(frame.FrameID), frame.Data)
	numPackets := s.packetizer.NumPackets(&encrypted)
	if numPackets == 0 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(frame.Data))
	}

	slot := s.slotFor(frame.FrameID)
	slot.frame = &encrypted
	slot.numPackets = numPackets
	slot.sendFlags.reset(numPackets)
	if cap(slot.packetsSent) >= numPackets {
		slot.packetsSent = slot.packetsSent[:numPackets]
		clear(slot.packetsSent)
	} else {
		slot.packetsSent = make([]time.Time, numPackets)
	}

	s.numFramesInFlight++
	s.lastEnqueuedFrameID = frame.FrameID
	if frame.IsKeyFrame() {
		s.lastEnqueuedKeyFrameID = frame.FrameID
	}
	if frame.NewPlayoutDelay > 0 {
		s.targetPlayoutDelay = frame.NewPlayoutDelay
	}
	s.updateLipSync(frame)
	s.recordEnqueueEvents(frame)

	logrus.WithFields(logrus.Fields{
		"function":  "Sender.EnqueueFrame",
		"stream":    s.config.StreamType,
		"frame_id":  frame.FrameID,
		"packets":   numPackets,
		"key_frame": frame.IsKeyFrame(),
		"in_flight": s.numFramesInFlight,
	}).Debug("Frame enqueued")

	if s.roundTripTime == 0 {
		s.router.RequestRTCPSend(s.config.ReceiverSSRC)
	}
	s.router.RequestRTPSend(s.config.ReceiverSSRC)
	return nil
}

func (s *Sender) updateLipSync(frame *media.EncodedFrame) {
	if frame.ReferenceTime.IsZero() {
		return
	}
	if s.pendingSenderReport.valid && frame.ReferenceTime.Before(s.pendingSenderReport.referenceTime) {
		logrus.WithFields(logrus.Fields{
			"function":       "Sender.updateLipSync",
			"frame_id":       frame.FrameID,
			"reference_time": frame.ReferenceTime,
			"previous_time":  s.pendingSenderReport.referenceTime,
		}).Warn("Frame reference time went backwards")
	}
	s.pendingSenderReport = lipSyncReference{
		referenceTime: frame.ReferenceTime,
		rtpTimestamp:  frame.RTPTimestamp,
		valid:         true,
	}
}

func (s *Sender) recordEnqueueEvents(frame *media.EncodedFrame) {
	if s.events == nil {
		return
	}
	event := stats.FrameEvent{
		FrameID:      frame.FrameID,
		MediaType:    s.config.StreamType,
		RTPTimestamp: frame.RTPTimestamp,
		KeyFrame:     frame.IsKeyFrame(),
	}
	if !frame.CaptureBeginTime.IsZero() {
		event.Type = stats.FrameCaptureBegin
		event.Timestamp = frame.CaptureBeginTime
		s.events.RecordFrameEvent(event)
	}
	if !frame.CaptureEndTime.IsZero() {
		event.Type = stats.FrameCaptureEnd
		event.Timestamp = frame.CaptureEndTime
		s.events.RecordFrameEvent(event)
	}
	event.Type = stats.FrameEncoded
	event.Timestamp = s.clock.Now()
	event.Size = len(frame.Data)
	s.events.RecordFrameEvent(event)
}

// GetRTPPacketForImmediateSend returns the next packet to transmit, or nil
// when nothing is due. Packets of the oldest frame go first; failing that, a
// kickstart packet may be resent.
func (s *Sender) GetRTPPacketForImmediateSend(sendTime time.Time) []byte {
	for id := s.checkpointFrameID + 1; id <= s.lastEnqueuedFrameID; id++ {
		slot := s.slotFor(id)
		if !slot.isActiveForFrame(id) {
			continue
		}
		packetID, ok := slot.sendFlags.first()
		if !ok {
			continue
		}
		slot.sendFlags.clear(packetID)
		return s.sendPacket(slot, packetID, sendTime)
	}

	if s.kickstartDue(sendTime) {
		slot := s.slotFor(s.lastEnqueuedFrameID)
		logrus.WithFields(logrus.Fields{
			"function":         "Sender.GetRTPPacketForImmediateSend",
			"frame_id":         s.lastEnqueuedFrameID,
			"latest_expected":  s.latestExpectedFrameID,
			"kickstart_packet": slot.numPackets - 1,
		}).Debug("Sending kickstart packet")
		return s.sendPacket(slot, slot.numPackets-1, sendTime)
	}
	return nil
}

func (s *Sender) sendPacket(slot *pendingFrameSlot, packetID int, sendTime time.Time) []byte {
	packet, err := s.packetizer.GeneratePacket(slot.frame, packetID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Sender.sendPacket",
			"frame_id":  slot.frame.FrameID,
			"packet_id": packetID,
			"error":     err.Error(),
		}).Error("Failed to generate packet")
		return nil
	}

	retransmit := !slot.packetsSent[packetID].IsZero()
	slot.packetsSent[packetID] = sendTime
	s.packetsSentCount++
	s.octetsSentCount += uint32(len(packet))

	if s.events != nil {
		eventType := stats.PacketSentToNetwork
		if retransmit {
			eventType = stats.PacketRetransmitted
		}
		s.events.RecordPacketEvent(stats.PacketEvent{
			FrameID:      slot.frame.FrameID,
			PacketID:     uint16(packetID),
			MaxPacketID:  uint16(slot.numPackets - 1),
			Type:         eventType,
			MediaType:    s.config.StreamType,
			RTPTimestamp: slot.frame.RTPTimestamp,
			Size:         len(packet),
			Timestamp:    sendTime,
		})
	}
	return packet
}

// kickstartInterval is the wait before resending the newest frame's last
// packet: a fraction of the playout delay, but never under two round trips.
func (s *Sender) kickstartInterval() time.Duration {
	return max(s.targetPlayoutDelay/20, 2*s.roundTripTime)
}

// kickstartTime returns when a kickstart packet may next be sent.
func (s *Sender) kickstartTime() (time.Time, bool) {
	if s.latestExpectedFrameID >= s.lastEnqueuedFrameID {
		return time.Time{}, false
	}
	slot := s.slotFor(s.lastEnqueuedFrameID)
	if !slot.isActiveForFrame(s.lastEnqueuedFrameID) {
		return time.Time{}, false
	}
	return slot.packetsSent[slot.numPackets-1].Add(s.kickstartInterval()), true
}

func (s *Sender) kickstartDue(now time.Time) bool {
	when, ok := s.kickstartTime()
	return ok && !now.Before(when)
}

// RTPResumeTime reports when GetRTPPacketForImmediateSend should next be
// called. The zero time means immediately; false means not until new
// frames or feedback arrive.
func (s *Sender) RTPResumeTime() (time.Time, bool) {
	for id := s.checkpointFrameID + 1; id <= s.lastEnqueuedFrameID; id++ {
		slot := s.slotFor(id)
		if slot.isActiveForFrame(id) && slot.sendFlags.count() > 0 {
			return time.Time{}, true
		}
	}
	return s.kickstartTime()
}

// GetRTCPPacketForImmediateSend returns a Sender Report mapping sendTime to
// the stream's RTP clock, or nil before the first frame provides the
// mapping.
func (s *Sender) GetRTCPPacketForImmediateSend(sendTime time.Time) []byte {
	if !s.pendingSenderReport.valid {
		return nil
	}

	elapsed := sendTime.Sub(s.pendingSenderReport.referenceTime)
	rtpTime := s.pendingSenderReport.rtpTimestamp + media.RtpTimeTicksFromDuration(elapsed, s.config.RTPTimebase)
	ntp := ToNTP(sendTime)

	report := &rtcp.SenderReport{
		SSRC:        s.config.SenderSSRC,
		NTPTime:     ntp,
		RTPTime:     rtpTime.Truncate32(),
		PacketCount: s.packetsSentCount,
		OctetCount:  s.octetsSentCount,
	}
	packet, err := report.Marshal()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.GetRTCPPacketForImmediateSend",
			"error":    err.Error(),
		}).Error("Failed to marshal sender report")
		return nil
	}

	s.recentReports[s.nextReportIndex] = sentReport{compactNTP: ToCompactNTP(ntp), sendTime: sendTime}
	s.nextReportIndex = (s.nextReportIndex + 1) % numRecentSenderReports
	return packet
}

func (s *Sender) lookupSenderReport(compactNTP uint32) (time.Time, bool) {
	for _, report := range s.recentReports {
		if !report.sendTime.IsZero() && report.compactNTP == compactNTP {
			return report.sendTime, true
		}
	}
	return time.Time{}, false
}

// OnReceivedRTCPPacket handles a compound RTCP packet from the receiver.
func (s *Sender) OnReceivedRTCPPacket(arrival time.Time, packet []byte) {
	parsed, err := ParseCompoundRTCP(packet, s.lastEnqueuedFrameID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.OnReceivedRTCPPacket",
			"error":    err.Error(),
		}).Warn("Dropping malformed RTCP packet")
		return
	}

	s.rtcpPacketArrivalTime = arrival
	defer func() { s.rtcpPacketArrivalTime = time.Time{} }()

	for _, rr := range parsed.ReceiverReports {
		if rr.SSRC != s.config.ReceiverSSRC {
			continue
		}
		for _, report := range rr.Reports {
			if report.SSRC == s.config.SenderSSRC {
				s.OnReceiverReport(report)
			}
		}
	}
	for _, feedback := range parsed.Feedback {
		if feedback.SenderSSRC != s.config.ReceiverSSRC || feedback.MediaSSRC != s.config.SenderSSRC {
			continue
		}
		s.OnReceiverCheckpoint(feedback.CheckpointFrameID, feedback.TargetPlayoutDelay)
		if len(feedback.ReceivedFrames) > 0 {
			s.OnReceiverHasFrames(feedback.ReceivedFrames)
		}
		if len(feedback.MissingPackets) > 0 {
			s.OnReceiverIsMissingPackets(feedback.MissingPackets)
		}
	}
	for _, pli := range parsed.PictureLoss {
		if pli.SenderSSRC == s.config.ReceiverSSRC && pli.MediaSSRC == s.config.SenderSSRC {
			s.OnReceiverIndicatesPictureLoss()
		}
	}
}

// arrivalTime is the arrival of the RTCP packet being processed, or now when
// a feedback method is called directly.
func (s *Sender) arrivalTime() time.Time {
	if !s.rtcpPacketArrivalTime.IsZero() {
		return s.rtcpPacketArrivalTime
	}
	return s.clock.Now()
}

// OnReceiverReport updates the round trip time from a reception report that
// references one of our recent Sender Reports.
func (s *Sender) OnReceiverReport(report rtcp.ReceptionReport) {
	sendTime, ok := s.lookupSenderReport(report.LastSenderReport)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Sender.OnReceiverReport",
			"lsr":      report.LastSenderReport,
		}).Debug("Reception report does not match a recent sender report")
		return
	}

	total := s.arrivalTime().Sub(sendTime)
	measured := max(total-CompactNTPToDuration(report.Delay), minRoundTripTime)
	if measured > s.targetPlayoutDelay {
		logrus.WithFields(logrus.Fields{
			"function":      "Sender.OnReceiverReport",
			"measured":      measured,
			"playout_delay": s.targetPlayoutDelay,
		}).Warn("Discarding implausible round trip time")
		return
	}

	if s.roundTripTime == 0 {
		s.roundTripTime = measured
	} else {
		s.roundTripTime = (7*s.roundTripTime + measured) / 8
	}
	s.router.OnRoundTripTimeUpdated(s.roundTripTime)
}

// OnReceiverCheckpoint cancels every frame up to and including frameID.
func (s *Sender) OnReceiverCheckpoint(frameID media.FrameID, playoutDelay time.Duration) {
	if frameID > s.lastEnqueuedFrameID {
		logrus.WithFields(logrus.Fields{
			"function":      "Sender.OnReceiverCheckpoint",
			"frame_id":      frameID,
			"last_enqueued": s.lastEnqueuedFrameID,
		}).Warn("Ignoring checkpoint beyond last enqueued frame")
		return
	}

	for s.checkpointFrameID < frameID {
		s.checkpointFrameID++
		s.cancelInFlightData(s.checkpointFrameID, true)
	}
	s.latestExpectedFrameID = media.MaxFrameID(s.latestExpectedFrameID, s.checkpointFrameID)

	if playoutDelay > 0 && playoutDelay != s.targetPlayoutDelay && playoutDelay != s.lastPlayoutDelayWarning {
		s.lastPlayoutDelayWarning = playoutDelay
		logrus.WithFields(logrus.Fields{
			"function":       "Sender.OnReceiverCheckpoint",
			"receiver_delay": playoutDelay,
			"sender_delay":   s.targetPlayoutDelay,
		}).Debug("Receiver reports a different playout delay")
	}
}

// OnReceiverHasFrames cancels frames the receiver has completely received
// beyond its checkpoint.
func (s *Sender) OnReceiverHasFrames(frameIDs []media.FrameID) {
	for _, id := range frameIDs {
		if id > s.lastEnqueuedFrameID {
			logrus.WithFields(logrus.Fields{
				"function":      "Sender.OnReceiverHasFrames",
				"frame_id":      id,
				"last_enqueued": s.lastEnqueuedFrameID,
			}).Warn("Ignoring ACK beyond last enqueued frame")
			continue
		}
		s.latestExpectedFrameID = media.MaxFrameID(s.latestExpectedFrameID, id)
		if id > s.checkpointFrameID {
			s.cancelInFlightData(id, true)
		}
	}
}

// OnReceiverIsMissingPackets re-flags NACKed packets for retransmission,
// except those resent within the last round trip.
func (s *Sender) OnReceiverIsMissingPackets(nacks []PacketNack) {
	threshold := s.arrivalTime().Add(-s.roundTripTime)
	flagged := false

	for _, nack := range nacks {
		if nack.FrameID > s.lastEnqueuedFrameID {
			logrus.WithFields(logrus.Fields{
				"function":      "Sender.OnReceiverIsMissingPackets",
				"frame_id":      nack.FrameID,
				"last_enqueued": s.lastEnqueuedFrameID,
			}).Warn("Ignoring NACK beyond last enqueued frame")
			continue
		}
		s.latestExpectedFrameID = media.MaxFrameID(s.latestExpectedFrameID, nack.FrameID)
		if nack.FrameID <= s.checkpointFrameID {
			continue
		}

		slot := s.slotFor(nack.FrameID)
		if !slot.isActiveForFrame(nack.FrameID) {
			continue
		}
		if nack.PacketID == AllPacketsLost {
			for packetID := 0; packetID < slot.numPackets; packetID++ {
				flagged = s.flagIfNotRecent(slot, packetID, threshold) || flagged
			}
		} else if int(nack.PacketID) < slot.numPackets {
			flagged = s.flagIfNotRecent(slot, int(nack.PacketID), threshold) || flagged
		}
	}

	if flagged {
		s.router.RequestRTPSend(s.config.ReceiverSSRC)
	}
}

func (s *Sender) flagIfNotRecent(slot *pendingFrameSlot, packetID int, threshold time.Time) bool {
	if slot.packetsSent[packetID].After(threshold) {
		return false
	}
	slot.sendFlags.set(packetID)
	return true
}

// OnReceiverIndicatesPictureLoss marks the picture lost at the checkpoint
// unless a key frame is already in flight. The observer is told only when no
// key frame request is outstanding.
func (s *Sender) OnReceiverIndicatesPictureLoss() {
	if s.lastEnqueuedKeyFrameID > s.checkpointFrameID {
		logrus.WithFields(logrus.Fields{
			"function":  "Sender.OnReceiverIndicatesPictureLoss",
			"key_frame": s.lastEnqueuedKeyFrameID,
		}).Debug("Key frame already in flight")
		return
	}
	needed := s.NeedsKeyFrame()
	s.pictureLostAtFrameID = s.checkpointFrameID
	if needed {
		logrus.WithFields(logrus.Fields{
			"function":   "Sender.OnReceiverIndicatesPictureLoss",
			"checkpoint": s.checkpointFrameID,
		}).Debug("Key frame already requested")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "Sender.OnReceiverIndicatesPictureLoss",
		"checkpoint": s.checkpointFrameID,
	}).Info("Receiver lost picture, key frame required")
	if s.observer != nil {
		s.observer.OnPictureLost()
	}
}

func (s *Sender) cancelInFlightData(frameID media.FrameID, acked bool) {
	slot := s.slotFor(frameID)
	if !slot.isActiveForFrame(frameID) {
		return
	}

	if acked {
		arrival := s.arrivalTime()
		s.router.OnPayloadReceived(len(slot.frame.Data), arrival, s.roundTripTime)
		if s.events != nil {
			s.events.RecordFrameEvent(stats.FrameEvent{
				FrameID:      frameID,
				Type:         stats.FrameAckReceived,
				MediaType:    s.config.StreamType,
				RTPTimestamp: slot.frame.RTPTimestamp,
				Timestamp:    arrival,
			})
		}
	}

	slot.release()
	s.numFramesInFlight--
	if s.observer != nil {
		s.observer.OnFrameCanceled(frameID)
	}
}

// Close cancels every frame in flight and unregisters from the router.
func (s *Sender) Close() {
	for id := s.checkpointFrameID + 1; id <= s.lastEnqueuedFrameID; id++ {
		s.cancelInFlightData(id, false)
	}
	s.router.OnSenderDestroyed(s.config.ReceiverSSRC)

	logrus.WithFields(logrus.Fields{
		"function":    "Sender.Close",
		"stream":      s.config.StreamType,
		"sender_ssrc": s.config.SenderSSRC,
	}).Info("Sender closed")
}

func (s *Sender) slotFor(frameID media.FrameID) *pendingFrameSlot {
	return &s.slots[int64(frameID)%limits.MaxUnackedFrames]
}
