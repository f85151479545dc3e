package main

import (
	"errors"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
	"github.com/opd-ai/caststream/streaming"
	"github.com/sirupsen/logrus"
)

const (
	audioIndex = 0
	videoIndex = 1

	audioFrameInterval = 20 * time.Millisecond
	audioBitRate       = 128_000

	// Synthetic capture takes this long before a frame is enqueued.
	captureDuration = 5 * time.Millisecond
)

// frameEnqueuer is the part of a streaming.Sender a frameSource feeds.
type frameEnqueuer interface {
	EnqueueFrame(frame *media.EncodedFrame) error
	NeedsKeyFrame() bool
	Config() streaming.SenderConfig
}

// frameSource produces synthetic encoded frames at a fixed interval. It runs
// on the task runner.
type frameSource struct {
	clock    clockwork.Clock
	sender   frameEnqueuer
	alarm    *environment.Alarm
	interval time.Duration

	frameBytes       int
	keyFrameInterval int

	start       time.Time
	nextFrameID media.FrameID
	sent        int
	skipped     int
}

func newFrameSource(clock clockwork.Clock, runner environment.TaskRunner, sender frameEnqueuer, interval time.Duration, frameBytes, keyFrameInterval int) *frameSource {
	return &frameSource{
		clock:            clock,
		sender:           sender,
		alarm:            environment.NewAlarm(clock, runner),
		interval:         interval,
		frameBytes:       frameBytes,
		keyFrameInterval: keyFrameInterval,
		nextFrameID:      media.FirstFrameID,
	}
}

func (s *frameSource) startProducing() {
	s.start = s.clock.Now()
	s.alarm.ScheduleFromNow(s.produce, 0)
}

func (s *frameSource) stop() {
	s.alarm.Cancel()
}

func (s *frameSource) produce() {
	s.alarm.ScheduleFromNow(s.produce, s.interval)

	frame := s.nextFrame(s.clock.Now())
	err := s.sender.EnqueueFrame(frame)
	switch {
	case err == nil:
		s.nextFrameID++
		s.sent++
	case errors.Is(err, streaming.ErrMaxDurationInFlight), errors.Is(err, streaming.ErrReachedIDSpanLimit):
		s.skipped++
		logrus.WithFields(logrus.Fields{
			"function": "frameSource.produce",
			"stream":   s.sender.Config().StreamType,
			"frame_id": frame.FrameID,
			"error":    err.Error(),
		}).Debug("Sender backlogged, skipping frame")
	default:
		s.skipped++
		logrus.WithFields(logrus.Fields{
			"function": "frameSource.produce",
			"stream":   s.sender.Config().StreamType,
			"frame_id": frame.FrameID,
			"error":    err.Error(),
		}).Warn("Failed to enqueue frame")
	}
}

func (s *frameSource) nextFrame(now time.Time) *media.EncodedFrame {
	config := s.sender.Config()
	id := s.nextFrameID

	key := config.StreamType == media.StreamTypeAudio ||
		id == media.FirstFrameID ||
		s.sender.NeedsKeyFrame() ||
		(s.keyFrameInterval > 0 && int64(id)%int64(s.keyFrameInterval) == 0)

	frame := &media.EncodedFrame{
		FrameID:           id,
		ReferencedFrameID: id - 1,
		Dependency:        media.DependencyDependent,
		RTPTimestamp:      media.RtpTimeTicksFromDuration(now.Sub(s.start), config.RTPTimebase),
		CaptureBeginTime:  now.Add(-captureDuration),
		CaptureEndTime:    now,
		ReferenceTime:     now,
	}
	size := s.frameBytes
	if key {
		frame.ReferencedFrameID = id
		frame.Dependency = media.DependencyKeyFrame
		if config.StreamType == media.StreamTypeVideo {
			size *= 3
		}
	}
	frame.Data = syntheticPayload(size)
	return frame
}

func syntheticPayload(size int) []byte {
	data := make([]byte, size)
	for i := 0; i < len(data); i += 8 {
		v := rand.Uint64()
		for j := 0; j < 8 && i+j < len(data); j++ {
			data[i+j] = byte(v >> (8 * j))
		}
	}
	return data
}

// frameCounter consumes frames delivered by a receiver.
type frameCounter struct {
	stream media.StreamType
	frames int
	bytes  int
	last   media.FrameID
}

func (c *frameCounter) OnFrameReceived(frame *media.EncodedFrame) {
	c.frames++
	c.bytes += len(frame.Data)
	c.last = frame.FrameID
}

// lossyTransport drops a random fraction of outbound datagrams.
type lossyTransport struct {
	next    streaming.PacketSender
	loss    float64
	dropped int
}

func (t *lossyTransport) SendPacket(packet []byte) error {
	if t.loss > 0 && rand.Float64() < t.loss {
		t.dropped++
		return nil
	}
	return t.next.SendPacket(packet)
}
