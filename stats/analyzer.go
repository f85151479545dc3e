package stats

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/caststream/environment"
	"github.com/opd-ai/caststream/media"
)

// HistogramBounds describes a SimpleHistogram layout in milliseconds.
type HistogramBounds struct {
	Min   int64
	Max   int64
	Width int64
}

func (b HistogramBounds) newHistogram() (*SimpleHistogram, error) {
	return NewSimpleHistogram(b.Min, b.Max, b.Width)
}

// AnalyzerConfig controls how often statistics are computed and how much
// per-frame state is retained.
type AnalyzerConfig struct {
	AnalysisInterval  time.Duration
	MaxRecentFrames   int
	MaxRecentPackets  int
	LatencyHistogram  HistogramBounds
	LatenessHistogram HistogramBounds
}

// DefaultAnalyzerConfig returns the standard analyzer settings.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		AnalysisInterval:  500 * time.Millisecond,
		MaxRecentFrames:   200,
		MaxRecentPackets:  1000,
		LatencyHistogram:  HistogramBounds{Min: 0, Max: 800, Width: 20},
		LatenessHistogram: HistogramBounds{Min: -400, Max: 400, Width: 20},
	}
}

// Validate checks the configuration.
func (c AnalyzerConfig) Validate() error {
	if c.AnalysisInterval <= 0 {
		return fmt.Errorf("%w: analysis interval must be positive", ErrInvalidAnalyzerConfig)
	}
	if c.MaxRecentFrames <= 0 || c.MaxRecentPackets <= 0 {
		return fmt.Errorf("%w: recent event limits must be positive", ErrInvalidAnalyzerConfig)
	}
	if _, err := c.LatencyHistogram.newHistogram(); err != nil {
		return fmt.Errorf("%w: latency histogram: %w", ErrInvalidAnalyzerConfig, err)
	}
	if _, err := c.LatenessHistogram.newHistogram(); err != nil {
		return fmt.Errorf("%w: lateness histogram: %w", ErrInvalidAnalyzerConfig, err)
	}
	return nil
}

// Weights of the network latency moving average.
const (
	networkLatencyOldWeight = 299
	networkLatencyNewWeight = 2
)

type frameInfo struct {
	captureBegin time.Time
	captureEnd   time.Time
	encoded      time.Time
}

type packetKey struct {
	rtp      media.RtpTimeTicks
	packetID uint16
}

type packetInfo struct {
	sent time.Time
}

// mediaState is the running aggregate for one media type.
type mediaState struct {
	frameCounts  [numEventTypes]int
	frameBytes   [numEventTypes]int64
	packetCounts [numEventTypes]int
	packetBytes  [numEventTypes]int64

	latencySums   [numLatencyStages]time.Duration
	latencyCounts [numLatencyStages]int
	histograms    HistogramsList
	lateFrames    int

	frames      map[media.RtpTimeTicks]*frameInfo
	frameOrder  deque.Deque[media.RtpTimeTicks]
	packets     map[packetKey]*packetInfo
	packetOrder deque.Deque[packetKey]

	firstEvent   time.Time
	lastEvent    time.Time
	lastResponse time.Time
}

func newMediaState(config AnalyzerConfig) *mediaState {
	s := &mediaState{
		frames:  make(map[media.RtpTimeTicks]*frameInfo),
		packets: make(map[packetKey]*packetInfo),
	}
	for i := range s.histograms {
		bounds := config.LatencyHistogram
		if HistogramType(i) == FrameLatenessMsHistogram {
			bounds = config.LatenessHistogram
		}
		// Bounds were validated with the config.
		s.histograms[i], _ = bounds.newHistogram()
	}
	return s
}

func (s *mediaState) frameInfo(rtp media.RtpTimeTicks, limit int) *frameInfo {
	if info, ok := s.frames[rtp]; ok {
		return info
	}
	for s.frameOrder.Len() >= limit {
		delete(s.frames, s.frameOrder.PopFront())
	}
	info := &frameInfo{}
	s.frames[rtp] = info
	s.frameOrder.PushBack(rtp)
	return info
}

func (s *mediaState) packetInfo(key packetKey, limit int) *packetInfo {
	if info, ok := s.packets[key]; ok {
		return info
	}
	for s.packetOrder.Len() >= limit {
		delete(s.packets, s.packetOrder.PopFront())
	}
	info := &packetInfo{}
	s.packets[key] = info
	s.packetOrder.PushBack(key)
	return info
}

func (s *mediaState) addLatency(stage latencyStage, d time.Duration) {
	s.latencySums[stage] += d
	s.latencyCounts[stage]++
	s.histograms[stageHistograms[stage]].Add(d.Milliseconds())
}

func (s *mediaState) noteEventTime(t time.Time) {
	if s.firstEvent.IsZero() || t.Before(s.firstEvent) {
		s.firstEvent = t
	}
	if t.After(s.lastEvent) {
		s.lastEvent = t
	}
}

func (s *mediaState) noteResponse(t time.Time) {
	if t.After(s.lastResponse) {
		s.lastResponse = t
	}
}

// Analyzer periodically drains a Collector and publishes SenderStats.
// All methods must run on the analyzer's task runner.
type Analyzer struct {
	clock     clockwork.Clock
	collector *Collector
	estimator *ClockOffsetEstimator
	client    StatsClient
	config    AnalyzerConfig
	alarm     *environment.Alarm
	start     time.Time

	audio *mediaState
	video *mediaState

	networkLatency    time.Duration
	hasNetworkLatency bool
}

// NewAnalyzer creates an analyzer reading from collector and reporting to
// client. Analysis starts with ScheduleAnalysis.
func NewAnalyzer(clock clockwork.Clock, runner environment.TaskRunner, collector *Collector, client StatsClient, config AnalyzerConfig) (*Analyzer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{
		clock:     clock,
		collector: collector,
		estimator: NewClockOffsetEstimator(),
		client:    client,
		config:    config,
		alarm:     environment.NewAlarm(clock, runner),
		start:     clock.Now(),
		audio:     newMediaState(config),
		video:     newMediaState(config),
	}, nil
}

// ScheduleAnalysis arms the periodic analysis.
func (a *Analyzer) ScheduleAnalysis() {
	a.alarm.ScheduleFromNow(a.onAnalysisTimer, a.config.AnalysisInterval)
}

// Stop cancels periodic analysis.
func (a *Analyzer) Stop() {
	a.alarm.Cancel()
}

// ClockOffsetEstimator exposes the estimator fed by this analyzer.
func (a *Analyzer) ClockOffsetEstimator() *ClockOffsetEstimator {
	return a.estimator
}

// EstimatedNetworkLatency returns the smoothed one-way network latency.
func (a *Analyzer) EstimatedNetworkLatency() (time.Duration, bool) {
	return a.networkLatency, a.hasNetworkLatency
}

func (a *Analyzer) onAnalysisTimer() {
	a.analyze()
	a.ScheduleAnalysis()
}

func (a *Analyzer) analyze() {
	frameEvents := a.collector.TakeFrameEvents()
	packetEvents := a.collector.TakePacketEvents()

	// The offset estimate must reflect this batch before any receiver
	// timestamp in it is converted.
	for _, ev := range frameEvents {
		a.estimator.OnFrameEvent(ev)
	}
	for _, ev := range packetEvents {
		a.estimator.OnPacketEvent(ev)
	}
	for _, ev := range frameEvents {
		a.processFrameEvent(ev)
	}
	for _, ev := range packetEvents {
		a.processPacketEvent(ev)
	}

	stats := a.snapshot()
	logrus.WithFields(logrus.Fields{
		"function":      "Analyzer.analyze",
		"frame_events":  len(frameEvents),
		"packet_events": len(packetEvents),
	}).Debug("Statistics updated")
	if a.client != nil {
		a.client.OnStatisticsUpdated(stats)
	}
}

func (a *Analyzer) stateFor(mediaType media.StreamType) *mediaState {
	if mediaType == media.StreamTypeAudio {
		return a.audio
	}
	return a.video
}

// toSenderTime converts a receiver clock reading to the sender's clock.
func (a *Analyzer) toSenderTime(t time.Time) (time.Time, bool) {
	offset, ok := a.estimator.GetEstimatedOffset()
	if !ok {
		return time.Time{}, false
	}
	return t.Add(-offset), true
}

// eventTime returns the sender-clock time of an event and records it as a
// receiver response where appropriate.
func (a *Analyzer) eventTime(s *mediaState, eventType EventType, timestamp, received time.Time) (time.Time, bool) {
	if !eventType.IsReceiverEvent() {
		return timestamp, true
	}
	converted, ok := a.toSenderTime(timestamp)
	if !ok {
		return time.Time{}, false
	}
	if !received.IsZero() {
		s.noteResponse(received)
	} else {
		s.noteResponse(converted.Add(a.networkLatency))
	}
	return converted, true
}

func (a *Analyzer) processFrameEvent(ev FrameEvent) {
	s := a.stateFor(ev.MediaType)
	s.frameCounts[ev.Type]++
	s.frameBytes[ev.Type] += int64(ev.Size)

	ts, ok := a.eventTime(s, ev.Type, ev.Timestamp, ev.ReceivedTimestamp)
	if !ok {
		return
	}
	s.noteEventTime(ts)

	switch ev.Type {
	case FrameCaptureBegin:
		s.frameInfo(ev.RTPTimestamp, a.config.MaxRecentFrames).captureBegin = ts
	case FrameCaptureEnd:
		info := s.frameInfo(ev.RTPTimestamp, a.config.MaxRecentFrames)
		info.captureEnd = ts
		if !info.captureBegin.IsZero() {
			s.addLatency(captureLatency, ts.Sub(info.captureBegin))
		}
	case FrameEncoded:
		info := s.frameInfo(ev.RTPTimestamp, a.config.MaxRecentFrames)
		info.encoded = ts
		if !info.captureEnd.IsZero() {
			s.addLatency(encodeTime, ts.Sub(info.captureEnd))
		}
	case FrameAckReceived:
		s.noteResponse(ts)
	case FrameDecoded:
		if info, ok := s.frames[ev.RTPTimestamp]; ok && !info.encoded.IsZero() {
			s.addLatency(frameLatency, ts.Sub(info.encoded))
		}
	case FramePlayedOut:
		if info, ok := s.frames[ev.RTPTimestamp]; ok && !info.captureBegin.IsZero() {
			s.addLatency(endToEndLatency, ts.Sub(info.captureBegin))
		}
		if ev.DelayDelta < 0 {
			s.lateFrames++
		}
		s.histograms[FrameLatenessMsHistogram].Add(-ev.DelayDelta.Milliseconds())
	}
}

func (a *Analyzer) processPacketEvent(ev PacketEvent) {
	s := a.stateFor(ev.MediaType)
	s.packetCounts[ev.Type]++
	s.packetBytes[ev.Type] += int64(ev.Size)

	ts, ok := a.eventTime(s, ev.Type, ev.Timestamp, ev.ReceivedTimestamp)
	if !ok {
		return
	}
	s.noteEventTime(ts)

	key := packetKey{rtp: ev.RTPTimestamp, packetID: ev.PacketID}
	switch ev.Type {
	case PacketSentToNetwork:
		info := s.packetInfo(key, a.config.MaxRecentPackets)
		if !info.sent.IsZero() {
			return
		}
		info.sent = ts
		if frame, ok := s.frames[ev.RTPTimestamp]; ok && !frame.encoded.IsZero() {
			s.addLatency(queueingLatency, ts.Sub(frame.encoded))
		}
	case PacketReceived:
		if info, ok := s.packets[key]; ok && !info.sent.IsZero() {
			latency := ts.Sub(info.sent)
			s.addLatency(networkLatency, latency)
			a.updateNetworkLatency(latency)
		}
		if frame, ok := s.frames[ev.RTPTimestamp]; ok && !frame.encoded.IsZero() {
			s.addLatency(packetLatency, ts.Sub(frame.encoded))
		}
	}
}

func (a *Analyzer) updateNetworkLatency(sample time.Duration) {
	if !a.hasNetworkLatency {
		a.networkLatency = sample
		a.hasNetworkLatency = true
		return
	}
	a.networkLatency = (networkLatencyOldWeight*a.networkLatency + networkLatencyNewWeight*sample) /
		(networkLatencyOldWeight + networkLatencyNewWeight)
}

func (a *Analyzer) snapshot() SenderStats {
	now := a.clock.Now()
	return SenderStats{
		AudioStatistics: a.statistics(a.audio, now),
		AudioHistograms: copyHistograms(a.audio.histograms),
		VideoStatistics: a.statistics(a.video, now),
		VideoHistograms: copyHistograms(a.video.histograms),
	}
}

func copyHistograms(in HistogramsList) HistogramsList {
	var out HistogramsList
	for i, h := range in {
		out[i] = h.Copy()
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (a *Analyzer) statistics(s *mediaState, now time.Time) StatisticsList {
	var list StatisticsList

	if elapsed := now.Sub(a.start); elapsed > 0 {
		list[EnqueueFps] = float64(s.frameCounts[FrameEncoded]) / elapsed.Seconds()
		// Bits per millisecond is kilobits per second.
		list[EncodeRateKbps] = float64(s.frameBytes[FrameEncoded]*8) / durationMs(elapsed)
		sent := s.packetBytes[PacketSentToNetwork] + s.packetBytes[PacketRetransmitted]
		list[PacketTransmissionRateKbps] = float64(sent*8) / durationMs(elapsed)
	}

	for stage := latencyStage(0); stage < numLatencyStages; stage++ {
		if n := s.latencyCounts[stage]; n > 0 {
			list[stageStatistics[stage]] = durationMs(s.latencySums[stage]) / float64(n)
		}
	}

	captured := s.frameCounts[FrameCaptureEnd]
	list[NumFramesCaptured] = float64(captured)
	if dropped := captured - s.frameCounts[FrameEncoded]; dropped > 0 {
		list[NumFramesDroppedByEncoder] = float64(dropped)
	}
	list[NumLateFrames] = float64(s.lateFrames)
	list[NumPacketsSent] = float64(s.packetCounts[PacketSentToNetwork])
	list[NumPacketsReceived] = float64(s.packetCounts[PacketReceived])

	if !s.firstEvent.IsZero() {
		list[FirstEventTimeMs] = durationMs(s.firstEvent.Sub(a.start))
		list[LastEventTimeMs] = durationMs(s.lastEvent.Sub(a.start))
	}
	if !s.lastResponse.IsZero() {
		list[TimeSinceLastReceiverResponseMs] = durationMs(now.Sub(s.lastResponse))
	}
	return list
}
