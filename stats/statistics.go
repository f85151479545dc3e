package stats

import (
	"bytes"
	"encoding/json"
)

// Statistic names one scalar value reported per media type.
type Statistic int

const (
	EnqueueFps Statistic = iota
	AvgCaptureLatencyMs
	AvgEncodeTimeMs
	AvgQueueingLatencyMs
	AvgNetworkLatencyMs
	AvgPacketLatencyMs
	AvgFrameLatencyMs
	AvgEndToEndLatencyMs
	EncodeRateKbps
	PacketTransmissionRateKbps
	TimeSinceLastReceiverResponseMs
	NumFramesCaptured
	NumFramesDroppedByEncoder
	NumLateFrames
	NumPacketsSent
	NumPacketsReceived
	FirstEventTimeMs
	LastEventTimeMs

	NumStatistics
)

var statisticNames = [NumStatistics]string{
	"EnqueueFps",
	"AvgCaptureLatencyMs",
	"AvgEncodeTimeMs",
	"AvgQueueingLatencyMs",
	"AvgNetworkLatencyMs",
	"AvgPacketLatencyMs",
	"AvgFrameLatencyMs",
	"AvgEndToEndLatencyMs",
	"EncodeRateKbps",
	"PacketTransmissionRateKbps",
	"TimeSinceLastReceiverResponseMs",
	"NumFramesCaptured",
	"NumFramesDroppedByEncoder",
	"NumLateFrames",
	"NumPacketsSent",
	"NumPacketsReceived",
	"FirstEventTimeMs",
	"LastEventTimeMs",
}

func (s Statistic) String() string {
	if s >= 0 && s < NumStatistics {
		return statisticNames[s]
	}
	return "Unknown"
}

// HistogramType names one latency distribution reported per media type.
type HistogramType int

const (
	CaptureLatencyMsHistogram HistogramType = iota
	EncodeTimeMsHistogram
	QueueingLatencyMsHistogram
	NetworkLatencyMsHistogram
	PacketLatencyMsHistogram
	FrameLatencyMsHistogram
	EndToEndLatencyMsHistogram
	FrameLatenessMsHistogram

	NumHistograms
)

var histogramNames = [NumHistograms]string{
	"CaptureLatencyMs",
	"EncodeTimeMs",
	"QueueingLatencyMs",
	"NetworkLatencyMs",
	"PacketLatencyMs",
	"FrameLatencyMs",
	"EndToEndLatencyMs",
	"FrameLatenessMs",
}

func (h HistogramType) String() string {
	if h >= 0 && h < NumHistograms {
		return histogramNames[h]
	}
	return "Unknown"
}

// latencyStage is a per-frame interval the analyzer averages. Each stage
// feeds one average statistic and one histogram.
type latencyStage int

const (
	captureLatency latencyStage = iota
	encodeTime
	queueingLatency
	networkLatency
	packetLatency
	frameLatency
	endToEndLatency

	numLatencyStages
)

var stageStatistics = [numLatencyStages]Statistic{
	AvgCaptureLatencyMs,
	AvgEncodeTimeMs,
	AvgQueueingLatencyMs,
	AvgNetworkLatencyMs,
	AvgPacketLatencyMs,
	AvgFrameLatencyMs,
	AvgEndToEndLatencyMs,
}

var stageHistograms = [numLatencyStages]HistogramType{
	CaptureLatencyMsHistogram,
	EncodeTimeMsHistogram,
	QueueingLatencyMsHistogram,
	NetworkLatencyMsHistogram,
	PacketLatencyMsHistogram,
	FrameLatencyMsHistogram,
	EndToEndLatencyMsHistogram,
}

// StatisticsList holds every Statistic for one media type. Unset values are
// zero.
type StatisticsList [NumStatistics]float64

// MarshalJSON encodes the list as an object keyed by statistic name.
func (l StatisticsList) MarshalJSON() ([]byte, error) {
	m := make(map[string]float64, NumStatistics)
	for i, v := range l {
		m[Statistic(i).String()] = v
	}
	return marshalUnescaped(m)
}

// HistogramsList holds every histogram for one media type.
type HistogramsList [NumHistograms]*SimpleHistogram

// MarshalJSON encodes the list as an object keyed by histogram name. Missing
// histograms are omitted.
func (l HistogramsList) MarshalJSON() ([]byte, error) {
	m := make(map[string]*SimpleHistogram, NumHistograms)
	for i, h := range l {
		if h != nil {
			m[HistogramType(i).String()] = h
		}
	}
	return marshalUnescaped(m)
}

// SenderStats is one analysis snapshot.
type SenderStats struct {
	AudioStatistics StatisticsList `json:"audio_statistics"`
	AudioHistograms HistogramsList `json:"audio_histograms"`
	VideoStatistics StatisticsList `json:"video_statistics"`
	VideoHistograms HistogramsList `json:"video_histograms"`
}

// ToJSON encodes the snapshot with histogram bucket labels such as "<0" and
// ">=800" left intact. json.Marshal HTML-escapes '<' and '>' in nested
// marshaler output, so exports should go through ToJSON.
func (s SenderStats) ToJSON() ([]byte, error) {
	return marshalUnescaped(s)
}

func marshalUnescaped(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StatsClient receives analysis snapshots.
type StatsClient interface {
	OnStatisticsUpdated(stats SenderStats)
}
