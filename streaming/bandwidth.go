package streaming

import "time"

const (
	bandwidthSliceDuration = 100 * time.Millisecond
	bandwidthNumSlices     = 10
)

// flowTracker sums amounts into fixed time slices over a sliding window.
// Amounts older than the window are dropped.
type flowTracker struct {
	start   time.Time
	history [bandwidthNumSlices]int64
}

func (t *flowTracker) accumulate(amount int64, when time.Time) {
	if t.start.IsZero() {
		t.start = when.Truncate(bandwidthSliceDuration)
	}
	t.advanceTo(when)
	if when.Before(t.start) {
		return
	}
	t.history[int(when.Sub(t.start)/bandwidthSliceDuration)] += amount
}

// advanceTo shifts the window so that when falls into its newest slice.
func (t *flowTracker) advanceTo(when time.Time) {
	if t.start.IsZero() {
		return
	}
	end := t.start.Add(bandwidthNumSlices * bandwidthSliceDuration)
	if !when.Before(end) {
		shift := int(when.Sub(end)/bandwidthSliceDuration) + 1
		if shift >= bandwidthNumSlices {
			t.history = [bandwidthNumSlices]int64{}
		} else {
			copy(t.history[:], t.history[shift:])
			for i := bandwidthNumSlices - shift; i < bandwidthNumSlices; i++ {
				t.history[i] = 0
			}
		}
		t.start = t.start.Add(time.Duration(shift) * bandwidthSliceDuration)
	}
}

// completedSum sums every slice but the newest, which is still filling.
func (t *flowTracker) completedSum() int64 {
	var sum int64
	for _, v := range t.history[:bandwidthNumSlices-1] {
		sum += v
	}
	return sum
}

// BandwidthEstimator estimates network bandwidth from the payload bytes the
// receiver acknowledges. Acknowledged bytes are attributed to the moment the
// receiver got them, half a round trip before the feedback arrived.
//
// The estimate is a lower bound unless the sender was pacing at capacity.
type BandwidthEstimator struct {
	feedback flowTracker
	rtcp     flowTracker
}

// NewBandwidthEstimator creates an estimator with no history.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{}
}

// OnRTCPReceived records that feedback arrived, so a window with acks of
// zero bytes reads as zero throughput rather than no information.
func (e *BandwidthEstimator) OnRTCPReceived(arrival time.Time, roundTripTime time.Duration) {
	when := arrival.Add(-roundTripTime / 2)
	e.rtcp.accumulate(1, when)
	e.feedback.accumulate(0, when)
}

// OnPayloadReceived records payloadBytes the receiver acknowledged in
// feedback that arrived at arrival.
func (e *BandwidthEstimator) OnPayloadReceived(payloadBytes int, arrival time.Time, roundTripTime time.Duration) {
	e.feedback.accumulate(int64(payloadBytes), arrival.Add(-roundTripTime/2))
}

// ComputeNetworkBandwidth returns the estimate in bits per second, or zero
// when no feedback arrived in the window.
func (e *BandwidthEstimator) ComputeNetworkBandwidth() int {
	if e.rtcp.completedSum() == 0 {
		return 0
	}
	window := (bandwidthNumSlices - 1) * bandwidthSliceDuration
	bits := e.feedback.completedSum() * 8
	return int(bits * int64(time.Second) / int64(window))
}
