package media

import (
	"math"
	"time"
)

// RtpTimeTicks counts media time in a stream's RTP timebase (Hz). It is
// independent of FrameID but advances once per enqueued frame.
type RtpTimeTicks int64

// RtpTimeTicksFromDuration converts d to ticks of rtpTimebase, rounding to
// the nearest tick.
func RtpTimeTicksFromDuration(d time.Duration, rtpTimebase int) RtpTimeTicks {
	if rtpTimebase <= 0 {
		return 0
	}
	ticks := float64(d) * float64(rtpTimebase) / float64(time.Second)
	return RtpTimeTicks(math.Round(ticks))
}

// ToDuration converts t to wall duration given rtpTimebase.
func (t RtpTimeTicks) ToDuration(rtpTimebase int) time.Duration {
	if rtpTimebase <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(t) * float64(time.Second) / float64(rtpTimebase)))
}

// Truncate32 returns the 32-bit value carried in the RTP header.
func (t RtpTimeTicks) Truncate32() uint32 {
	return uint32(t)
}

// ExpandRtpTimeTicks recovers the full tick count closest to reference whose
// low 32 bits equal truncated.
func ExpandRtpTimeTicks(truncated uint32, reference RtpTimeTicks) RtpTimeTicks {
	return reference + RtpTimeTicks(int32(truncated-uint32(reference)))
}
