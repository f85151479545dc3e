package streaming

import "time"

// ntpEpochOffset is the number of seconds from 1900-01-01 to 1970-01-01.
const ntpEpochOffset = 2208988800

// ToNTP converts t to a 64-bit NTP timestamp (32.32 fixed point seconds).
func ToNTP(t time.Time) uint64 {
	seconds := uint64(t.Unix() + ntpEpochOffset)
	fraction := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return seconds<<32 | fraction
}

// FromNTP converts a 64-bit NTP timestamp back to a time.
func FromNTP(ntp uint64) time.Time {
	seconds := int64(ntp>>32) - ntpEpochOffset
	nanos := ((ntp & 0xFFFFFFFF) * uint64(time.Second)) >> 32
	return time.Unix(seconds, int64(nanos))
}

// ToCompactNTP returns the middle 32 bits of ntp, as carried in the LSR
// field of a reception report.
func ToCompactNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// CompactNTPToDuration converts a 16.16 fixed point duration (the DLSR field)
// to a time.Duration.
func CompactNTPToDuration(compact uint32) time.Duration {
	return time.Duration((uint64(compact) * uint64(time.Second)) >> 16)
}

// DurationToCompactNTP converts d to 16.16 fixed point seconds. Negative
// durations become zero.
func DurationToCompactNTP(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((uint64(d) << 16) / uint64(time.Second))
}
