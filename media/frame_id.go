package media

import "strconv"

// FrameID identifies a frame within one stream. Ids increase by one per
// enqueued frame and are never reused. Subtracting two ids yields their
// signed distance.
type FrameID int64

const (
	// FirstFrameID is the id of the first frame of every stream.
	FirstFrameID FrameID = 0

	// LeaderFrameID precedes FirstFrameID. It is the initial value of
	// checkpoints and "last seen" trackers before any frame exists.
	LeaderFrameID FrameID = FirstFrameID - 1
)

// Truncate8 returns the least significant 8 bits, as carried on the wire.
func (f FrameID) Truncate8() uint8 {
	return uint8(f)
}

// String formats the id for logs.
func (f FrameID) String() string {
	if f == LeaderFrameID {
		return "F<leader>"
	}
	return "F" + strconv.FormatInt(int64(f), 10)
}

// ExpandFrameID recovers the full id closest to reference whose low 8 bits
// equal truncated. Ids up to 128 behind or 127 ahead of reference expand
// correctly.
func ExpandFrameID(truncated uint8, reference FrameID) FrameID {
	return reference + FrameID(int8(truncated-uint8(reference)))
}

// MaxFrameID returns the greater of a and b.
func MaxFrameID(a, b FrameID) FrameID {
	if a > b {
		return a
	}
	return b
}
