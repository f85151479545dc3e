package stats

import (
	"fmt"
	"strconv"
)

// SimpleHistogram counts samples in fixed-width buckets between Min and Max,
// plus one underflow and one overflow bucket.
type SimpleHistogram struct {
	Min     int64
	Max     int64
	Width   int64
	Buckets []int64
}

// NewSimpleHistogram creates a histogram with (max-min)/width regular
// buckets. max-min must be a positive multiple of width.
func NewSimpleHistogram(min, max, width int64) (*SimpleHistogram, error) {
	if width <= 0 || max <= min || (max-min)%width != 0 {
		return nil, fmt.Errorf("%w: min %d max %d width %d", ErrInvalidHistogram, min, max, width)
	}
	return &SimpleHistogram{
		Min:     min,
		Max:     max,
		Width:   width,
		Buckets: make([]int64, (max-min)/width+2),
	}, nil
}

// Add counts one sample.
func (h *SimpleHistogram) Add(sample int64) {
	switch {
	case sample < h.Min:
		h.Buckets[0]++
	case sample >= h.Max:
		h.Buckets[len(h.Buckets)-1]++
	default:
		h.Buckets[1+(sample-h.Min)/h.Width]++
	}
}

// Reset zeroes every bucket.
func (h *SimpleHistogram) Reset() {
	clear(h.Buckets)
}

// Copy returns an independent copy.
func (h *SimpleHistogram) Copy() *SimpleHistogram {
	c := *h
	c.Buckets = append([]int64(nil), h.Buckets...)
	return &c
}

// BucketName returns the label of bucket i: "<min", "low-high" or ">=max".
func (h *SimpleHistogram) BucketName(i int) string {
	switch {
	case i == 0:
		return "<" + strconv.FormatInt(h.Min, 10)
	case i == len(h.Buckets)-1:
		return ">=" + strconv.FormatInt(h.Max, 10)
	default:
		low := h.Min + h.Width*int64(i-1)
		return strconv.FormatInt(low, 10) + "-" + strconv.FormatInt(low+h.Width-1, 10)
	}
}

// MarshalJSON encodes the histogram as an array of single-entry objects,
// one per non-empty bucket.
func (h *SimpleHistogram) MarshalJSON() ([]byte, error) {
	entries := make([]map[string]int64, 0, len(h.Buckets))
	for i, count := range h.Buckets {
		if count > 0 {
			entries = append(entries, map[string]int64{h.BucketName(i): count})
		}
	}
	// Bucket labels start with '<' and '>'.
	return marshalUnescaped(entries)
}
