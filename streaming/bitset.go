package streaming

import "math/bits"

// packetFlags is a fixed-size set of packet ids, one bit per packet of a
// frame.
type packetFlags struct {
	words []uint64
	size  int
}

// reset resizes the set to n packets with every flag set.
func (f *packetFlags) reset(n int) {
	words := (n + 63) / 64
	if cap(f.words) >= words {
		f.words = f.words[:words]
	} else {
		f.words = make([]uint64, words)
	}
	f.size = n
	for i := range f.words {
		f.words[i] = ^uint64(0)
	}
	if rem := n % 64; rem != 0 {
		f.words[words-1] = (uint64(1) << rem) - 1
	}
}

func (f *packetFlags) clearAll() {
	for i := range f.words {
		f.words[i] = 0
	}
	f.words = f.words[:0]
	f.size = 0
}

func (f *packetFlags) set(id int) {
	if id >= 0 && id < f.size {
		f.words[id/64] |= 1 << (id % 64)
	}
}

func (f *packetFlags) clear(id int) {
	if id >= 0 && id < f.size {
		f.words[id/64] &^= 1 << (id % 64)
	}
}

func (f *packetFlags) isSet(id int) bool {
	return id >= 0 && id < f.size && f.words[id/64]&(1<<(id%64)) != 0
}

// first returns the lowest set id.
func (f *packetFlags) first() (int, bool) {
	for i, w := range f.words {
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w), true
		}
	}
	return 0, false
}

func (f *packetFlags) count() int {
	n := 0
	for _, w := range f.words {
		n += bits.OnesCount64(w)
	}
	return n
}
