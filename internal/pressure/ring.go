package pressure

// ring is a fixed-capacity buffer of raw counts, overwritten oldest-first.
// Not safe for concurrent use; the owning Channel is only touched by the loop.
type ring struct {
	buf   []uint16
	head  int // next write position
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]uint16, capacity)}
}

func (r *ring) push(v uint16) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last copies up to n of the most recent samples into dst, newest last, and
// returns the filled prefix.
func (r *ring) last(dst []uint16, n int) []uint16 {
	if n > r.count {
		n = r.count
	}
	dst = dst[:0]
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		dst = append(dst, r.buf[(start+i)%len(r.buf)])
	}
	return dst
}

func (r *ring) full() bool {
	return r.count == len(r.buf)
}

func (r *ring) len() int {
	return r.count
}

func (r *ring) reset() {
	r.head = 0
	r.count = 0
}
