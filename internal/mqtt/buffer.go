package mqtt

import "github.com/sweeney/logsplitter/internal/telemetry"

// bufferedMsg is a message waiting for the broker. Telemetry events are kept
// unformatted so Emit stays cheap; the publisher goroutine serializes them.
type bufferedMsg struct {
	ev       telemetry.Event
	isEvent  bool
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO that stores messages until they are
// published. Not safe for concurrent use; the caller must synchronize.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	dropped  uint64
	overflow bool // true if any message was dropped since last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
	}
}

// push appends msg, overwriting the oldest message when full. It reports
// whether this push started a new overflow episode.
func (r *ringBuffer) push(msg bufferedMsg) (startedOverflow bool) {
	if r.count == r.capacity {
		startedOverflow = !r.overflow
		r.overflow = true
		r.dropped++
		// Overwrite oldest: head is already pointing at it
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return startedOverflow
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
	return false
}

func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	result := make([]bufferedMsg, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
		r.buf[(start+i)%r.capacity] = bufferedMsg{}
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

// requeue puts unsent messages back ahead of anything pushed since they
// were drained. Oldest messages are dropped if the total exceeds capacity.
func (r *ringBuffer) requeue(unsent []bufferedMsg) {
	newer := r.drainAll()
	for _, m := range unsent {
		r.push(m)
	}
	for _, m := range newer {
		r.push(m)
	}
}

func (r *ringBuffer) len() int {
	return r.count
}
