package registry

import "encoding/json"

// replayRing is a fixed-capacity ring buffer of the most recent payloads
// published to a topic. Once full, each append overwrites the oldest entry.
type replayRing struct {
	buf   []json.RawMessage
	next  int
	count int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{buf: make([]json.RawMessage, capacity)}
}

func (r *replayRing) append(payload json.RawMessage) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = payload
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the buffered payloads oldest first.
func (r *replayRing) snapshot() []json.RawMessage {
	out := make([]json.RawMessage, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *replayRing) len() int {
	return r.count
}
