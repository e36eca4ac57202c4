package bus

import "github.com/elecbits/heartbeat-relay/internal/model"

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// Not safe for concurrent use.
type ring struct {
	slots []model.Message
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{slots: make([]model.Message, capacity)}
}

// push appends msg, reporting whether the oldest element was overwritten
func (r *ring) push(msg model.Message) bool {
	c := len(r.slots)
	if r.size < c {
		r.slots[(r.head+r.size)%c] = msg
		r.size++
		return false
	}
	r.slots[r.head] = msg
	r.head = (r.head + 1) % c
	return true
}

func (r *ring) pop() (model.Message, bool) {
	if r.size == 0 {
		return model.Message{}, false
	}
	msg := r.slots[r.head]
	r.slots[r.head] = model.Message{}
	r.head = (r.head + 1) % len(r.slots)
	r.size--
	return msg, true
}

// items returns the buffered elements oldest first
func (r *ring) items() []model.Message {
	out := make([]model.Message, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.slots[(r.head+i)%len(r.slots)])
	}
	return out
}

func (r *ring) len() int {
	return r.size
}

func (r *ring) reset() {
	for i := range r.slots {
		r.slots[i] = model.Message{}
	}
	r.head = 0
	r.size = 0
}
