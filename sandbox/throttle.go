package sandbox

import "time"

// throttle forwards values at most once per interval. The first value in a
// quiet period goes out at once; later values in the interval collapse to
// the latest, sent when the interval ends. A value whose encoding equals
// the last one sent is dropped. It is owned by the actor goroutine; after
// schedules fn to run on that goroutine.
type throttle struct {
	interval time.Duration
	after    func(d time.Duration, fn func())
	send     func(encoded []byte)

	open     bool
	pending  []byte
	lastSent string
}

func (t *throttle) offer(encoded []byte) {
	if t.open {
		t.pending = encoded
		return
	}
	t.emit(encoded)
	t.open = true
	t.after(t.interval, t.flush)
}

func (t *throttle) flush() {
	if t.pending == nil {
		t.open = false
		return
	}
	v := t.pending
	t.pending = nil
	t.emit(v)
	t.after(t.interval, t.flush)
}

func (t *throttle) emit(encoded []byte) {
	if string(encoded) == t.lastSent {
		return
	}
	t.lastSent = string(encoded)
	t.send(encoded)
}

// sent records a value delivered outside the throttle so a later identical
// offer is dropped.
func (t *throttle) sent(encoded []byte) {
	t.lastSent = string(encoded)
}
