package trap

import "time"

// Sample is one observation in the detector window.
type Sample struct {
	Price  float64
	Volume float64
	Time   time.Time
}

// Window is a fixed-size ring of the most recent samples.
type Window struct {
	buf   []Sample
	start int
	size  int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 200
	}
	return &Window{buf: make([]Sample, capacity)}
}

func (w *Window) Push(s Sample) {
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = s
		w.size++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

func (w *Window) Len() int { return w.size }

func (w *Window) Cap() int { return len(w.buf) }

// Last returns the newest sample.
func (w *Window) Last() (Sample, bool) {
	if w.size == 0 {
		return Sample{}, false
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)], true
}

// Samples copies the window oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.size)
	for i := range out {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

func (w *Window) Reset() {
	w.start, w.size = 0, 0
}
