package breaker

type outcome uint8

const (
	outcomeFailed outcome = 1 << iota
	outcomeSlow
)

// window is a count-based ring of the most recent call outcomes.
type window struct {
	buf      []outcome
	next     int
	size     int
	failures int
	slow     int
}

func newWindow(n int) *window {
	if n <= 0 {
		n = 1
	}
	return &window{buf: make([]outcome, n)}
}

func (w *window) add(o outcome) {
	if w.size == len(w.buf) {
		old := w.buf[w.next]
		if old&outcomeFailed != 0 {
			w.failures--
		}
		if old&outcomeSlow != 0 {
			w.slow--
		}
	} else {
		w.size++
	}
	w.buf[w.next] = o
	w.next = (w.next + 1) % len(w.buf)
	if o&outcomeFailed != 0 {
		w.failures++
	}
	if o&outcomeSlow != 0 {
		w.slow++
	}
}

func (w *window) reset() {
	for i := range w.buf {
		w.buf[i] = 0
	}
	w.next, w.size, w.failures, w.slow = 0, 0, 0, 0
}

// rates returns failure and slow-call percentages over the buffered calls.
func (w *window) rates() (failure, slow float64) {
	if w.size == 0 {
		return 0, 0
	}
	return percent(w.failures, w.size), percent(w.slow, w.size)
}

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) * 100 / float64(of)
}
