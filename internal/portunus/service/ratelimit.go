package service

import "time"

// slidingWindow counts events in the trailing span.  Not safe for
// concurrent use; AccessService guards it.
type slidingWindow struct {
	span  time.Duration
	times []time.Time
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span}
}

func (w *slidingWindow) evict(now time.Time) {
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) >= w.span {
		cut++
	}
	if cut > 0 {
		w.times = append(w.times[:0], w.times[cut:]...)
	}
}

func (w *slidingWindow) count(now time.Time) int {
	w.evict(now)
	return len(w.times)
}

func (w *slidingWindow) add(now time.Time) {
	w.evict(now)
	w.times = append(w.times, now)
}
