package lssmaster

// timeoutAccumulator advances a microsecond counter each tick and fires
// once per configured window, §4.C. Reset on every new service
// initiation and on every successful reply.
type timeoutAccumulator struct {
	windowUs uint32
	elapsed  uint32
}

func (t *timeoutAccumulator) reset() {
	t.elapsed = 0
}

// tick adds deltaUs to the running total and reports whether the
// window has elapsed. On firing, the accumulator resets to zero so the
// next call starts a fresh window.
func (t *timeoutAccumulator) tick(deltaUs uint32) bool {
	t.elapsed += deltaUs
	if t.elapsed >= t.windowUs {
		t.elapsed = 0
		return true
	}
	return false
}
