package md

// RingBuffer keeps the most recent bars in arrival order.
type RingBuffer struct {
	values []Bar
	size   int
	index  int
	filled bool
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		values: make([]Bar, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(bar Bar) {
	r.values[r.index] = bar
	r.index = (r.index + 1) % r.size
	if r.index == 0 {
		r.filled = true
	}
}

func (r *RingBuffer) Len() int {
	if r.filled {
		return r.size
	}
	return r.index
}

// Last returns the newest bar.
func (r *RingBuffer) Last() (Bar, bool) {
	if r.Len() == 0 {
		return Bar{}, false
	}
	i := (r.index - 1 + r.size) % r.size
	return r.values[i], true
}

func (r *RingBuffer) Values() []Bar {
	length := r.Len()
	result := make([]Bar, 0, length)
	if length == 0 {
		return result
	}
	if r.filled {
		result = append(result, r.values[r.index:]...)
	}
	result = append(result, r.values[:r.index]...)
	return result
}
