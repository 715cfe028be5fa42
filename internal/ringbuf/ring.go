package ringbuf

// Ring is a fixed capacity buffer that keeps the newest value at index 0.
// Once full, pushing overwrites the oldest value.
type Ring[T any] struct {
	data  []T
	head  int
	count int
}

func New[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{
		data: make([]T, size),
	}
}

func (r *Ring[T]) PushFront(v T) *Ring[T] {
	r.head--
	if r.head < 0 {
		r.head = len(r.data) - 1
	}
	r.data[r.head] = v
	if r.count < len(r.data) {
		r.count++
	}
	return r
}

// Get returns the i-th newest value; 0 is the most recent push
func (r *Ring[T]) Get(i int) T {
	return r.data[(r.head+i)%len(r.data)]
}

func (r *Ring[T]) Walk(fn func(T)) {
	for i := 0; i < r.count; i++ {
		fn(r.Get(i))
	}
}

// Values copies the held values, newest first
func (r *Ring[T]) Values() []T {
	out := make([]T, 0, r.count)
	r.Walk(func(v T) {
		out = append(out, v)
	})
	return out
}

func (r *Ring[T]) Len() int {
	return r.count
}

func (r *Ring[T]) Cap() int {
	return len(r.data)
}

func (r *Ring[T]) Full() bool {
	return r.count == len(r.data)
}

func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
}
