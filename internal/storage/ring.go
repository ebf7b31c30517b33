package storage

// recentRing is the short-horizon FIFO collection. Capacity is small, so
// removal by id is a linear scan.
type recentRing struct {
	buf  []*Entry
	head int // index of the oldest entry
	size int
}

func newRecentRing(capacity int) *recentRing {
	return &recentRing{buf: make([]*Entry, capacity)}
}

func (r *recentRing) len() int { return r.size }

func (r *recentRing) full() bool { return r.size == len(r.buf) }

// push appends e, returning the oldest entry if it had to be overwritten.
func (r *recentRing) push(e *Entry) (evicted *Entry) {
	if r.full() {
		evicted = r.buf[r.head]
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		return evicted
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
	return nil
}

func (r *recentRing) at(i int) *Entry {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *recentRing) find(id EntryID) (int, *Entry) {
	for i := 0; i < r.size; i++ {
		if e := r.at(i); e.ID == id {
			return i, e
		}
	}
	return -1, nil
}

// remove deletes id, keeping the remaining entries in order.
func (r *recentRing) remove(id EntryID) *Entry {
	pos, e := r.find(id)
	if e == nil {
		return nil
	}
	for i := pos; i < r.size-1; i++ {
		r.buf[(r.head+i)%len(r.buf)] = r.at(i + 1)
	}
	r.buf[(r.head+r.size-1)%len(r.buf)] = nil
	r.size--
	return e
}

// newestFirst visits entries from most to least recent until fn returns false.
func (r *recentRing) newestFirst(fn func(*Entry) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.at(i)) {
			return
		}
	}
}

// oldestFirst visits entries in insertion order.
func (r *recentRing) oldestFirst(fn func(*Entry) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.at(i)) {
			return
		}
	}
}

func (r *recentRing) reset() {
	clear(r.buf)
	r.head = 0
	r.size = 0
}
