package ehci

// pool is a bounded free-list. Allocation pops the most recently freed
// descriptor; release pushes one, destroying the oldest pooled descriptor
// first if the cap would be exceeded. All pool access is serialized by the
// caller holding Driver.asyncMu — the pools are shared across the async and
// periodic paths (spec.md §4.1, §5).
type pool[T any] struct {
	items   []*T
	cap     int
	destroy func(*T)
}

func newPool[T any](cap int, destroy func(*T)) *pool[T] {
	return &pool[T]{cap: cap, destroy: destroy}
}

// get pops the head of the free list, or reports ok=false on a miss.
func (p *pool[T]) get() (item *T, ok bool) {
	n := len(p.items)
	if n == 0 {
		return nil, false
	}

	item = p.items[n-1]
	p.items = p.items[:n-1]
	return item, true
}

// put pushes item onto the free list, destroying the oldest pooled
// descriptor first if that would exceed cap.
func (p *pool[T]) put(item *T) {
	if p.cap > 0 && len(p.items) >= p.cap {
		oldest := p.items[0]
		p.items = p.items[1:]
		p.destroy(oldest)
	}

	p.items = append(p.items, item)
}

// len reports the number of descriptors currently pooled.
func (p *pool[T]) len() int {
	return len(p.items)
}

// drain destroys every pooled descriptor, used on controller teardown.
func (p *pool[T]) drain() {
	for _, item := range p.items {
		p.destroy(item)
	}
	p.items = nil
}
