package bridge

import "sync"

// Queue is an unbounded FIFO of byte chunks with a close sentinel. Put never
// blocks; Get blocks until a chunk or the sentinel is available.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []item
}

type item struct {
	data  []byte
	close bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends a copy of data. Empty chunks are ignored.
func (q *Queue) Put(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.push(item{data: buf})
}

// Close appends the close sentinel. Chunks queued before it are still
// delivered; the consumer stops once it reaches it.
func (q *Queue) Close() { q.push(item{close: true}) }

func (q *Queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.cond.Signal()
}

// Get removes the next chunk. ok is false once the sentinel is reached.
func (q *Queue) Get() (data []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	if it.close {
		return nil, false
	}
	return it.data, true
}

// Len returns the number of queued entries, sentinel included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
