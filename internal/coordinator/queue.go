package coordinator

import "container/heap"

type queueItem struct {
	taskID   string
	priority int
	seq      uint64
	index    int
}

// taskHeap orders by priority ascending, then by enqueue sequence.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// queue is a bounded priority queue of task ids. Not safe for concurrent use.
type queue struct {
	limit int
	seq   uint64
	items taskHeap
	byID  map[string]*queueItem
}

func newQueue(limit int) *queue {
	return &queue{limit: limit, byID: make(map[string]*queueItem)}
}

func (q *queue) Len() int { return q.items.Len() }

// push enqueues taskID. A task already queued is re-prioritized in place.
func (q *queue) push(taskID string, priority int) error {
	q.seq++
	if item, ok := q.byID[taskID]; ok {
		item.priority = priority
		item.seq = q.seq
		heap.Fix(&q.items, item.index)
		return nil
	}
	if q.limit > 0 && q.items.Len() >= q.limit {
		return ErrQueueFull
	}
	item := &queueItem{taskID: taskID, priority: priority, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[taskID] = item
	return nil
}

// pop removes and returns the highest priority task id.
func (q *queue) pop() (string, bool) {
	if q.items.Len() == 0 {
		return "", false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, item.taskID)
	return item.taskID, true
}

func (q *queue) remove(taskID string) bool {
	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return true
}

// ids returns queued task ids in dequeue order.
func (q *queue) ids() []string {
	cp := make(taskHeap, len(q.items))
	for i, it := range q.items {
		dup := *it
		cp[i] = &dup
	}
	out := make([]string, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*queueItem).taskID)
	}
	return out
}
