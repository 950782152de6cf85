package scheduler

import (
	"container/heap"
	"time"
)

// entry is one armed schedule.
type entry struct {
	id    string
	at    time.Time
	index int
}

// timerQueue is a min-heap of armed schedules ordered by due time. It holds
// at most one entry per schedule id. Not safe for concurrent use; the engine
// loop owns it.
type timerQueue struct {
	items []*entry
	byID  map[string]*entry
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: make(map[string]*entry)}
}

func (q *timerQueue) Len() int { return len(q.items) }

func (q *timerQueue) Less(i, j int) bool {
	if q.items[i].at.Equal(q.items[j].at) {
		return q.items[i].id < q.items[j].id
	}
	return q.items[i].at.Before(q.items[j].at)
}

func (q *timerQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *timerQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.items)
	q.items = append(q.items, e)
}

func (q *timerQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.items = old[:n-1]
	return e
}

// arm adds id or moves its existing entry to at.
func (q *timerQueue) arm(id string, at time.Time) {
	if e, ok := q.byID[id]; ok {
		e.at = at
		heap.Fix(q, e.index)
		return
	}
	e := &entry{id: id, at: at}
	q.byID[id] = e
	heap.Push(q, e)
}

// disarm removes id. It reports whether an entry existed.
func (q *timerQueue) disarm(id string) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, e.index)
	delete(q.byID, id)
	return true
}

func (q *timerQueue) peek() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// popDue removes and returns every entry due at or before now, earliest first.
func (q *timerQueue) popDue(now time.Time) []*entry {
	var due []*entry
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		e := heap.Pop(q).(*entry)
		delete(q.byID, e.id)
		due = append(due, e)
	}
	return due
}

// snapshot lists the armed entries ordered by due time.
func (q *timerQueue) snapshot() []Armed {
	out := make([]Armed, 0, len(q.items))
	cp := &timerQueue{items: make([]*entry, len(q.items)), byID: map[string]*entry{}}
	for i, e := range q.items {
		c := *e
		cp.items[i] = &c
	}
	for cp.Len() > 0 {
		e := heap.Pop(cp).(*entry)
		out = append(out, Armed{ScheduleID: e.id, At: e.at})
	}
	return out
}
