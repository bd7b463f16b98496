package scheduler

import (
	"container/heap"
	"strconv"
	"time"
)

type eventKind int

const (
	eventReminder eventKind = iota
	eventDeadline
	eventProposal
)

func (k eventKind) String() string {
	switch k {
	case eventReminder:
		return "reminder"
	case eventDeadline:
		return "deadline"
	case eventProposal:
		return "proposal"
	default:
		return "unknown"
	}
}

type event struct {
	at      time.Time
	kind    eventKind
	subject string
	round   uint64
	index   int // maintained by the heap.Interface methods
}

func (e *event) key() string {
	if e.kind == eventProposal {
		return e.kind.String() + ":" + strconv.FormatUint(e.round, 10)
	}
	return e.kind.String() + ":" + e.subject
}

// eventQueue is a min-heap on wake time. Ties go to the kind that must fire
// first, so a reminder due at the deadline is sent before the rejection.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].kind < q[j].kind
	}
	return q[i].at.Before(q[j].at)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x interface{}) {
	e := x.(*event)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

func (q eventQueue) peek() *event {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// schedule inserts e, or moves an existing event with the same key.
func (q *eventQueue) schedule(byKey map[string]*event, e *event) {
	if old, ok := byKey[e.key()]; ok {
		old.at = e.at
		heap.Fix(q, old.index)
		return
	}
	heap.Push(q, e)
	byKey[e.key()] = e
}

// due pops every event at or before now, in firing order.
func (q *eventQueue) due(byKey map[string]*event, now time.Time) []*event {
	var out []*event
	for {
		next := q.peek()
		if next == nil || next.at.After(now) {
			return out
		}
		heap.Pop(q)
		delete(byKey, next.key())
		out = append(out, next)
	}
}
