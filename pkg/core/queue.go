/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: queue.go
Description: Time-ordered queue for scheduled tasks. A binary min-heap keyed on the next run
time, ties broken by insertion order. Entries carry a generation so a task that was
rescheduled, paused or cancelled can leave its stale entry behind and have it skipped.
*/

package core

import (
	"sync"
	"time"
)

// QueueEntry is one pending run of a task
type QueueEntry struct {
	TaskID string
	RunAt  time.Time
	Gen    uint64 // must match the task's generation to be valid
	seq    uint64
}

func (a QueueEntry) before(b QueueEntry) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.seq < b.seq
}

// TaskQueue is a thread-safe min-heap of pending task runs
type TaskQueue struct {
	mu   sync.Mutex
	heap []QueueEntry
	seq  uint64

	pushes int64
	pops   int64
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{heap: make([]QueueEntry, 0, 64)}
}

// Push schedules a run of taskID at runAt tagged with gen
func (q *TaskQueue) Push(taskID string, runAt time.Time, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.heap = append(q.heap, QueueEntry{TaskID: taskID, RunAt: runAt, Gen: gen, seq: q.seq})
	q.pushes++
	q.bubbleUp(len(q.heap) - 1)
}

// PopDue removes and returns the earliest entry if it is due at now
func (q *TaskQueue) PopDue(now time.Time) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 || q.heap[0].RunAt.After(now) {
		return QueueEntry{}, false
	}
	return q.popLocked(), true
}

// NextRun is the earliest scheduled time, false when empty
func (q *TaskQueue) NextRun() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].RunAt, true
}

// Len counts entries, stale ones included
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear drops every entry
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = q.heap[:0]
}

// Stats returns queue counters
func (q *TaskQueue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]any{
		"size":   len(q.heap),
		"pushes": q.pushes,
		"pops":   q.pops,
	}
}

func (q *TaskQueue) popLocked() QueueEntry {
	root := q.heap[0]
	last := len(q.heap) - 1
	q.heap[0] = q.heap[last]
	q.heap = q.heap[:last]
	if len(q.heap) > 0 {
		q.bubbleDown(0)
	}
	q.pops++
	return root
}

func (q *TaskQueue) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if !q.heap[index].before(q.heap[parent]) {
			break
		}
		q.heap[index], q.heap[parent] = q.heap[parent], q.heap[index]
		index = parent
	}
}

func (q *TaskQueue) bubbleDown(index int) {
	n := len(q.heap)
	for {
		smallest := index
		left := 2*index + 1
		right := 2*index + 2
		if left < n && q.heap[left].before(q.heap[smallest]) {
			smallest = left
		}
		if right < n && q.heap[right].before(q.heap[smallest]) {
			smallest = right
		}
		if smallest == index {
			return
		}
		q.heap[index], q.heap[smallest] = q.heap[smallest], q.heap[index]
		index = smallest
	}
}
