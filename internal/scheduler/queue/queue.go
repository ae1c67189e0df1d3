// Package queue implements the FIFO-within-priority ordered buffer of
// waiting task ids described for the scheduler core. It is grounded on
// the score scheme of the original priority queue (priority_rank * 1e12 +
// enqueue_time_seconds) so that a single ordered structure gives both
// priority ordering and FIFO-per-priority without a secondary index.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

const priorityWeight = 1e12

// Entry is the externally observable shape of one queued task.
type Entry struct {
	TaskID     uuid.UUID
	Priority   domain.Priority
	EnqueuedAt float64 // unix seconds
	Score      float64
	Position   int
}

// Clock abstracts time.Now so tests can control enqueue ordering precisely.
type Clock func() time.Time

// PriorityQueue is a mutex-guarded, score-ordered slice. All operations
// are safe for concurrent callers and observe a single total order.
type PriorityQueue struct {
	mu      sync.Mutex
	entries []Entry
	clock   Clock
	logger  *logrus.Logger
}

// New constructs an empty queue. A nil clock defaults to time.Now; a nil
// logger defaults to a standard logrus logger.
func New(clock Clock, logger *logrus.Logger) *PriorityQueue {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PriorityQueue{clock: clock, logger: logger}
}

func score(priority domain.Priority, enqueuedAt float64) float64 {
	return float64(priority)*priorityWeight + enqueuedAt
}

// Enqueue inserts task_id with the given priority, scored at the current
// time, and returns the computed score. Callers are responsible for
// rejecting duplicate task ids before calling this.
func (q *PriorityQueue) Enqueue(taskID uuid.UUID, priority domain.Priority) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	enqueuedAt := float64(q.clock().UnixNano()) / 1e9
	s := score(priority, enqueuedAt)
	entry := Entry{TaskID: taskID, Priority: priority, EnqueuedAt: enqueuedAt, Score: s}

	// Equal scores go after the entries already queued, keeping FIFO order.
	idx := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].Score > s })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = entry

	q.logger.WithFields(logrus.Fields{
		"task_id":    taskID.String(),
		"priority":   priority.String(),
		"score":      s,
		"queue_size": len(q.entries),
	}).Info("task enqueued")

	return s
}

// Dequeue removes and returns the least-score entry.
func (q *PriorityQueue) Dequeue() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return uuid.Nil, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]

	q.logger.WithFields(logrus.Fields{
		"task_id":    head.TaskID.String(),
		"queue_size": len(q.entries),
	}).Info("task dequeued")

	return head.TaskID, true
}

// PeekFirst returns the queue head without removing it.
func (q *PriorityQueue) PeekFirst() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return uuid.Nil, false
	}
	return q.entries[0].TaskID, true
}

// Peek returns the first n entries in ascending score order.
func (q *PriorityQueue) Peek(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = q.entries[i]
		out[i].Position = i
	}
	return out
}

// Remove deletes task_id from the queue, used for cancellation.
func (q *PriorityQueue) Remove(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.TaskID == taskID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.logger.WithField("task_id", taskID.String()).Info("task removed from queue")
			return true
		}
	}
	return false
}

// Position returns the 0-based rank of task_id, or false if absent.
func (q *PriorityQueue) Position(taskID uuid.UUID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.TaskID == taskID {
			return i, true
		}
	}
	return 0, false
}

// Size returns the number of queued entries.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// SizeByPriority returns a count of queued entries per priority rank.
func (q *PriorityQueue) SizeByPriority() map[domain.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[domain.Priority]int{
		domain.PriorityCritical: 0, domain.PriorityHigh: 0,
		domain.PriorityNormal: 0, domain.PriorityLow: 0,
	}
	for _, e := range q.entries {
		counts[e.Priority]++
	}
	return counts
}

// Clear empties the queue and returns the number of entries removed.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	if n > 0 {
		q.logger.WithField("removed_count", n).Warn("queue cleared")
	}
	return n
}

// WaitTime reports how long task_id has been waiting, derived from the
// enqueue time embedded in its score.
func (q *PriorityQueue) WaitTime(taskID uuid.UUID) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.TaskID == taskID {
			elapsed := float64(q.clock().UnixNano())/1e9 - e.EnqueuedAt
			return time.Duration(elapsed * float64(time.Second)), true
		}
	}
	return 0, false
}

// Reprioritize changes task_id's priority while preserving its original
// enqueue time, then re-sorts. A second call with the same priority
// leaves the queue identical to a single call (reprioritize idempotence).
func (q *PriorityQueue) Reprioritize(taskID uuid.UUID, newPriority domain.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.TaskID != taskID {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		newScore := score(newPriority, e.EnqueuedAt)
		updated := Entry{TaskID: taskID, Priority: newPriority, EnqueuedAt: e.EnqueuedAt, Score: newScore}
		idx := sort.Search(len(q.entries), func(j int) bool { return q.entries[j].Score >= newScore })
		q.entries = append(q.entries, Entry{})
		copy(q.entries[idx+1:], q.entries[idx:])
		q.entries[idx] = updated
		q.logger.WithFields(logrus.Fields{
			"task_id":      taskID.String(),
			"new_priority": newPriority.String(),
		}).Info("task reprioritized")
		return true
	}
	return false
}
