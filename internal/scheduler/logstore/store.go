// Package logstore holds the structured log lines a task accumulates
// while it runs, backing the Inspection API's GetTaskLogs and
// StreamTaskLogs. Grounded on callback.Dispatcher's bounded, FIFO-evicted
// history slice (internal/scheduler/callback/dispatcher.go) applied
// per-task instead of globally, plus a channel-based fan-out for live
// subscribers in the same idiom as worker.Pool's handoff channels.
package logstore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// DefaultMaxEntriesPerTask is the FIFO-evicted cap on retained LogEntry
// values for any single task.
const DefaultMaxEntriesPerTask = 500

// DefaultSubscriberBuffer bounds how far a live StreamTaskLogs subscriber
// may lag before new entries are dropped for it rather than blocking
// Append.
const DefaultSubscriberBuffer = 32

// Store is an in-memory, per-task ring of LogEntry values with live
// fan-out to subscribers. The zero value is not usable; construct with
// New.
type Store struct {
	maxPerTask int
	subBuffer  int

	mu          sync.Mutex
	entries     map[uuid.UUID][]domain.LogEntry
	subscribers map[uuid.UUID]map[int]chan domain.LogEntry
	nextSubID   int
}

// New constructs a Store. maxPerTask and subBuffer fall back to their
// Default* constants when zero.
func New(maxPerTask, subBuffer int) *Store {
	if maxPerTask <= 0 {
		maxPerTask = DefaultMaxEntriesPerTask
	}
	if subBuffer <= 0 {
		subBuffer = DefaultSubscriberBuffer
	}
	return &Store{
		maxPerTask:  maxPerTask,
		subBuffer:   subBuffer,
		entries:     map[uuid.UUID][]domain.LogEntry{},
		subscribers: map[uuid.UUID]map[int]chan domain.LogEntry{},
	}
}

// Append records entry against its TaskID, evicting the oldest entry once
// the task's buffer is at capacity, and fans it out to any live
// subscribers for that task. A subscriber whose channel is full misses
// the entry rather than stalling the caller.
func (s *Store) Append(entry domain.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.entries[entry.TaskID]
	buf = append(buf, entry)
	if len(buf) > s.maxPerTask {
		buf = buf[len(buf)-s.maxPerTask:]
	}
	s.entries[entry.TaskID] = buf

	for _, ch := range s.subscribers[entry.TaskID] {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Get returns up to limit of the most recent entries for taskID, filtered
// to level and above when level is non-empty, oldest-first. limit <= 0
// means unbounded.
func (s *Store) Get(taskID uuid.UUID, level domain.LogLevel, limit int) []domain.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.entries[taskID]
	filtered := make([]domain.LogEntry, 0, len(buf))
	for _, e := range buf {
		if level != "" && !e.Level.AtLeast(level) {
			continue
		}
		filtered = append(filtered, e)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// Subscribe registers a live listener for taskID's future entries. The
// returned cancel func must be called to release the subscription; it is
// safe to call more than once.
func (s *Store) Subscribe(taskID uuid.UUID) (<-chan domain.LogEntry, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan domain.LogEntry, s.subBuffer)
	if s.subscribers[taskID] == nil {
		s.subscribers[taskID] = map[int]chan domain.LogEntry{}
	}
	s.subscribers[taskID][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.subscribers[taskID]; ok {
			if _, exists := subs[id]; exists {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(s.subscribers, taskID)
			}
		}
	}
	return ch, cancel
}
