// Package store keeps payment tasks in memory with TTL eviction, bounding
// growth while tasks are short-lived.
package store

import (
	"sync"
	"time"

	"github.com/x402kit/engine/types"
)

// DefaultTTL keeps a task long enough for retries and receipt reads after it
// reaches a terminal state.
const DefaultTTL = 30 * time.Minute

const janitorInterval = time.Minute

type entry struct {
	task      *types.PaymentTask
	expiresAt time.Time
}

// TaskStore is a mutex-guarded task map safe for concurrent request handlers.
// Each Update refreshes the task's TTL.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	ttl   time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func NewTaskStore(ttl time.Duration) *TaskStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &TaskStore{
		tasks: make(map[string]*entry),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put stores a task, replacing any previous task with the same id.
func (s *TaskStore) Put(task *types.PaymentTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = &entry{task: task, expiresAt: time.Now().Add(s.ttl)}
}

// Get returns a copy of the task, so callers cannot mutate stored state
// outside Update.
func (s *TaskStore) Get(id string) (*types.PaymentTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tasks[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	cp := *e.task
	cp.Receipts = append([]types.Receipt(nil), e.task.Receipts...)
	return &cp, true
}

// Update applies fn to a copy of the stored task under the lock, swapping it
// in and refreshing UpdatedAt and the TTL only when fn succeeds. A failed fn
// leaves the stored task exactly as it was.
func (s *TaskStore) Update(id string, fn func(*types.PaymentTask) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok || time.Now().After(e.expiresAt) {
		return types.NewPaymentError(types.CodeTaskNotFound, "no task with id %s", id)
	}

	cp := *e.task
	cp.Receipts = append([]types.Receipt(nil), e.task.Receipts...)
	if err := fn(&cp); err != nil {
		return err
	}

	cp.UpdatedAt = time.Now()
	e.task = &cp
	e.expiresAt = time.Now().Add(s.ttl)
	return nil
}

// Delete removes a task immediately.
func (s *TaskStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Len reports the number of live tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	now := time.Now()
	for _, e := range s.tasks {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Close stops the eviction janitor.
func (s *TaskStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *TaskStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *TaskStore) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.tasks {
		if now.After(e.expiresAt) {
			delete(s.tasks, id)
		}
	}
}
