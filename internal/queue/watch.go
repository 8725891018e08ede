package queue

import (
	"sync"

	"github.com/nidhogg/agentmesh/internal/task"
)

// watchers fans terminal task states out to in-process waiters.
type watchers struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan *task.Task
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[string]map[int]chan *task.Task)}
}

func (w *watchers) add(taskID string) (<-chan *task.Task, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *task.Task, 1)
	id := w.next
	w.next++
	if w.subs[taskID] == nil {
		w.subs[taskID] = make(map[int]chan *task.Task)
	}
	w.subs[taskID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs[taskID], id)
			if len(w.subs[taskID]) == 0 {
				delete(w.subs, taskID)
			}
		})
	}
	return ch, cancel
}

// publish delivers t to every waiter and drops the subscriptions. Channels
// are buffered so publish never blocks.
func (w *watchers) publish(t *task.Task) {
	w.mu.Lock()
	subs := w.subs[t.ID]
	delete(w.subs, t.ID)
	w.mu.Unlock()

	for _, ch := range subs {
		ch <- t.Clone()
	}
}
