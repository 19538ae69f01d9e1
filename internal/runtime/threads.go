package runtime

import (
	"sync"

	"github.com/dyluth/guild/pkg/message"
)

// defaultThreadMemory bounds how many recent envelopes a guild remembers threads for.
const defaultThreadMemory = 4096

// threadIndex maps recently published envelope ids to their thread ids. The oldest
// entry is evicted once the index is full.
type threadIndex struct {
	mu      sync.Mutex
	threads map[message.ID]message.ID
	order   []message.ID
	next    int
}

func newThreadIndex(size int) *threadIndex {
	if size <= 0 {
		size = defaultThreadMemory
	}
	return &threadIndex{
		threads: make(map[message.ID]message.ID, size),
		order:   make([]message.ID, 0, size),
	}
}

func (t *threadIndex) record(env *message.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.threads[env.ID]; ok {
		return
	}
	if len(t.order) < cap(t.order) {
		t.order = append(t.order, env.ID)
	} else {
		delete(t.threads, t.order[t.next])
		t.order[t.next] = env.ID
		t.next = (t.next + 1) % len(t.order)
	}
	t.threads[env.ID] = env.ThreadID()
}

func (t *threadIndex) lookup(id message.ID) (message.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	thread, ok := t.threads[id]
	return thread, ok
}
