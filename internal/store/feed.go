package store

import (
	"sync"

	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
)

// ChangeKind is the type of one content mutation.
type ChangeKind string

const (
	NodeAdded       ChangeKind = "node_added"
	NodeRemoved     ChangeKind = "node_removed"
	PropertyChanged ChangeKind = "property_changed"
)

// Change is one mutation. Properties hold the full property set after the
// change, or before it for NodeRemoved.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	NodeID     string     `json:"node_id"`
	Path       string     `json:"path"`
	Properties Properties `json:"properties,omitempty"`
}

// ChangeSet groups the changes of one store operation in one workspace.
type ChangeSet struct {
	ProcessID string   `json:"process_id"`
	Workspace string   `json:"workspace"`
	Changes   []Change `json:"changes"`
}

// Listener receives change sets. Calls for one subscription are sequential
// and in publish order.
type Listener func(ChangeSet)

// ChangeFeed delivers change sets for a workspace path prefix.
type ChangeFeed interface {
	Subscribe(workspace, prefix string, l Listener) (cancel func())
}

// Bus is an in-process ChangeFeed. Publish never blocks on listeners: each
// subscription has its own queue drained by one goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

type subscription struct {
	workspace string
	prefix    string
	listener  Listener

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []ChangeSet
	closed bool
	done   chan struct{}
}

// Subscribe registers l for changes at or below prefix in workspace. The
// returned cancel stops delivery and waits for an in-flight call to finish.
func (b *Bus) Subscribe(workspace, prefix string, l Listener) func() {
	s := &subscription{
		workspace: workspace,
		prefix:    prefix,
		listener:  l,
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			s.cond.Signal()
			s.mu.Unlock()
			<-s.done
		})
	}
}

// Publish fans cs out to matching subscriptions, dropping changes outside
// each subscriber's prefix.
func (b *Bus) Publish(cs ChangeSet) {
	if len(cs.Changes) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.workspace != cs.Workspace {
			continue
		}
		filtered := cs
		filtered.Changes = nil
		for _, c := range cs.Changes {
			if pathutil.IsAtOrBelow(c.Path, s.prefix) {
				filtered.Changes = append(filtered.Changes, c)
			}
		}
		if len(filtered.Changes) > 0 {
			s.enqueue(filtered)
		}
	}
}

func (s *subscription) enqueue(cs ChangeSet) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, cs)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		cs := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.listener(cs)
	}
}
