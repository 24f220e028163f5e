package db

import (
	"sync"
	"time"
)

// EventKind identifies what changed.
type EventKind string

const (
	EventProjectCreated EventKind = "project_created"
	EventProjectUpdated EventKind = "project_updated"
	EventProjectDeleted EventKind = "project_deleted"
	EventSceneCreated   EventKind = "scene_created"
	EventSceneUpdated   EventKind = "scene_updated"
	EventSceneDeleted   EventKind = "scene_deleted"
	EventActionEnqueued EventKind = "action_enqueued"
	EventActionUpdated  EventKind = "action_updated"
	EventActionsSwept   EventKind = "actions_swept"
)

// Event describes one committed mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	ProjectID string    `json:"project_id,omitempty"`
	SceneID   string    `json:"scene_id,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	At        time.Time `json:"at"`
}

// broker fans committed events out to subscribers. A subscriber whose
// buffer is full misses the event; writers never wait on readers.
type broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan Event)}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (b *broker) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ev := range events {
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribe registers for change events. The returned channel receives
// every mutation committed after the call and is closed by cancel or by
// Close. Events that do not fit in the buffer are dropped.
func (db *DB) Subscribe(buffer int) (<-chan Event, func()) {
	return db.events.subscribe(buffer)
}
