package session

import "sync"

// EventKind names a change published to subscribers.
type EventKind string

// Event kinds.
const (
	EventSessionCreated EventKind = "session_created"
	EventSessionUpdated EventKind = "session_updated"
	EventSessionDeleted EventKind = "session_deleted"
	EventActiveChanged  EventKind = "active_changed"
	EventMessageAdded   EventKind = "message_added"
	EventMessageDelta   EventKind = "message_delta"
	EventMessageUpdated EventKind = "message_updated"
	EventMessageRemoved EventKind = "message_removed"
	EventWiped          EventKind = "wiped"
)

// Event tells subscribers what changed. Subscribers re-read the store for
// the new state.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

// feed fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than blocking the store.
type feed struct {
	subMu sync.Mutex
	subs  map[int]chan Event
	next  int
}

func (f *feed) init() {
	f.subs = make(map[int]chan Event)
}

// Subscribe registers an observer. The returned cancel function closes the
// channel and may be called more than once.
func (f *feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	f.subMu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.subMu.Lock()
			delete(f.subs, id)
			f.subMu.Unlock()
			close(ch)
		})
	}
}

func (f *feed) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ev := range events {
		for _, ch := range f.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
