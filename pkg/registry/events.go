package registry

import (
    "context"
    "sync"
    "time"
)

type EventType string

const (
    EventPeerJoined  EventType = "peer_joined"
    EventPeerUpdated EventType = "peer_updated"
    EventPeerExpired EventType = "peer_expired"
)

// Event describes a change in the set of known peers.
type Event struct {
    Type EventType
    At   time.Time
    Peer Peer
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow.
func (r *Registry) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    r.eb.add(ch)
    go func() {
        <-ctx.Done()
        r.eb.remove(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if _, ok := e.subs[ch]; ok {
        delete(e.subs, ch)
        close(ch)
    }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
