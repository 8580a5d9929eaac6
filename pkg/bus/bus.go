// Package bus defines the publish/subscribe transport the discovery protocol
// runs on. Backends live in sub-packages (memory, gossip, p2p, grpc, zmq).
package bus

import (
    "context"
    "errors"
    "sync"
)

var (
    ErrClosed     = errors.New("bus: closed")
    ErrEmptyTopic = errors.New("bus: empty topic")
)

// Message is the transport envelope delivered to subscribers.
type Message struct {
    Topic   string
    Payload []byte
    // From identifies the transport-level sender when the backend knows it.
    From string
}

// Subscription is one live subscription. C is closed when the subscription
// ends: explicit Close, bus Close, or the context passed to Subscribe is done.
type Subscription interface {
    C() <-chan Message
    Topic() string
    Close() error
}

// Bus is the shared transport handle. Implementations are safe for
// concurrent use; listeners share one Bus value and each subscribes and
// publishes independently.
type Bus interface {
    Subscribe(ctx context.Context, topic string) (Subscription, error)
    Publish(ctx context.Context, topic string, payload []byte) error
    Close() error
}

// DefaultBuffer is the per-subscription channel capacity used by backends.
const DefaultBuffer = 64

// Sub is the channel-backed Subscription shared by the backends. The
// cancel hook runs once, before the channel is closed.
type Sub struct {
    topic  string
    ch     chan Message
    done   chan struct{}
    once   sync.Once
    mu     sync.RWMutex
    closed bool
    cancel func()
}

// NewSub creates a subscription with the given buffer and cancel hook. When
// ctx is non-nil the subscription closes itself once ctx is done.
func NewSub(ctx context.Context, topic string, buffer int, cancel func()) *Sub {
    if buffer <= 0 { buffer = DefaultBuffer }
    s := &Sub{topic: topic, ch: make(chan Message, buffer), done: make(chan struct{}), cancel: cancel}
    if ctx != nil && ctx.Done() != nil {
        go func() {
            select {
            case <-ctx.Done():
                _ = s.Close()
            case <-s.done:
            }
        }()
    }
    return s
}

func (s *Sub) C() <-chan Message { return s.ch }
func (s *Sub) Topic() string     { return s.topic }

// Done is closed once the subscription is closed.
func (s *Sub) Done() <-chan struct{} { return s.done }

// Deliver enqueues m without blocking. It reports false when the message
// was dropped because the subscriber is slow or already closed.
func (s *Sub) Deliver(m Message) bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return false }
    select {
    case s.ch <- m:
        return true
    default:
        return false
    }
}

func (s *Sub) Close() error {
    s.once.Do(func() {
        if s.cancel != nil { s.cancel() }
        s.mu.Lock()
        s.closed = true
        close(s.ch)
        close(s.done)
        s.mu.Unlock()
    })
    return nil
}

// Copy returns a private copy of a payload so subscribers never share the
// publisher's buffer.
func Copy(b []byte) []byte { return append([]byte(nil), b...) }
