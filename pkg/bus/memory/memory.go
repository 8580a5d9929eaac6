// Package memory is a process-local bus. Every Bus value returned by New is
// an independent broker; Clone hands out handles sharing the same broker,
// which is how several in-process nodes talk to each other in tests.
package memory

import (
    "context"
    "sync"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
)

type broker struct {
    mu     sync.RWMutex
    nextID int
    subs   map[string]map[int]*bus.Sub
}

// Bus is one handle on an in-memory broker.
type Bus struct {
    b      *broker
    name   string
    buffer int

    mu     sync.Mutex
    closed bool
    own    map[*bus.Sub]struct{}
}

// Option tunes a Bus handle.
type Option func(*Bus)

// WithName sets the sender name reported in Message.From.
func WithName(name string) Option { return func(b *Bus) { b.name = name } }

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option { return func(b *Bus) { b.buffer = n } }

func New(opts ...Option) *Bus {
    return newHandle(&broker{subs: make(map[string]map[int]*bus.Sub)}, opts...)
}

// Clone returns a new handle attached to the same broker. Closing a handle
// only ends its own subscriptions.
func (m *Bus) Clone(opts ...Option) *Bus { return newHandle(m.b, opts...) }

func newHandle(b *broker, opts ...Option) *Bus {
    h := &Bus{b: b, buffer: bus.DefaultBuffer, own: make(map[*bus.Sub]struct{})}
    for _, o := range opts { o(h) }
    return h
}

func (m *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
    if topic == "" { return bus.ErrEmptyTopic }
    if m.isClosed() { return bus.ErrClosed }
    if err := ctx.Err(); err != nil { return err }
    m.b.mu.RLock()
    defer m.b.mu.RUnlock()
    for _, s := range m.b.subs[topic] {
        // non-blocking: a slow subscriber must not stall publishers
        if !s.Deliver(bus.Message{Topic: topic, Payload: bus.Copy(payload), From: m.name}) {
            metrics.BusDropped.WithLabelValues("memory").Inc()
        }
    }
    return nil
}

func (m *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
    if topic == "" { return nil, bus.ErrEmptyTopic }
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil, bus.ErrClosed }

    m.b.mu.Lock()
    if _, ok := m.b.subs[topic]; !ok {
        m.b.subs[topic] = make(map[int]*bus.Sub)
    }
    id := m.b.nextID
    m.b.nextID++
    var s *bus.Sub
    s = bus.NewSub(ctx, topic, m.buffer, func() {
        m.b.mu.Lock()
        if byTopic, ok := m.b.subs[topic]; ok {
            delete(byTopic, id)
            if len(byTopic) == 0 { delete(m.b.subs, topic) }
        }
        m.b.mu.Unlock()
        m.mu.Lock()
        delete(m.own, s)
        m.mu.Unlock()
    })
    m.b.subs[topic][id] = s
    m.b.mu.Unlock()
    m.own[s] = struct{}{}
    return s, nil
}

// Subscribers reports how many live subscriptions exist for topic across
// all handles of the broker.
func (m *Bus) Subscribers(topic string) int {
    m.b.mu.RLock()
    defer m.b.mu.RUnlock()
    return len(m.b.subs[topic])
}

func (m *Bus) Close() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    own := make([]*bus.Sub, 0, len(m.own))
    for s := range m.own { own = append(own, s) }
    m.mu.Unlock()
    for _, s := range own { _ = s.Close() }
    return nil
}

func (m *Bus) isClosed() bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.closed
}

var _ bus.Bus = (*Bus)(nil)
