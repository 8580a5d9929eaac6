package channel

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync/atomic"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
    "github.com/amirimatin/go-discover/pkg/observability/tracing"
)

// State is the lifecycle position of a Listener.
type State int32

const (
    StateCreated State = iota
    StateSubscribed
    StateListening
    StateStopped
)

func (s State) String() string {
    switch s {
    case StateCreated:
        return "created"
    case StateSubscribed:
        return "subscribed"
    case StateListening:
        return "listening"
    case StateStopped:
        return "stopped"
    default:
        return fmt.Sprintf("state(%d)", int32(s))
    }
}

// ListenerStatus is a point-in-time view of one listener.
type ListenerStatus struct {
    Name    string `json:"name"`
    Topic   string `json:"topic"`
    State   string `json:"state"`
    Handled uint64 `json:"handled"`
    Failed  uint64 `json:"failed"`
}

type handler func(ctx context.Context, m bus.Message) error

// Listener owns one subscription and processes its messages one at a time.
// A message is fully handled before the next one is received.
type Listener struct {
    role    Role
    topic   string
    sub     bus.Subscription
    handle  handler
    log     *log.Logger
    state   atomic.Int32
    handled atomic.Uint64
    failed  atomic.Uint64
    done    chan struct{}
}

// newListener subscribes to topic. A failed subscription is returned as
// ErrSubscribe and leaves nothing running.
func newListener(ctx context.Context, b bus.Bus, role Role, topic string, h handler, logger *log.Logger) (*Listener, error) {
    l := &Listener{role: role, topic: topic, handle: h, log: logger, done: make(chan struct{})}
    l.state.Store(int32(StateCreated))
    sub, err := b.Subscribe(ctx, topic)
    if err != nil {
        return nil, fmt.Errorf("%w: %s on %q: %w", ErrSubscribe, role, topic, err)
    }
    l.sub = sub
    l.state.Store(int32(StateSubscribed))
    logutil.Debugf(l.log, "%s subscribed to %s", role, topic)
    return l, nil
}

func (l *Listener) Role() Role      { return l.role }
func (l *Listener) Topic() string   { return l.topic }
func (l *Listener) State() State    { return State(l.state.Load()) }
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) Status() ListenerStatus {
    return ListenerStatus{
        Name:    l.role.String(),
        Topic:   l.topic,
        State:   l.State().String(),
        Handled: l.handled.Load(),
        Failed:  l.failed.Load(),
    }
}

// begin marks the listener as listening; run must follow.
func (l *Listener) begin() {
    l.state.Store(int32(StateListening))
    metrics.ListenersActive.Inc()
}

// run consumes the subscription until it ends or ctx is done. It never
// restarts.
func (l *Listener) run(ctx context.Context) {
    defer func() {
        metrics.ListenersActive.Dec()
        l.state.Store(int32(StateStopped))
        close(l.done)
    }()
    in := l.sub.C()
    for {
        select {
        case <-ctx.Done():
            return
        case m, ok := <-in:
            if !ok {
                logutil.Debugf(l.log, "%s subscription on %s ended", l.role, l.topic)
                return
            }
            l.dispatch(ctx, m)
        }
    }
}

func (l *Listener) dispatch(ctx context.Context, m bus.Message) {
    name := l.role.String()
    metrics.MessagesReceived.WithLabelValues(name).Inc()
    sctx, end := tracing.StartSpan(ctx, "channel.handle", "listener", name, "topic", m.Topic)
    err := l.handle(sctx, m)
    end()
    if err == nil {
        l.handled.Add(1)
        metrics.MessagesHandled.WithLabelValues(name).Inc()
        return
    }
    l.failed.Add(1)
    if errors.Is(err, ErrDecode) {
        metrics.DecodeErrors.WithLabelValues(name).Inc()
        logutil.Warnf(l.log, "%s dropped message on %s: %v", name, m.Topic, err)
        return
    }
    metrics.HandleErrors.WithLabelValues(name).Inc()
    if errors.Is(err, ErrEncode) { metrics.EncodeErrors.WithLabelValues("reply").Inc() }
    logutil.Errorf(l.log, "%s failed to handle message on %s: %v", name, m.Topic, err)
}

// stop closes the subscription, which ends run.
func (l *Listener) stop() {
    if l.sub != nil { _ = l.sub.Close() }
}
