// Package channel runs the discovery protocol on a bus: four listeners (one
// per channel) under a Supervisor that owns their lifecycle and is the single
// gateway for outbound messages.
package channel

import (
    "context"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/codec"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/topic"
)

// Options configures a Supervisor.
type Options struct {
    Local protocol.Local
    Bus   bus.Bus
    // Codec defaults to JSON.
    Codec codec.Codec
    // Namer defaults to topic.DefaultNamer().
    Namer topic.Namer
    // Sink receives every decoded INFO. Nil discards them.
    Sink   PeerSink
    Logger *log.Logger
    // OutboxSize bounds pending outbound messages (DefaultOutboxSize if 0).
    OutboxSize int
    // BroadcastOnStart issues one DISCOVER once all listeners run.
    BroadcastOnStart bool
}

func (o Options) Validate() error {
    if err := protocol.ValidateNodeID(o.Local.ID); err != nil {
        return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
    }
    if o.Bus == nil { return fmt.Errorf("%w: bus is required", ErrInvalidOptions) }
    if o.OutboxSize < 0 { return fmt.Errorf("%w: negative outbox size", ErrInvalidOptions) }
    if o.Namer != (topic.Namer{}) {
        if err := o.Namer.Validate(); err != nil { return fmt.Errorf("%w: %w", ErrInvalidOptions, err) }
    }
    return nil
}

// Supervisor creates, runs and stops the listeners of one node and owns the
// outbox every outbound message goes through.
type Supervisor struct {
    opts  Options
    codec codec.Codec
    namer topic.Namer
    sink  PeerSink
    log   *log.Logger

    mu        sync.Mutex
    started   bool
    stopped   bool
    listeners []*Listener
    out       *worker
    cancel    context.CancelFunc
    pubCancel context.CancelFunc
    wg        sync.WaitGroup
    done      chan struct{}
}

func New(opts Options) (*Supervisor, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    s := &Supervisor{opts: opts, codec: opts.Codec, namer: opts.Namer, sink: opts.Sink, done: make(chan struct{})}
    if s.codec == nil { s.codec = codec.JSON{} }
    if s.namer == (topic.Namer{}) { s.namer = topic.DefaultNamer() }
    if s.sink == nil { s.sink = discardSink{} }
    s.log = opts.Logger
    if s.log == nil { s.log = log.Default() }
    s.log = logutil.Named(s.log, "channel")
    return s, nil
}

func (s *Supervisor) topicFor(r Role) (string, error) {
    id := s.opts.Local.ID
    switch r {
    case RoleDiscover:
        return s.namer.Topic(topic.Discover, "")
    case RoleDiscoverTargeted:
        return s.namer.Inbox(id)
    case RoleInfo:
        return s.namer.Topic(topic.Info, "")
    default:
        return s.namer.Reply(id)
    }
}

func (s *Supervisor) handlerFor(r Role, out outbox) handler {
    if r.Kind == KindDiscover {
        return replier{local: s.opts.Local, codec: s.codec, namer: s.namer, out: out}.handle
    }
    return observer{codec: s.codec, sink: s.sink, scope: r.Scope}.handle
}

// Start subscribes all listeners and runs them. If any subscription fails,
// the listeners created so far are closed and the error is returned; the
// supervisor is then unusable. Listeners end with ctx; once all of them have
// ended the supervisor counts as stopped and publications fail with ErrStopped.
func (s *Supervisor) Start(ctx context.Context) error {
    s.mu.Lock()
    if s.started {
        s.mu.Unlock()
        return ErrAlreadyStarted
    }
    s.started = true
    lctx, cancel := context.WithCancel(ctx)
    pctx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
    out := newWorker(s.opts.Bus, s.opts.OutboxSize, s.log)
    go out.run(pctx)

    var ls []*Listener
    for _, r := range Roles() {
        t, err := s.topicFor(r)
        if err == nil {
            var l *Listener
            l, err = newListener(lctx, s.opts.Bus, r, t, s.handlerFor(r, out), s.log)
            if err == nil {
                ls = append(ls, l)
                continue
            }
        }
        for _, l := range ls { l.stop() }
        cancel()
        out.close()
        <-out.done
        pubCancel()
        s.stopped = true
        close(s.done)
        s.mu.Unlock()
        logutil.Errorf(s.log, "start %s aborted: %v", s.opts.Local.ID, err)
        return err
    }

    s.listeners, s.out, s.cancel, s.pubCancel = ls, out, cancel, pubCancel
    for _, l := range ls {
        l.begin()
        s.wg.Add(1)
        go func(l *Listener) {
            defer s.wg.Done()
            l.run(lctx)
        }(l)
    }
    go func() {
        s.wg.Wait()
        s.mu.Lock()
        if !s.stopped {
            // Every listener ended without Stop: refuse further publications.
            s.stopped = true
            cancel()
            out.close()
            go func() {
                <-out.done
                pubCancel()
            }()
            logutil.Warnf(s.log, "node %s: all listeners ended, outbound closed", s.opts.Local.ID)
        }
        s.mu.Unlock()
        close(s.done)
    }()
    s.mu.Unlock()
    logutil.Infof(s.log, "node %s listening on %d channels", s.opts.Local.ID, len(ls))

    if s.opts.BroadcastOnStart {
        if err := s.Broadcast(ctx, ""); err != nil {
            logutil.Warnf(s.log, "initial broadcast failed: %v", err)
        }
    }
    return nil
}

// Stop ends every listener and waits for them and for the outbox to drain.
// It returns ctx.Err() if ctx ends first. Calling Stop again is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
    s.mu.Lock()
    if !s.started || s.stopped {
        s.mu.Unlock()
        return nil
    }
    s.stopped = true
    ls, out, cancel, pubCancel := s.listeners, s.out, s.cancel, s.pubCancel
    s.mu.Unlock()

    defer pubCancel()
    cancel()
    for _, l := range ls { l.stop() }
    select {
    case <-s.done:
    case <-ctx.Done():
        out.close()
        return ctx.Err()
    }
    out.close()
    select {
    case <-out.done:
    case <-ctx.Done():
        return ctx.Err()
    }
    logutil.Infof(s.log, "node %s stopped", s.opts.Local.ID)
    return nil
}

// Done is closed once every listener has stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Local returns the description this supervisor answers DISCOVER with.
func (s *Supervisor) Local() protocol.Local { return s.opts.Local }

// Namer returns the topic namer in use.
func (s *Supervisor) Namer() topic.Namer { return s.namer }

func (s *Supervisor) Listeners() []ListenerStatus {
    s.mu.Lock()
    ls := s.listeners
    s.mu.Unlock()
    out := make([]ListenerStatus, 0, len(ls))
    for _, l := range ls { out = append(out, l.Status()) }
    return out
}

func (s *Supervisor) outbox() (*worker, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if !s.started { return nil, ErrNotStarted }
    if s.stopped { return nil, ErrStopped }
    return s.out, nil
}

// Publish queues payload for the untargeted topic of ch.
func (s *Supervisor) Publish(ctx context.Context, ch topic.Channel, payload []byte) error {
    t, err := s.namer.Topic(ch, "")
    if err != nil { return err }
    return s.publish(ctx, ch.String(), t, payload)
}

// PublishToChannel queues payload for an explicit topic string.
func (s *Supervisor) PublishToChannel(ctx context.Context, t string, payload []byte) error {
    if t == "" { return bus.ErrEmptyTopic }
    return s.publish(ctx, explicitLabel, t, payload)
}

func (s *Supervisor) publish(ctx context.Context, label, t string, payload []byte) error {
    if err := ctx.Err(); err != nil { return err }
    out, err := s.outbox()
    if err != nil { return err }
    return out.enqueue(label, t, payload)
}

func (s *Supervisor) encode(op string, v any) ([]byte, error) {
    b, err := s.codec.Marshal(v)
    if err != nil {
        metrics.EncodeErrors.WithLabelValues(op).Inc()
        logutil.Errorf(s.log, "encode %s: %v", op, err)
        return nil, fmt.Errorf("%w: %s: %w", ErrEncode, op, err)
    }
    return b, nil
}

// Broadcast publishes a DISCOVER on the general discover topic. requestID
// may be empty; when set, replies echo it.
func (s *Supervisor) Broadcast(ctx context.Context, requestID string) error {
    b, err := s.encode("discover", s.opts.Local.Discover(requestID))
    if err != nil { return err }
    if err := s.Publish(ctx, topic.Discover, b); err != nil { return err }
    metrics.DiscoverRequests.WithLabelValues(ScopeBroadcast.String()).Inc()
    return nil
}

// DiscoverNode publishes a DISCOVER to target's inbox only.
func (s *Supervisor) DiscoverNode(ctx context.Context, target protocol.NodeID, requestID string) error {
    if err := protocol.ValidateNodeID(target); err != nil { return err }
    t, err := s.namer.Inbox(target)
    if err != nil { return err }
    b, err := s.encode("discover", s.opts.Local.Discover(requestID))
    if err != nil { return err }
    if err := s.publish(ctx, topic.DiscoverTargeted.String(), t, b); err != nil { return err }
    metrics.DiscoverRequests.WithLabelValues(ScopeTargeted.String()).Inc()
    return nil
}

// BroadcastInfo announces this node on the general info topic.
func (s *Supervisor) BroadcastInfo(ctx context.Context) error {
    b, err := s.encode("info", s.opts.Local.Info(""))
    if err != nil { return err }
    return s.Publish(ctx, topic.Info, b)
}
