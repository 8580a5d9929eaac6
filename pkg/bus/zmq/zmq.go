// Package zmq carries discovery topics over ZeroMQ PUB/SUB sockets. Each
// node binds one PUB socket and connects its SUB socket to every peer's PUB
// endpoint; frames are [topic, payload].
package zmq

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/go-zeromq/zmq4"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/bus/memory"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
)

type Options struct {
    // Listen is the PUB endpoint, e.g. tcp://0.0.0.0:5555.
    Listen string
    // Peers are PUB endpoints of other nodes.
    Peers  []string
    Name   string
    Logger *log.Logger
    Buffer int
}

func (o Options) Validate() error {
    if o.Listen == "" { return errors.New("zmq: empty listen endpoint") }
    return nil
}

// Bus implements bus.Bus with one PUB and one SUB socket. Local subscribers
// receive this node's publications directly.
type Bus struct {
    ctx    context.Context
    cancel context.CancelFunc
    log    *log.Logger
    local  *memory.Bus

    pubMu sync.Mutex
    pub   zmq4.Socket
    sub   zmq4.Socket

    mu     sync.Mutex
    peers  map[string]struct{}
    closed bool
    wg     sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

func New(parent context.Context, opts Options) (*Bus, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    ctx, cancel := context.WithCancel(parent)
    b := &Bus{
        ctx:    ctx,
        cancel: cancel,
        log:    logutil.Named(opts.Logger, "zmq"),
        local:  memory.New(memory.WithName(opts.Name), memory.WithBuffer(opts.Buffer)),
        pub:    zmq4.NewPub(ctx),
        sub:    zmq4.NewSub(ctx),
        peers:  make(map[string]struct{}),
    }
    if err := b.pub.Listen(opts.Listen); err != nil {
        b.shutdown()
        return nil, fmt.Errorf("zmq: listen %s: %w", opts.Listen, err)
    }
    if err := b.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
        b.shutdown()
        return nil, fmt.Errorf("zmq: subscribe all: %w", err)
    }
    for _, p := range opts.Peers {
        if err := b.AddPeer(p); err != nil { logutil.Warnf(b.log, "%v", err) }
    }
    b.wg.Add(1)
    go b.recvLoop()
    logutil.Infof(b.log, "publishing on %s", opts.Listen)
    return b, nil
}

// AddPeer connects the SUB socket to another node's PUB endpoint.
func (b *Bus) AddPeer(endpoint string) error {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed { return bus.ErrClosed }
    if _, ok := b.peers[endpoint]; ok || endpoint == "" { return nil }
    if err := b.sub.Dial(endpoint); err != nil { return fmt.Errorf("zmq: dial %s: %w", endpoint, err) }
    b.peers[endpoint] = struct{}{}
    logutil.Debugf(b.log, "subscribed to %s", endpoint)
    return nil
}

// Addr is the bound PUB address.
func (b *Bus) Addr() string {
    if a := b.pub.Addr(); a != nil { return a.String() }
    return ""
}

func (b *Bus) recvLoop() {
    defer b.wg.Done()
    for {
        msg, err := b.sub.Recv()
        if err != nil {
            if b.ctx.Err() != nil { return }
            logutil.Debugf(b.log, "recv: %v", err)
            continue
        }
        if len(msg.Frames) != 2 || len(msg.Frames[0]) == 0 {
            logutil.Warnf(b.log, "dropping message with %d frames", len(msg.Frames))
            continue
        }
        _ = b.local.Publish(b.ctx, string(msg.Frames[0]), msg.Frames[1])
    }
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
    if b.isClosed() { return nil, bus.ErrClosed }
    return b.local.Subscribe(ctx, topic)
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
    if b.isClosed() { return bus.ErrClosed }
    if topic == "" { return bus.ErrEmptyTopic }
    if err := b.local.Publish(ctx, topic, payload); err != nil { return err }
    b.pubMu.Lock()
    defer b.pubMu.Unlock()
    if err := b.pub.Send(zmq4.NewMsgFrom([]byte(topic), bus.Copy(payload))); err != nil {
        return fmt.Errorf("zmq: send %s: %w", topic, err)
    }
    return nil
}

func (b *Bus) isClosed() bool {
    b.mu.Lock()
    defer b.mu.Unlock()
    return b.closed
}

func (b *Bus) Close() error {
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        return nil
    }
    b.closed = true
    b.mu.Unlock()
    err := b.shutdown()
    b.wg.Wait()
    _ = b.local.Close()
    return err
}

func (b *Bus) shutdown() error {
    b.cancel()
    return errors.Join(b.sub.Close(), b.pub.Close())
}
