// Package node wires a channel supervisor to a peer registry and adds
// request correlation and periodic announcements on top.
package node

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/benbjohnson/clock"
    "github.com/google/uuid"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/channel"
    "github.com/amirimatin/go-discover/pkg/codec"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/registry"
    "github.com/amirimatin/go-discover/pkg/topic"
)

var (
    ErrNoReply        = errors.New("node: no reply")
    ErrNotRunning     = errors.New("node: not running")
    ErrInvalidOptions = errors.New("node: invalid options")
)

type Options struct {
    Local protocol.Local
    Bus   bus.Bus
    Codec codec.Codec
    Namer topic.Namer
    Logger *log.Logger
    Clock  clock.Clock

    OutboxSize       int
    BroadcastOnStart bool
    // AnnounceInterval > 0 broadcasts the local INFO periodically.
    AnnounceInterval time.Duration

    PeerTTL  time.Duration
    MaxPeers int
    // StorePath persists the registry in a bolt file when set.
    StorePath string
    // SharedBus leaves Bus open on Close.
    SharedBus bool
}

func (o Options) Validate() error {
    if o.AnnounceInterval < 0 { return fmt.Errorf("%w: negative announce interval", ErrInvalidOptions) }
    return nil
}

// Status is a point-in-time view of the node.
type Status struct {
    ID        protocol.NodeID          `json:"id"`
    Version   string                   `json:"version,omitempty"`
    Addrs     []string                 `json:"addrs,omitempty"`
    StartedAt time.Time                `json:"startedAt"`
    Running   bool                     `json:"running"`
    Listeners []channel.ListenerStatus `json:"listeners"`
    Peers     []registry.Peer          `json:"peers"`
}

type Node struct {
    opts  Options
    clock clock.Clock
    log   *log.Logger
    sup   *channel.Supervisor
    reg   *registry.Registry
    store *registry.BoltStore

    mu      sync.Mutex
    waiters map[string]chan protocol.InfoMessage
    running bool
    cancel  context.CancelFunc
    wg      sync.WaitGroup
}

func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    metrics.Register()
    if opts.Clock == nil { opts.Clock = clock.New() }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Local.StartedAt.IsZero() { opts.Local.StartedAt = opts.Clock.Now() }
    n := &Node{opts: opts, clock: opts.Clock, log: logutil.Named(opts.Logger, "node"), waiters: make(map[string]chan protocol.InfoMessage)}
    reg, err := registry.New(registry.Options{Local: opts.Local.ID, TTL: opts.PeerTTL, MaxPeers: opts.MaxPeers, Clock: opts.Clock, Logger: opts.Logger})
    if err != nil { return nil, err }
    n.reg = reg
    sup, err := channel.New(channel.Options{
        Local:            opts.Local,
        Bus:              opts.Bus,
        Codec:            opts.Codec,
        Namer:            opts.Namer,
        Sink:             channel.PeerSinkFunc(n.observe),
        Logger:           opts.Logger,
        OutboxSize:       opts.OutboxSize,
        BroadcastOnStart: opts.BroadcastOnStart,
    })
    if err != nil { return nil, err }
    n.sup = sup
    return n, nil
}

// observe feeds the registry and any Discover call waiting on the request id.
func (n *Node) observe(ctx context.Context, info protocol.InfoMessage, scope channel.Scope) error {
    if info.RequestID != "" {
        n.mu.Lock()
        w, ok := n.waiters[info.RequestID]
        if ok {
            select {
            case w <- info:
                metrics.DiscoverReplies.Inc()
            default:
                logutil.Warnf(n.log, "reply from %s for %s dropped: collector full", info.Node, info.RequestID)
            }
        }
        n.mu.Unlock()
    }
    return n.reg.Observe(ctx, info, scope)
}

// Start warms the registry from the store, starts the listeners and the
// background loops. The node keeps running after ctx ends; use Stop.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.running { return channel.ErrAlreadyStarted }
    if n.opts.StorePath != "" && n.store == nil {
        st, err := registry.OpenBoltStore(n.opts.StorePath)
        if err != nil { return err }
        peers, err := st.Load()
        if err != nil {
            _ = st.Close()
            return err
        }
        n.reg.Load(peers)
        n.store = st
        logutil.Infof(n.log, "loaded %d peers from %s", n.reg.Len(), n.opts.StorePath)
    }
    rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
    if err := n.sup.Start(rctx); err != nil {
        cancel()
        return err
    }
    n.cancel = cancel
    n.running = true
    n.wg.Add(1)
    go func() {
        defer n.wg.Done()
        n.reg.Run(rctx)
    }()
    if n.opts.AnnounceInterval > 0 {
        n.wg.Add(1)
        go func() {
            defer n.wg.Done()
            n.announce(rctx)
        }()
    }
    logutil.Infof(n.log, "node %s started", n.opts.Local.ID)
    return nil
}

func (n *Node) announce(ctx context.Context) {
    t := n.clock.Ticker(n.opts.AnnounceInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            if err := n.sup.BroadcastInfo(ctx); err != nil && !errors.Is(err, channel.ErrStopped) {
                logutil.Warnf(n.log, "announce failed: %v", err)
            }
        }
    }
}

// Stop stops the listeners and background loops and flushes the registry
// to the store.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    if !n.running {
        n.mu.Unlock()
        return nil
    }
    n.running = false
    cancel := n.cancel
    n.mu.Unlock()

    cancel()
    err := n.sup.Stop(ctx)
    n.wg.Wait()
    if n.store != nil {
        if serr := n.store.Save(n.reg.Peers()); serr != nil {
            logutil.Errorf(n.log, "persist peers: %v", serr)
            err = errors.Join(err, serr)
        }
    }
    logutil.Infof(n.log, "node %s stopped", n.opts.Local.ID)
    return err
}

// Close stops the node and releases the store and the bus.
func (n *Node) Close() error {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    err := n.Stop(ctx)
    n.mu.Lock()
    st := n.store
    n.store = nil
    n.mu.Unlock()
    if st != nil { err = errors.Join(err, st.Close()) }
    if n.opts.Bus != nil && !n.opts.SharedBus { err = errors.Join(err, n.opts.Bus.Close()) }
    return err
}

func (n *Node) wait(id string) (<-chan protocol.InfoMessage, func()) {
    ch := make(chan protocol.InfoMessage, 256)
    n.mu.Lock()
    n.waiters[id] = ch
    n.mu.Unlock()
    return ch, func() {
        n.mu.Lock()
        delete(n.waiters, id)
        n.mu.Unlock()
    }
}

func (n *Node) isRunning() bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.running
}

// Discover broadcasts a DISCOVER and collects the replies to it until ctx is
// done. Replies are de-duplicated by node id and sorted; the local node is
// not included.
func (n *Node) Discover(ctx context.Context) ([]protocol.InfoMessage, error) {
    if !n.isRunning() { return nil, ErrNotRunning }
    id := uuid.NewString()
    replies, release := n.wait(id)
    defer release()
    if err := n.sup.Broadcast(ctx, id); err != nil { return nil, err }
    seen := make(map[protocol.NodeID]protocol.InfoMessage)
    for {
        select {
        case info := <-replies:
            if info.Node != n.opts.Local.ID { seen[info.Node] = info }
        case <-ctx.Done():
            out := make([]protocol.InfoMessage, 0, len(seen))
            for _, info := range seen { out = append(out, info) }
            sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
            return out, nil
        }
    }
}

// DiscoverNode asks target directly and returns its reply.
func (n *Node) DiscoverNode(ctx context.Context, target protocol.NodeID) (protocol.InfoMessage, error) {
    if !n.isRunning() { return protocol.InfoMessage{}, ErrNotRunning }
    id := uuid.NewString()
    replies, release := n.wait(id)
    defer release()
    if err := n.sup.DiscoverNode(ctx, target, id); err != nil { return protocol.InfoMessage{}, err }
    for {
        select {
        case info := <-replies:
            if info.Node == target { return info, nil }
        case <-ctx.Done():
            return protocol.InfoMessage{}, fmt.Errorf("%w from %s: %w", ErrNoReply, target, ctx.Err())
        }
    }
}

// Announce broadcasts the local INFO once.
func (n *Node) Announce(ctx context.Context) error { return n.sup.BroadcastInfo(ctx) }

func (n *Node) ID() protocol.NodeID        { return n.opts.Local.ID }
func (n *Node) Peers() []registry.Peer     { return n.reg.Peers() }
func (n *Node) Registry() *registry.Registry { return n.reg }

// Events streams registry events until ctx is done.
func (n *Node) Events(ctx context.Context) <-chan registry.Event { return n.reg.Subscribe(ctx) }

func (n *Node) Status(_ context.Context) Status {
    l := n.opts.Local
    return Status{
        ID:        l.ID,
        Version:   l.Version,
        Addrs:     l.Addrs,
        StartedAt: l.StartedAt,
        Running:   n.isRunning(),
        Listeners: n.sup.Listeners(),
        Peers:     n.reg.Peers(),
    }
}
