// Package p2p carries discovery topics over libp2p GossipSub. Topics are
// joined lazily; peers are found through bootstrap multiaddrs and mDNS.
package p2p

import (
    "context"
    "crypto/rand"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "sync"

    libp2p "github.com/libp2p/go-libp2p"
    pubsub "github.com/libp2p/go-libp2p-pubsub"
    "github.com/libp2p/go-libp2p/core/crypto"
    "github.com/libp2p/go-libp2p/core/host"
    "github.com/libp2p/go-libp2p/core/peer"
    mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
    ma "github.com/multiformats/go-multiaddr"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/observability/metrics"
)

const DefaultRendezvous = "go-discover"

type Options struct {
    // ListenAddrs are multiaddrs; defaults to /ip4/0.0.0.0/tcp/0.
    ListenAddrs []string
    // Bootstrap are full peer multiaddrs (.../p2p/<id>) dialed on start.
    Bootstrap  []string
    EnableMDNS bool
    // Rendezvous is the mDNS service tag (DefaultRendezvous if empty).
    Rendezvous string
    // IdentityKeyFile keeps the peer id stable across restarts.
    IdentityKeyFile string
    Logger          *log.Logger
    Buffer          int
}

// Bus implements bus.Bus on GossipSub.
type Bus struct {
    ctx    context.Context
    cancel context.CancelFunc
    log    *log.Logger
    buffer int

    host host.Host
    ps   *pubsub.PubSub
    mdns mdns.Service

    mu     sync.Mutex
    topics map[string]*pubsub.Topic
    closed bool
}

var _ bus.Bus = (*Bus)(nil)

func New(parent context.Context, opts Options) (*Bus, error) {
    if opts.Logger == nil { opts.Logger = log.Default() }
    l := logutil.Named(opts.Logger, "p2p")
    listen := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
    for _, s := range opts.ListenAddrs {
        if s == "" { continue }
        a, err := ma.NewMultiaddr(s)
        if err != nil { return nil, fmt.Errorf("p2p: invalid listen multiaddr %q: %w", s, err) }
        listen = append(listen, a)
    }
    if len(listen) == 0 {
        a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
        listen = append(listen, a)
    }
    hopts := []libp2p.Option{libp2p.ListenAddrs(listen...)}
    if opts.IdentityKeyFile != "" {
        key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
        if err != nil { return nil, fmt.Errorf("p2p: identity key: %w", err) }
        hopts = append(hopts, libp2p.Identity(key))
    }

    ctx, cancel := context.WithCancel(parent)
    h, err := libp2p.New(hopts...)
    if err != nil {
        cancel()
        return nil, fmt.Errorf("p2p: create host: %w", err)
    }
    ps, err := pubsub.NewGossipSub(ctx, h)
    if err != nil {
        _ = h.Close()
        cancel()
        return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
    }
    b := &Bus{ctx: ctx, cancel: cancel, log: l, buffer: opts.Buffer, host: h, ps: ps, topics: make(map[string]*pubsub.Topic)}

    if opts.EnableMDNS {
        tag := opts.Rendezvous
        if tag == "" { tag = DefaultRendezvous }
        b.mdns = mdns.NewMdnsService(h, tag, &notifee{host: h, log: l})
        if err := b.mdns.Start(); err != nil {
            logutil.Warnf(l, "mdns start: %v", err)
            b.mdns = nil
        }
    }
    b.Connect(ctx, opts.Bootstrap)
    logutil.Infof(l, "host %s listening on %v", h.ID(), b.Addrs())
    return b, nil
}

// Connect dials full peer multiaddrs and returns how many succeeded.
func (b *Bus) Connect(ctx context.Context, addrs []string) int {
    n := 0
    for _, raw := range addrs {
        if raw == "" { continue }
        a, err := ma.NewMultiaddr(raw)
        if err != nil {
            logutil.Warnf(b.log, "skip bootstrap addr %q: %v", raw, err)
            continue
        }
        info, err := peer.AddrInfoFromP2pAddr(a)
        if err != nil {
            logutil.Warnf(b.log, "skip bootstrap addr %q: %v", raw, err)
            continue
        }
        if err := b.host.Connect(ctx, *info); err != nil {
            logutil.Warnf(b.log, "bootstrap connect %s: %v", info.ID, err)
            continue
        }
        logutil.Debugf(b.log, "connected bootstrap peer %s", info.ID)
        n++
    }
    return n
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
    if topic == "" { return bus.ErrEmptyTopic }
    t, err := b.join(topic)
    if err != nil { return err }
    return t.Publish(ctx, payload)
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
    if topic == "" { return nil, bus.ErrEmptyTopic }
    t, err := b.join(topic)
    if err != nil { return nil, err }
    psub, err := t.Subscribe()
    if err != nil { return nil, fmt.Errorf("p2p: subscribe %s: %w", topic, err) }
    sctx, scancel := context.WithCancel(b.ctx)
    s := bus.NewSub(ctx, topic, b.buffer, func() {
        scancel()
        psub.Cancel()
    })
    go func() {
        defer s.Close()
        for {
            msg, err := psub.Next(sctx)
            if err != nil { return }
            m := bus.Message{Topic: topic, Payload: bus.Copy(msg.Data), From: msg.ReceivedFrom.String()}
            if !s.Deliver(m) { metrics.BusDropped.WithLabelValues("p2p").Inc() }
        }
    }()
    return s, nil
}

func (b *Bus) join(name string) (*pubsub.Topic, error) {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed { return nil, bus.ErrClosed }
    if t, ok := b.topics[name]; ok { return t, nil }
    t, err := b.ps.Join(name)
    if err != nil { return nil, fmt.Errorf("p2p: join %s: %w", name, err) }
    b.topics[name] = t
    return t, nil
}

// ID is the libp2p peer id of this host.
func (b *Bus) ID() string { return b.host.ID().String() }

// Addrs returns full dialable multiaddrs of this host.
func (b *Bus) Addrs() []string {
    out := make([]string, 0, len(b.host.Addrs()))
    for _, a := range b.host.Addrs() {
        out = append(out, fmt.Sprintf("%s/p2p/%s", a, b.host.ID()))
    }
    return out
}

// Peers lists connected peer ids.
func (b *Bus) Peers() []string {
    ids := b.host.Network().Peers()
    out := make([]string, 0, len(ids))
    for _, id := range ids { out = append(out, id.String()) }
    return out
}

func (b *Bus) Close() error {
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        return nil
    }
    b.closed = true
    topics := b.topics
    b.topics = nil
    b.mu.Unlock()

    b.cancel()
    if b.mdns != nil { _ = b.mdns.Close() }
    for _, t := range topics {
        if err := t.Close(); err != nil && !errors.Is(err, context.Canceled) {
            logutil.Debugf(b.log, "close topic: %v", err)
        }
    }
    return b.host.Close()
}

type notifee struct {
    host host.Host
    log  *log.Logger
}

func (n *notifee) HandlePeerFound(info peer.AddrInfo) {
    if info.ID == n.host.ID() { return }
    if err := n.host.Connect(context.Background(), info); err != nil {
        logutil.Warnf(n.log, "mdns connect %s: %v", info.ID, err)
    }
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
    if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
        return crypto.UnmarshalPrivateKey(raw)
    }
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { return nil, err }
    key, _, err := crypto.GenerateEd25519Key(rand.Reader)
    if err != nil { return nil, err }
    raw, err := crypto.MarshalPrivateKey(key)
    if err != nil { return nil, err }
    if err := os.WriteFile(path, raw, 0o600); err != nil { return nil, err }
    return key, nil
}
