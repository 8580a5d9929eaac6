// Package gossip carries discovery topics over a HashiCorp memberlist
// cluster. Publishing delivers locally and sends the message reliably to
// every other live member; members dispatch received messages by exact topic.
package gossip

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/bus/memory"
    "github.com/amirimatin/go-discover/pkg/codec"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
)

// Options configures the memberlist transport.
type Options struct {
    // Name is the memberlist node name; usually the discovery node id.
    Name string
    // Bind is the bind address in host:port form (e.g. ":7946").
    Bind string
    // Advertise is the address peers use to reach this node. Defaults to Bind.
    Advertise string
    // Seeds are host:port addresses of existing members to join.
    Seeds []string
    // Meta is gossiped as node metadata.
    Meta   map[string]string
    Logger *log.Logger
    // Buffer is the per-subscription capacity (bus.DefaultBuffer if 0).
    Buffer int

    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

func (o Options) Validate() error {
    if o.Name == "" { return errors.New("gossip: empty node name") }
    if o.Bind == "" { return errors.New("gossip: empty bind address") }
    return nil
}

type envelope struct {
    Topic   string `codec:"t"`
    Payload []byte `codec:"p"`
}

// Bus implements bus.Bus on memberlist.
type Bus struct {
    opts  Options
    log   *log.Logger
    ml    *memberlist.Memberlist
    local *memory.Bus
    enc   codec.MsgPack

    mu     sync.RWMutex
    closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates the memberlist instance and joins opts.Seeds. A failed join is
// logged; the bus keeps running and can Join later.
func New(opts Options) (*Bus, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    b := &Bus{
        opts:  opts,
        log:   logutil.Named(opts.Logger, "gossip"),
        local: memory.New(memory.WithName(opts.Name), memory.WithBuffer(opts.Buffer)),
        enc:   codec.NewMsgPack(),
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = opts.Name
    host, port, err := splitHostPort(opts.Bind)
    if err != nil { return nil, err }
    cfg.BindAddr, cfg.BindPort = host, port
    if opts.Advertise != "" {
        ahost, aport, err := splitHostPort(opts.Advertise)
        if err != nil { return nil, err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if opts.ProbeInterval > 0 { cfg.ProbeInterval = opts.ProbeInterval }
    if opts.ProbeTimeout > 0 { cfg.ProbeTimeout = opts.ProbeTimeout }
    if opts.SuspicionMult > 0 { cfg.SuspicionMult = opts.SuspicionMult }
    cfg.Logger = opts.Logger
    meta, _ := json.Marshal(opts.Meta)
    cfg.Delegate = &delegate{meta: meta, deliver: b.deliver}
    cfg.Events = &events{log: b.log}

    ml, err := memberlist.Create(cfg)
    if err != nil { return nil, fmt.Errorf("gossip: create: %w", err) }
    b.ml = ml
    if len(opts.Seeds) > 0 {
        if err := b.Join(opts.Seeds); err != nil {
            logutil.Warnf(b.log, "join %v: %v", opts.Seeds, err)
        }
    }
    return b, nil
}

// Join contacts existing members.
func (b *Bus) Join(seeds []string) error {
    if b.isClosed() { return bus.ErrClosed }
    if len(seeds) == 0 { return nil }
    n, err := b.ml.Join(seeds)
    if err != nil { return fmt.Errorf("gossip: join: %w", err) }
    logutil.Infof(b.log, "joined %d of %d seeds", n, len(seeds))
    return nil
}

// Members returns the live member names.
func (b *Bus) Members() []string {
    if b.isClosed() { return nil }
    nodes := b.ml.Members()
    out := make([]string, 0, len(nodes))
    for _, n := range nodes { out = append(out, n.Name) }
    return out
}

// Addr is the advertised host:port of this node.
func (b *Bus) Addr() string {
    n := b.ml.LocalNode()
    return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
    if b.isClosed() { return nil, bus.ErrClosed }
    return b.local.Subscribe(ctx, topic)
}

// Publish delivers locally and then to each other member. Per-member send
// failures are joined into the returned error.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
    if b.isClosed() { return bus.ErrClosed }
    if topic == "" { return bus.ErrEmptyTopic }
    if err := ctx.Err(); err != nil { return err }
    if err := b.local.Publish(ctx, topic, payload); err != nil { return err }
    msg, err := b.enc.Marshal(envelope{Topic: topic, Payload: payload})
    if err != nil { return fmt.Errorf("gossip: encode envelope: %w", err) }
    self := b.ml.LocalNode().Name
    var errs []error
    for _, n := range b.ml.Members() {
        if n.Name == self { continue }
        if err := b.ml.SendReliable(n, msg); err != nil {
            errs = append(errs, fmt.Errorf("gossip: send to %s: %w", n.Name, err))
        }
    }
    return errors.Join(errs...)
}

func (b *Bus) deliver(buf []byte) {
    var env envelope
    if err := b.enc.Unmarshal(append([]byte(nil), buf...), &env); err != nil {
        logutil.Warnf(b.log, "dropping undecodable gossip message: %v", err)
        return
    }
    if env.Topic == "" { return }
    _ = b.local.Publish(context.Background(), env.Topic, env.Payload)
}

// Close leaves the cluster and shuts memberlist down.
func (b *Bus) Close() error {
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        return nil
    }
    b.closed = true
    b.mu.Unlock()
    _ = b.ml.Leave(time.Second)
    err := b.ml.Shutdown()
    _ = b.local.Close()
    return err
}

func (b *Bus) isClosed() bool {
    b.mu.RLock()
    defer b.mu.RUnlock()
    return b.closed
}

func splitHostPort(addr string) (string, int, error) {
    host, p, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("gossip: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(p)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("gossip: invalid port %q", p) }
    return host, port, nil
}
