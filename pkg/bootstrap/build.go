package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/bus/gossip"
    busgrpc "github.com/amirimatin/go-discover/pkg/bus/grpc"
    "github.com/amirimatin/go-discover/pkg/bus/memory"
    "github.com/amirimatin/go-discover/pkg/bus/p2p"
    "github.com/amirimatin/go-discover/pkg/bus/zmq"
    "github.com/amirimatin/go-discover/pkg/seeds"
    sdns "github.com/amirimatin/go-discover/pkg/seeds/dns"
    sfile "github.com/amirimatin/go-discover/pkg/seeds/file"
    smdns "github.com/amirimatin/go-discover/pkg/seeds/mdns"
    "github.com/amirimatin/go-discover/pkg/seeds/static"
)

// BuildSeeds returns the seed source selected by cfg.Seeds.Kind, shaped for
// the configured bus.
func BuildSeeds(cfg Config) seeds.Source {
    src := baseSeeds(cfg)
    if cfg.Bus.Kind == BusZMQ { return seeds.Format(src, "tcp://%s") }
    return src
}

func baseSeeds(cfg Config) seeds.Source {
    s := cfg.Seeds
    switch s.Kind {
    case SeedsDNS:
        return sdns.New(sdns.Options{Names: s.DNSNames, Port: s.DNSPort, Refresh: s.Refresh, Logger: cfg.Logger})
    case SeedsFile:
        return sfile.New(sfile.Options{Path: s.File, Env: s.Env, Refresh: s.Refresh})
    case SeedsMDNS:
        return smdns.New(smdns.Options{Service: s.Service, Refresh: s.Refresh, Exclude: cfg.NodeID, Logger: cfg.Logger})
    default:
        return static.New(s.Static...)
    }
}

// attached is the bus plus the hooks the runner uses to feed it fresh seeds
// and to describe it.
type attached struct {
    bus bus.Bus
    // join receives the current seed list; nil when the backend has no use
    // for seeds after start.
    join func(ctx context.Context, addrs []string)
    // addrs is what the node advertises when Config.Addrs is empty.
    addrs func() []string
    // port is announced over mDNS when requested.
    port int
}

// buildBus creates the backend named by cfg.Bus.Kind and dials the initial
// seeds. For kind=zmq, src should already yield tcp:// endpoints (see
// BuildSeeds).
func buildBus(ctx context.Context, cfg Config, src seeds.Source, clientTLS *tls.Config) (*attached, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    b := cfg.Bus
    var initial []string
    if src != nil { initial = src.Seeds() }
    switch b.Kind {
    case BusGossip:
        g, err := gossip.New(gossip.Options{
            Name:      cfg.NodeID,
            Bind:      b.Bind,
            Advertise: b.Advertise,
            Seeds:     initial,
            Meta:      map[string]string{"mgmt": cfg.MgmtAddr},
            Logger:    cfg.Logger,
            Buffer:    b.Buffer,
        })
        if err != nil { return nil, err }
        return &attached{
            bus: g,
            join: func(_ context.Context, addrs []string) {
                if len(g.Members()) > 1 { return }
                if err := g.Join(addrs); err != nil { logWarn(cfg.Logger, "gossip rejoin: %v", err) }
            },
            addrs: func() []string { return []string{g.Addr()} },
            port:  portOf(g.Addr()),
        }, nil
    case BusP2P:
        p, err := p2p.New(ctx, p2p.Options{
            ListenAddrs:     b.Listen,
            Bootstrap:       initial,
            EnableMDNS:      b.MDNS,
            Rendezvous:      b.Rendezvous,
            IdentityKeyFile: b.IdentityKey,
            Logger:          cfg.Logger,
            Buffer:          b.Buffer,
        })
        if err != nil { return nil, err }
        return &attached{
            bus:   p,
            join:  func(ctx context.Context, addrs []string) { p.Connect(ctx, addrs) },
            addrs: p.Addrs,
        }, nil
    case BusZMQ:
        z, err := zmq.New(ctx, zmq.Options{Listen: b.Bind, Peers: initial, Name: cfg.NodeID, Logger: cfg.Logger, Buffer: b.Buffer})
        if err != nil { return nil, err }
        return &attached{
            bus: z,
            join: func(_ context.Context, addrs []string) {
                for _, e := range addrs {
                    if err := z.AddPeer(e); err != nil { logWarn(cfg.Logger, "%v", err) }
                }
            },
            addrs: func() []string { return []string{z.Addr()} },
            port:  portOf(z.Addr()),
        }, nil
    case BusGRPC:
        addr := b.Broker
        if addr == "" && len(initial) > 0 { addr = initial[0] }
        if addr == "" { return nil, fmt.Errorf("%w: no broker address", ErrConfig) }
        c := busgrpc.NewClient(addr, cfg.NodeID, b.Timeout, cfg.Logger).UseTLS(clientTLS).WithBuffer(b.Buffer)
        return &attached{bus: c, addrs: func() []string { return nil }}, nil
    default:
        m := memory.New(memory.WithName(cfg.NodeID), memory.WithBuffer(b.Buffer))
        return &attached{bus: m, addrs: func() []string { return nil }}, nil
    }
}
