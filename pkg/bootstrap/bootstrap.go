// Package bootstrap assembles a discovery node from a Config: bus backend,
// seed source, codec, registry store and the management API.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/amirimatin/go-discover/pkg/bus"
    busgrpc "github.com/amirimatin/go-discover/pkg/bus/grpc"
    "github.com/amirimatin/go-discover/pkg/codec"
    "github.com/amirimatin/go-discover/pkg/internal/logutil"
    "github.com/amirimatin/go-discover/pkg/node"
    "github.com/amirimatin/go-discover/pkg/observability/tracing"
    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/registry"
    "github.com/amirimatin/go-discover/pkg/seeds"
    smdns "github.com/amirimatin/go-discover/pkg/seeds/mdns"
    tlsx "github.com/amirimatin/go-discover/pkg/security/tlsconfig"
    "github.com/amirimatin/go-discover/pkg/transport/httpjson"
)

// Instance is an assembled node plus the resources bootstrap owns for it.
type Instance struct {
    Node *node.Node
    Bus  bus.Bus
    // Mgmt is nil when Config.MgmtAddr is empty.
    Mgmt *httpjson.Server

    cfg      Config
    log      *log.Logger
    seeds    seeds.Source
    att      *attached
    announce *smdns.Announcement
    trace    func(context.Context) error

    cancel context.CancelFunc
    wg     sync.WaitGroup
    once   sync.Once
}

func tlsPair(o tlsx.Options) (srv, cli *tls.Config, err error) {
    if !o.Enable { return nil, nil, nil }
    // hot-reload so certificates can be rotated by replacing files
    if srv, err = o.ServerHotReload(); err != nil { return nil, nil, err }
    if cli, err = o.ClientHotReload(); err != nil { return nil, nil, err }
    return srv, cli, nil
}

// Build assembles an Instance from Config without starting it.
func Build(ctx context.Context, cfg Config) (*Instance, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.LogJSON { logutil.SetJSON(true) }
    if cfg.LogDebug { logutil.SetDebug(true) }
    if err := cfg.Validate(); err != nil { return nil, err }
    cd, err := codec.ByName(cfg.Codec)
    if err != nil { return nil, err }
    srvTLS, cliTLS, err := tlsPair(cfg.TLS)
    if err != nil { return nil, err }

    in := &Instance{cfg: cfg, log: logutil.Named(cfg.Logger, "bootstrap")}
    if cfg.Trace {
        shutdown, err := tracing.Setup(true)
        if err != nil { return nil, err }
        in.trace = shutdown
    }

    shared := cfg.Attach != nil
    if shared {
        in.att = &attached{bus: cfg.Attach, addrs: func() []string { return nil }}
    } else {
        in.seeds = BuildSeeds(cfg)
        att, err := buildBus(ctx, cfg, in.seeds, cliTLS)
        if err != nil {
            in.release()
            return nil, err
        }
        in.att = att
    }
    in.Bus = in.att.bus

    addrs := cfg.Addrs
    if len(addrs) == 0 { addrs = in.att.addrs() }
    meta := make(map[string]string, len(cfg.Meta)+1)
    for k, v := range cfg.Meta { meta[k] = v }
    if cfg.MgmtAddr != "" { meta["mgmt"] = cfg.MgmtAddr }
    meta["bus"] = cfg.Bus.Kind

    n, err := node.New(node.Options{
        Local:            protocol.Local{ID: protocol.NodeID(cfg.NodeID), Addrs: addrs, Meta: meta, Version: cfg.Version},
        Bus:              in.Bus,
        Codec:            cd,
        Namer:            cfg.Namer(),
        Logger:           cfg.Logger,
        OutboxSize:       cfg.OutboxSize,
        BroadcastOnStart: cfg.BroadcastOnStart,
        AnnounceInterval: cfg.AnnounceInterval,
        PeerTTL:          cfg.Registry.TTL,
        MaxPeers:         cfg.Registry.MaxPeers,
        StorePath:        cfg.Registry.Path,
        SharedBus:        shared,
    })
    if err != nil {
        if !shared { _ = in.Bus.Close() }
        in.release()
        return nil, err
    }
    in.Node = n
    if cfg.MgmtAddr != "" {
        in.Mgmt = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if srvTLS != nil { in.Mgmt.UseTLS(srvTLS) }
    }
    return in, nil
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*Instance, error) {
    in, err := Build(ctx, cfg)
    if err != nil { return nil, err }
    if err := in.Start(ctx); err != nil {
        _ = in.Close()
        return nil, err
    }
    return in, nil
}

// Start starts the node, the management API, the mDNS announcement and the
// seed refresh loop.
func (in *Instance) Start(ctx context.Context) error {
    if err := in.Node.Start(ctx); err != nil { return err }
    rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
    in.cancel = cancel
    if in.Mgmt != nil {
        if err := in.Mgmt.Start(rctx, in.Node.Handlers(httpjson.MaxWait)); err != nil { return err }
    }
    if in.cfg.Seeds.Kind == SeedsMDNS && in.cfg.Seeds.Announce && in.att.port > 0 {
        a, err := smdns.Announce(in.cfg.NodeID, in.cfg.Seeds.Service, "", in.att.port, []string{"id=" + in.cfg.NodeID})
        if err != nil {
            logutil.Warnf(in.log, "mdns announce: %v", err)
        } else {
            in.announce = a
        }
    }
    if in.att.join != nil && in.seeds != nil && in.cfg.Seeds.Refresh > 0 {
        in.wg.Add(1)
        go in.refresh(rctx)
    }
    logutil.Infof(in.log, "node %s up (bus=%s codec=%s)", in.cfg.NodeID, in.cfg.Bus.Kind, in.cfg.Codec)
    return nil
}

// refresh feeds the bus the current seed list until ctx ends, so nodes that
// came up before their seeds still converge.
func (in *Instance) refresh(ctx context.Context) {
    defer in.wg.Done()
    t := time.NewTicker(in.cfg.Seeds.Refresh)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            if s := in.seeds.Seeds(); len(s) > 0 { in.att.join(ctx, s) }
        }
    }
}

// Close stops everything Start started and releases the bus unless it was
// attached by the caller.
func (in *Instance) Close() error {
    var err error
    in.once.Do(func() {
        if in.cancel != nil { in.cancel() }
        in.wg.Wait()
        if in.Mgmt != nil { err = errors.Join(err, in.Mgmt.Stop(context.Background())) }
        if in.announce != nil { err = errors.Join(err, in.announce.Close()) }
        err = errors.Join(err, in.Node.Close())
        in.release()
    })
    return err
}

func (in *Instance) release() {
    if in.trace != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = in.trace(ctx)
        in.trace = nil
    }
}

// Peers is a shortcut for in.Node.Peers.
func (in *Instance) Peers() []registry.Peer { return in.Node.Peers() }

// RunBroker starts a standalone gRPC relay for kind=grpc nodes.
func RunBroker(ctx context.Context, bind string, o tlsx.Options, logger *log.Logger) (*busgrpc.Broker, error) {
    srvTLS, _, err := tlsPair(o)
    if err != nil { return nil, err }
    b := busgrpc.NewBroker(bind, logger)
    if srvTLS != nil { b.UseTLS(srvTLS) }
    if err := b.Start(ctx); err != nil { return nil, err }
    return b, nil
}

func logWarn(l *log.Logger, f string, args ...any) { logutil.Warnf(logutil.Named(l, "bootstrap"), f, args...) }

func portOf(addr string) int {
    _, p, err := net.SplitHostPort(addr)
    if err != nil { return 0 }
    n, _ := strconv.Atoi(p)
    return n
}
