// Package cli provides cobra commands to run a discovery node or relay and
// to query a running node over its management API.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-discover/pkg/bootstrap"
    "github.com/amirimatin/go-discover/pkg/seeds"
    tlsx "github.com/amirimatin/go-discover/pkg/security/tlsconfig"
    "github.com/amirimatin/go-discover/pkg/transport"
    "github.com/amirimatin/go-discover/pkg/transport/httpjson"
)

// AddAll attaches the discovery subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewBrokerCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewPeersCmd())
    root.AddCommand(NewDiscoverCmd())
}

// NewDiscoveryCommand returns a parent command "discovery" holding every
// subcommand, for services that embed it in their own CLI.
func NewDiscoveryCommand() *cobra.Command {
    parent := &cobra.Command{Use: "discovery", Short: "peer discovery commands"}
    AddAll(parent)
    return parent
}

// tlsFlags registers the shared mTLS flags onto fs.
func tlsFlags(fs *pflag.FlagSet, o *tlsx.Options, role string) {
    fs.BoolVar(&o.Enable, "tls-enable", false, "enable mTLS")
    fs.StringVar(&o.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    fs.StringVar(&o.CertFile, "tls-cert", "", "path to "+role+" certificate (PEM)")
    fs.StringVar(&o.KeyFile, "tls-key", "", "path to "+role+" private key (PEM)")
    fs.BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    fs.StringVar(&o.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// NewRunCmd returns the "run" command used to start a discovery node.
func NewRunCmd() *cobra.Command {
    var (
        configPath, staticCSV, dnsCSV, listenCSV, addrsCSV string
        metaKV                                             []string
    )
    cfg := bootstrap.Defaults()
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a discovery node",
        RunE: func(cmd *cobra.Command, args []string) error {
            merged, err := mergeConfig(cmd.Flags(), configPath, cfg)
            if err != nil { return err }
            if cmd.Flags().Changed("seeds") { merged.Seeds.Static = seeds.Parse(staticCSV) }
            if cmd.Flags().Changed("dns-names") { merged.Seeds.DNSNames = seeds.Parse(dnsCSV) }
            if cmd.Flags().Changed("listen") { merged.Bus.Listen = seeds.Parse(listenCSV) }
            if cmd.Flags().Changed("addrs") { merged.Addrs = seeds.Parse(addrsCSV) }
            if len(metaKV) > 0 {
                if merged.Meta == nil { merged.Meta = map[string]string{} }
                for _, kv := range metaKV {
                    k, v, ok := strings.Cut(kv, "=")
                    if !ok || k == "" { return fmt.Errorf("invalid --meta %q: want key=value", kv) }
                    merged.Meta[k] = v
                }
            }
            if merged.NodeID == "" { return fmt.Errorf("missing --id") }
            merged.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            in, err := bootstrap.Run(ctx, merged)
            if err != nil { return err }
            defer in.Close()

            fmt.Fprintf(cmd.OutOrStdout(), "node %s running on %s bus. Press Ctrl+C to exit.\n", merged.NodeID, merged.Bus.Kind)
            <-ctx.Done()
            return nil
        },
    }
    fs := cmd.Flags()
    fs.StringVar(&configPath, "config", "", "TOML config file; flags override its values")
    fs.StringVar(&cfg.NodeID, "id", "", "node id (required)")
    fs.StringVar(&cfg.Version, "version", "", "version advertised in INFO")
    fs.StringVar(&addrsCSV, "addrs", "", "comma-separated addresses advertised in INFO (default: bus address)")
    fs.StringSliceVar(&metaKV, "meta", nil, "metadata advertised in INFO (key=value, repeatable)")
    fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec: json|msgpack")
    fs.StringVar(&cfg.Topics.Prefix, "topic-prefix", cfg.Topics.Prefix, "topic prefix")
    fs.StringVar(&cfg.Topics.Separator, "topic-sep", cfg.Topics.Separator, "topic separator")
    fs.StringVar(&cfg.Bus.Kind, "bus", cfg.Bus.Kind, "bus backend: memory|gossip|p2p|zmq|grpc")
    fs.StringVar(&cfg.Bus.Bind, "bind", "", "bus bind address (gossip host:port, zmq endpoint)")
    fs.StringVar(&cfg.Bus.Advertise, "advertise", "", "gossip advertise address (host:port)")
    fs.StringVar(&listenCSV, "listen", "", "comma-separated libp2p listen multiaddrs")
    fs.BoolVar(&cfg.Bus.MDNS, "p2p-mdns", false, "enable libp2p mDNS peer discovery")
    fs.StringVar(&cfg.Bus.Rendezvous, "rendezvous", "", "libp2p mDNS rendezvous tag")
    fs.StringVar(&cfg.Bus.IdentityKey, "identity-key", "", "libp2p identity key file (created when missing)")
    fs.StringVar(&cfg.Bus.Broker, "broker", "", "gRPC relay address for bus=grpc")
    fs.IntVar(&cfg.Bus.Buffer, "buffer", 0, "per-subscription buffer")
    fs.StringVar(&cfg.Seeds.Kind, "seeds-kind", cfg.Seeds.Kind, "seed source: static|dns|file|mdns")
    fs.StringVar(&staticCSV, "seeds", "", "comma-separated seeds used by seeds-kind=static")
    fs.StringVar(&dnsCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _discover._tcp.example.com)")
    fs.IntVar(&cfg.Seeds.DNSPort, "dns-port", 7946, "port used for A/AAAA lookups")
    fs.StringVar(&cfg.Seeds.File, "seeds-file", "", "path or glob to a file with seeds (one per line or CSV)")
    fs.StringVar(&cfg.Seeds.Env, "seeds-env", "", "ENV var name containing CSV seeds; overrides file when set")
    fs.StringVar(&cfg.Seeds.Service, "mdns-service", "", "mDNS service browsed by seeds-kind=mdns")
    fs.BoolVar(&cfg.Seeds.Announce, "mdns-announce", false, "register this node under the mDNS service")
    fs.DurationVar(&cfg.Seeds.Refresh, "seeds-refresh", cfg.Seeds.Refresh, "seed cache and re-join interval")
    fs.DurationVar(&cfg.Registry.TTL, "peer-ttl", 0, "forget peers not heard from for this long (negative disables)")
    fs.IntVar(&cfg.Registry.MaxPeers, "max-peers", 0, "registry capacity")
    fs.StringVar(&cfg.Registry.Path, "data", "", "bolt file persisting the peer table")
    fs.IntVar(&cfg.OutboxSize, "outbox", 0, "outbound queue capacity")
    fs.BoolVar(&cfg.BroadcastOnStart, "broadcast-on-start", cfg.BroadcastOnStart, "broadcast DISCOVER once listeners are up")
    fs.DurationVar(&cfg.AnnounceInterval, "announce", 0, "broadcast INFO on this interval (0 disables)")
    fs.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management HTTP address (empty disables)")
    fs.BoolVar(&cfg.Trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    fs.BoolVar(&cfg.LogJSON, "log-json", false, "JSON log lines")
    fs.BoolVar(&cfg.LogDebug, "debug", false, "debug logging")
    tlsFlags(fs, &cfg.TLS, "node")
    return cmd
}

// flagFields maps run flags to the Config field they set, so flags given on
// the command line can be laid over a file config.
var flagFields = map[string]func(dst *bootstrap.Config, src bootstrap.Config){
    "id":                 func(d *bootstrap.Config, s bootstrap.Config) { d.NodeID = s.NodeID },
    "version":            func(d *bootstrap.Config, s bootstrap.Config) { d.Version = s.Version },
    "codec":              func(d *bootstrap.Config, s bootstrap.Config) { d.Codec = s.Codec },
    "topic-prefix":       func(d *bootstrap.Config, s bootstrap.Config) { d.Topics.Prefix = s.Topics.Prefix },
    "topic-sep":          func(d *bootstrap.Config, s bootstrap.Config) { d.Topics.Separator = s.Topics.Separator },
    "bus":                func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.Kind = s.Bus.Kind },
    "bind":               func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.Bind = s.Bus.Bind },
    "advertise":          func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.Advertise = s.Bus.Advertise },
    "p2p-mdns":           func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.MDNS = s.Bus.MDNS },
    "rendezvous":         func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.Rendezvous = s.Bus.Rendezvous },
    "identity-key":       func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.IdentityKey = s.Bus.IdentityKey },
    "broker":             func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.Broker = s.Bus.Broker },
    "buffer":             func(d *bootstrap.Config, s bootstrap.Config) { d.Bus.Buffer = s.Bus.Buffer },
    "seeds-kind":         func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.Kind = s.Seeds.Kind },
    "dns-port":           func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.DNSPort = s.Seeds.DNSPort },
    "seeds-file":         func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.File = s.Seeds.File },
    "seeds-env":          func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.Env = s.Seeds.Env },
    "mdns-service":       func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.Service = s.Seeds.Service },
    "mdns-announce":      func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.Announce = s.Seeds.Announce },
    "seeds-refresh":      func(d *bootstrap.Config, s bootstrap.Config) { d.Seeds.Refresh = s.Seeds.Refresh },
    "peer-ttl":           func(d *bootstrap.Config, s bootstrap.Config) { d.Registry.TTL = s.Registry.TTL },
    "max-peers":          func(d *bootstrap.Config, s bootstrap.Config) { d.Registry.MaxPeers = s.Registry.MaxPeers },
    "data":               func(d *bootstrap.Config, s bootstrap.Config) { d.Registry.Path = s.Registry.Path },
    "outbox":             func(d *bootstrap.Config, s bootstrap.Config) { d.OutboxSize = s.OutboxSize },
    "broadcast-on-start": func(d *bootstrap.Config, s bootstrap.Config) { d.BroadcastOnStart = s.BroadcastOnStart },
    "announce":           func(d *bootstrap.Config, s bootstrap.Config) { d.AnnounceInterval = s.AnnounceInterval },
    "mgmt-addr":          func(d *bootstrap.Config, s bootstrap.Config) { d.MgmtAddr = s.MgmtAddr },
    "trace":              func(d *bootstrap.Config, s bootstrap.Config) { d.Trace = s.Trace },
    "log-json":           func(d *bootstrap.Config, s bootstrap.Config) { d.LogJSON = s.LogJSON },
    "debug":              func(d *bootstrap.Config, s bootstrap.Config) { d.LogDebug = s.LogDebug },
    "tls-enable":         func(d *bootstrap.Config, s bootstrap.Config) { d.TLS.Enable = s.TLS.Enable },
    "tls-ca":             func(d *bootstrap.Config, s bootstrap.Config) { d.TLS.CAFile = s.TLS.CAFile },
    "tls-cert":           func(d *bootstrap.Config, s bootstrap.Config) { d.TLS.CertFile = s.TLS.CertFile },
    "tls-key":            func(d *bootstrap.Config, s bootstrap.Config) { d.TLS.KeyFile = s.TLS.KeyFile },
    "tls-skip-verify":    func(d *bootstrap.Config, s bootstrap.Config) { d.TLS.InsecureSkipVerify = s.TLS.InsecureSkipVerify },
    "tls-server-name":    func(d *bootstrap.Config, s bootstrap.Config) { d.TLS.ServerName = s.TLS.ServerName },
}

// mergeConfig returns flagCfg when no file is given, otherwise the file
// config with every explicitly set flag applied on top.
func mergeConfig(fs *pflag.FlagSet, path string, flagCfg bootstrap.Config) (bootstrap.Config, error) {
    if path == "" { return flagCfg, nil }
    out, err := bootstrap.LoadFile(path)
    if err != nil { return out, err }
    fs.Visit(func(f *pflag.Flag) {
        if set, ok := flagFields[f.Name]; ok { set(&out, flagCfg) }
    })
    return out, nil
}

// NewBrokerCmd returns the "broker" command that runs the gRPC relay used by
// nodes started with --bus grpc.
func NewBrokerCmd() *cobra.Command {
    var (
        bind string
        tlsO tlsx.Options
    )
    cmd := &cobra.Command{
        Use:   "broker",
        Short: "Run the gRPC relay for bus=grpc",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()
            b, err := bootstrap.RunBroker(ctx, bind, tlsO, log.Default())
            if err != nil { return err }
            defer b.Stop(context.Background())
            fmt.Fprintf(cmd.OutOrStdout(), "broker listening on %s. Press Ctrl+C to exit.\n", b.Addr())
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&bind, "bind", ":7950", "relay listen address")
    tlsFlags(cmd.Flags(), &tlsO, "server")
    return cmd
}

type clientFlags struct {
    addr    string
    timeout time.Duration
    tls     tlsx.Options
}

func (c *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:17946", "management HTTP address of a node (host:port)")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    tlsFlags(cmd.Flags(), &c.tls, "client")
}

func (c *clientFlags) client() (*httpjson.Client, error) {
    cli := httpjson.NewClient(c.timeout)
    cfg, err := c.tls.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    if cfg != nil { cli.UseTLS(cfg) }
    return cli, nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            data, err := cli.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return writeLine(cmd.OutOrStdout(), data)
        },
    }
    cf.register(cmd)
    return cmd
}

// NewPeersCmd returns the "peers" command.
func NewPeersCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "peers",
        Short: "List the peers a node knows about",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            data, err := cli.GetPeers(ctx, cf.addr)
            if err != nil { return fmt.Errorf("peers error: %w", err) }
            return writeLine(cmd.OutOrStdout(), data)
        },
    }
    cf.register(cmd)
    return cmd
}

// NewDiscoverCmd returns the "discover" command.
func NewDiscoverCmd() *cobra.Command {
    var (
        cf     clientFlags
        target string
        wait   time.Duration
    )
    cmd := &cobra.Command{
        Use:   "discover",
        Short: "Ask a node to run a discovery round and print the replies",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout+wait)
            defer cancel()
            resp, err := cli.PostDiscover(ctx, cf.addr, transport.DiscoverRequest{Target: target, WaitMillis: int(wait / time.Millisecond)})
            if err != nil { return fmt.Errorf("discover error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&target, "target", "", "ask only this node id")
    cmd.Flags().DurationVar(&wait, "wait", time.Second, "how long to collect replies")
    return cmd
}

func writeLine(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' {
        _, err := w.Write([]byte("\n"))
        return err
    }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
