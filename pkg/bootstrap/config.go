package bootstrap

import (
    "errors"
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/BurntSushi/toml"

    "github.com/amirimatin/go-discover/pkg/bus"
    "github.com/amirimatin/go-discover/pkg/codec"
    "github.com/amirimatin/go-discover/pkg/protocol"
    tlsx "github.com/amirimatin/go-discover/pkg/security/tlsconfig"
    "github.com/amirimatin/go-discover/pkg/topic"
)

var ErrConfig = errors.New("bootstrap: invalid config")

// Bus kinds.
const (
    BusMemory = "memory"
    BusGossip = "gossip"
    BusP2P    = "p2p"
    BusZMQ    = "zmq"
    BusGRPC   = "grpc"
)

// Seed source kinds.
const (
    SeedsStatic = "static"
    SeedsDNS    = "dns"
    SeedsFile   = "file"
    SeedsMDNS   = "mdns"
)

// Config defines high-level inputs to assemble a discovery node. It is
// filled from flags, a TOML file, or both (flags win).
type Config struct {
    NodeID  string            `toml:"node_id"`
    Version string            `toml:"version"`
    // Addrs advertised in INFO; the bus address is used when empty.
    Addrs []string          `toml:"addrs"`
    Meta  map[string]string `toml:"meta"`

    Codec  string      `toml:"codec"`
    Topics TopicConfig `toml:"topics"`

    Bus   BusConfig   `toml:"bus"`
    Seeds SeedsConfig `toml:"seeds"`

    Registry RegistryConfig `toml:"registry"`

    OutboxSize       int           `toml:"outbox_size"`
    BroadcastOnStart bool          `toml:"broadcast_on_start"`
    AnnounceInterval time.Duration `toml:"announce_interval"`

    // MgmtAddr enables the HTTP management API when set.
    MgmtAddr string       `toml:"mgmt_addr"`
    TLS      tlsx.Options `toml:"tls"`

    Trace    bool `toml:"trace"`
    LogJSON  bool `toml:"log_json"`
    LogDebug bool `toml:"log_debug"`

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger `toml:"-"`
    // Attach (optional) replaces the configured bus, e.g. a memory.Bus
    // shared by several in-process nodes. The caller keeps ownership.
    Attach bus.Bus `toml:"-"`
}

type TopicConfig struct {
    Prefix    string `toml:"prefix"`
    Separator string `toml:"separator"`
}

type BusConfig struct {
    Kind string `toml:"kind"`
    // Bind is the memberlist host:port, the ZeroMQ PUB endpoint, or the
    // broker listen address.
    Bind      string `toml:"bind"`
    Advertise string `toml:"advertise"`
    // Listen holds libp2p multiaddrs.
    Listen      []string `toml:"listen"`
    MDNS        bool     `toml:"mdns"`
    Rendezvous  string   `toml:"rendezvous"`
    IdentityKey string   `toml:"identity_key"`
    // Broker is the relay address for kind=grpc; the first seed otherwise.
    Broker  string        `toml:"broker"`
    Buffer  int           `toml:"buffer"`
    Timeout time.Duration `toml:"timeout"`
}

type SeedsConfig struct {
    Kind   string   `toml:"kind"`
    Static []string `toml:"static"`
    // DNS names (SRV, host or host:port).
    DNSNames []string `toml:"dns_names"`
    DNSPort  int      `toml:"dns_port"`
    File     string   `toml:"file"`
    Env      string   `toml:"env"`
    Service  string   `toml:"mdns_service"`
    // Announce registers this node under Service so others can browse it.
    Announce bool `toml:"mdns_announce"`
    // Refresh drives both the source cache and the periodic re-join.
    Refresh time.Duration `toml:"refresh"`
}

type RegistryConfig struct {
    TTL      time.Duration `toml:"ttl"`
    MaxPeers int           `toml:"max_peers"`
    Path     string        `toml:"path"`
}

// Defaults returns a Config for a single in-process node.
func Defaults() Config {
    return Config{
        Codec:            "json",
        Topics:           TopicConfig{Prefix: topic.DefaultPrefix, Separator: topic.DefaultSeparator},
        Bus:              BusConfig{Kind: BusMemory, Timeout: 3 * time.Second},
        Seeds:            SeedsConfig{Kind: SeedsStatic, Refresh: 30 * time.Second},
        BroadcastOnStart: true,
    }
}

// LoadFile decodes a TOML file on top of Defaults.
func LoadFile(path string) (Config, error) {
    cfg := Defaults()
    md, err := toml.DecodeFile(path, &cfg)
    if err != nil { return cfg, fmt.Errorf("bootstrap: load %s: %w", path, err) }
    if undec := md.Undecoded(); len(undec) > 0 {
        keys := make([]string, 0, len(undec))
        for _, k := range undec { keys = append(keys, k.String()) }
        return cfg, fmt.Errorf("%w: unknown keys in %s: %s", ErrConfig, path, strings.Join(keys, ", "))
    }
    return cfg, nil
}

func (c Config) Namer() topic.Namer { return topic.Namer{Prefix: c.Topics.Prefix, Separator: c.Topics.Separator} }

func (c Config) Validate() error {
    if err := protocol.ValidateNodeID(protocol.NodeID(c.NodeID)); err != nil { return fmt.Errorf("%w: %w", ErrConfig, err) }
    if err := c.Namer().Validate(); err != nil { return fmt.Errorf("%w: %w", ErrConfig, err) }
    if _, err := codec.ByName(c.Codec); err != nil { return fmt.Errorf("%w: %w", ErrConfig, err) }
    switch c.Bus.Kind {
    case BusMemory, BusP2P:
    case BusGossip, BusZMQ:
        if c.Bus.Bind == "" { return fmt.Errorf("%w: bus %s needs bind", ErrConfig, c.Bus.Kind) }
    case BusGRPC:
        if c.Bus.Broker == "" && len(c.Seeds.Static) == 0 && c.Seeds.Kind == SeedsStatic {
            return fmt.Errorf("%w: bus grpc needs a broker address", ErrConfig)
        }
    default:
        return fmt.Errorf("%w: unknown bus kind %q", ErrConfig, c.Bus.Kind)
    }
    switch c.Seeds.Kind {
    case "", SeedsStatic, SeedsDNS, SeedsFile, SeedsMDNS:
    default:
        return fmt.Errorf("%w: unknown seeds kind %q", ErrConfig, c.Seeds.Kind)
    }
    if c.AnnounceInterval < 0 { return fmt.Errorf("%w: negative announce interval", ErrConfig) }
    if err := c.TLS.Validate(); err != nil { return fmt.Errorf("%w: %w", ErrConfig, err) }
    return nil
}
