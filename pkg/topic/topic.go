// Package topic maps logical discovery channels to transport topic strings.
package topic

import (
    "errors"
    "fmt"
    "strings"
    "unicode"

    "github.com/amirimatin/go-discover/pkg/protocol"
)

// Channel is a logical discovery channel.
type Channel int

const (
    Discover Channel = iota
    DiscoverTargeted
    Info
    InfoTargeted
)

func (c Channel) String() string {
    switch c {
    case Discover:
        return "discover"
    case DiscoverTargeted:
        return "discover_targeted"
    case Info:
        return "info"
    case InfoTargeted:
        return "info_targeted"
    default:
        return fmt.Sprintf("channel(%d)", int(c))
    }
}

const (
    DefaultPrefix    = "peers"
    DefaultSeparator = "."
)

var (
    ErrEmptySuffix    = errors.New("topic: empty node id suffix")
    ErrSuffixNotAllowed = errors.New("topic: channel does not take a suffix")
    ErrInvalidNamer   = errors.New("topic: invalid namer")
    ErrUnknownChannel = errors.New("topic: unknown channel")
)

// Namer builds topic strings as <prefix><sep><channel>[<sep><suffix>]. The
// suffix is always the last part appended to a fixed base, so distinct
// suffixes never collapse to the same topic.
type Namer struct {
    Prefix    string
    Separator string
}

// DefaultNamer returns a Namer with the default prefix and separator.
func DefaultNamer() Namer { return Namer{Prefix: DefaultPrefix, Separator: DefaultSeparator} }

// Validate rejects empty or whitespace-containing prefixes and separators.
func (n Namer) Validate() error {
    if n.Prefix == "" || n.Separator == "" {
        return fmt.Errorf("%w: prefix and separator are required", ErrInvalidNamer)
    }
    if strings.IndexFunc(n.Prefix+n.Separator, unicode.IsSpace) >= 0 {
        return fmt.Errorf("%w: whitespace in %q/%q", ErrInvalidNamer, n.Prefix, n.Separator)
    }
    return nil
}

func (n Namer) base(ch Channel) (string, error) {
    sep := n.Separator
    switch ch {
    case Discover:
        return n.Prefix + sep + "discover", nil
    case DiscoverTargeted:
        return n.Prefix + sep + "discover" + sep + "targeted", nil
    case Info, InfoTargeted:
        return n.Prefix + sep + "info", nil
    default:
        return "", fmt.Errorf("%w: %d", ErrUnknownChannel, int(ch))
    }
}

// Topic returns the topic for ch, suffixed with suffix when non-empty.
// InfoTargeted requires a suffix; Discover is broadcast-only and takes none.
func (n Namer) Topic(ch Channel, suffix protocol.NodeID) (string, error) {
    b, err := n.base(ch)
    if err != nil { return "", err }
    if ch == Discover && suffix != "" { return "", ErrSuffixNotAllowed }
    if suffix == "" {
        if ch == InfoTargeted { return "", ErrEmptySuffix }
        return b, nil
    }
    return b + n.Separator + string(suffix), nil
}

// MustTopic is Topic for channels and suffixes known to be valid.
func (n Namer) MustTopic(ch Channel, suffix protocol.NodeID) string {
    t, err := n.Topic(ch, suffix)
    if err != nil { panic(err) }
    return t
}

// Reply is the per-requester reply topic (Info scoped to id).
func (n Namer) Reply(id protocol.NodeID) (string, error) { return n.Topic(InfoTargeted, id) }

// Inbox is the targeted DISCOVER inbox of id.
func (n Namer) Inbox(id protocol.NodeID) (string, error) {
    if id == "" { return "", ErrEmptySuffix }
    return n.Topic(DiscoverTargeted, id)
}
