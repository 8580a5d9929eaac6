package protocol

import (
    "errors"
    "fmt"
    "strings"
    "time"
    "unicode"
)

// NodeID uniquely names a node instance. It must remain stable for the
// lifetime of the process because peers address replies to it.
type NodeID string

func (id NodeID) String() string { return string(id) }

var (
    ErrEmptyNodeID   = errors.New("protocol: empty node id")
    ErrInvalidNodeID = errors.New("protocol: invalid node id")
)

// ValidateNodeID rejects identifiers that cannot be used as a topic suffix.
func ValidateNodeID(id NodeID) error {
    if id == "" {
        return ErrEmptyNodeID
    }
    if strings.ContainsAny(string(id), "*>") {
        return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidNodeID, id)
    }
    for _, r := range string(id) {
        if unicode.IsSpace(r) || unicode.IsControl(r) {
            return fmt.Errorf("%w: %q contains whitespace", ErrInvalidNodeID, id)
        }
    }
    return nil
}

// DiscoverMessage announces presence. RequestID is optional and lets a
// requester correlate INFO replies with a particular broadcast.
type DiscoverMessage struct {
    Sender    NodeID `json:"sender" codec:"sender"`
    RequestID string `json:"requestId,omitempty" codec:"requestId,omitempty"`
}

// InfoMessage describes a node. It answers a DiscoverMessage (RequestID
// echoed) or is announced unsolicited (RequestID empty).
type InfoMessage struct {
    Node      NodeID            `json:"node" codec:"node"`
    RequestID string            `json:"requestId,omitempty" codec:"requestId,omitempty"`
    Addrs     []string          `json:"addrs,omitempty" codec:"addrs,omitempty"`
    Meta      map[string]string `json:"meta,omitempty" codec:"meta,omitempty"`
    Version   string            `json:"version,omitempty" codec:"version,omitempty"`
    // StartedAt is the node start time in unix milliseconds.
    StartedAt int64             `json:"startedAt,omitempty" codec:"startedAt,omitempty"`
}

// Local is the description of the running node used to answer DISCOVER.
type Local struct {
    ID        NodeID
    Addrs     []string
    Meta      map[string]string
    Version   string
    StartedAt time.Time
}

// Discover builds the DISCOVER announcement for this node.
func (l Local) Discover(requestID string) DiscoverMessage {
    return DiscoverMessage{Sender: l.ID, RequestID: requestID}
}

// Info builds an InfoMessage describing this node. Slices and maps are
// copied so callers may mutate the result.
func (l Local) Info(requestID string) InfoMessage {
    m := InfoMessage{Node: l.ID, RequestID: requestID, Version: l.Version}
    if !l.StartedAt.IsZero() { m.StartedAt = l.StartedAt.UnixMilli() }
    if len(l.Addrs) > 0 { m.Addrs = append([]string(nil), l.Addrs...) }
    if len(l.Meta) > 0 {
        m.Meta = make(map[string]string, len(l.Meta))
        for k, v := range l.Meta { m.Meta[k] = v }
    }
    return m
}
