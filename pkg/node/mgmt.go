package node

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/amirimatin/go-discover/pkg/protocol"
    "github.com/amirimatin/go-discover/pkg/transport"
)

// DefaultDiscoverWait is the collection window when a management caller does
// not name one.
const DefaultDiscoverWait = time.Second

// Handlers exposes the node to a transport.ManagementServer. Requested waits
// are capped at maxWait when it is positive.
func (n *Node) Handlers(maxWait time.Duration) transport.Handlers {
    return transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return json.Marshal(n.Status(ctx)) },
        Peers:  func(ctx context.Context) ([]byte, error) { return json.Marshal(n.Peers()) },
        Discover: func(ctx context.Context, req transport.DiscoverRequest) (transport.DiscoverResponse, error) {
            wait := time.Duration(req.WaitMillis) * time.Millisecond
            if wait <= 0 { wait = DefaultDiscoverWait }
            if maxWait > 0 && wait > maxWait { wait = maxWait }
            ctx, cancel := context.WithTimeout(ctx, wait)
            defer cancel()
            if req.Target != "" {
                if err := protocol.ValidateNodeID(protocol.NodeID(req.Target)); err != nil {
                    return transport.DiscoverResponse{Replies: []protocol.InfoMessage{}}, fmt.Errorf("%w: target: %w", transport.ErrBadRequest, err)
                }
                info, err := n.DiscoverNode(ctx, protocol.NodeID(req.Target))
                if err != nil { return transport.DiscoverResponse{Replies: []protocol.InfoMessage{}}, err }
                return transport.DiscoverResponse{Replies: []protocol.InfoMessage{info}}, nil
            }
            replies, err := n.Discover(ctx)
            if err != nil { return transport.DiscoverResponse{Replies: []protocol.InfoMessage{}}, err }
            return transport.DiscoverResponse{Replies: replies}, nil
        },
    }
}
