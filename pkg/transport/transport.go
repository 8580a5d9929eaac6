// Package transport declares the management surface of a discovery node.
// Payloads for status and peers travel as pre-encoded JSON so that this
// package does not depend on the node types.
package transport

import (
    "context"
    "errors"

    "github.com/amirimatin/go-discover/pkg/protocol"
)

// ErrBadRequest marks handler errors caused by the caller's input. Servers
// answer them with 400 instead of 500.
var ErrBadRequest = errors.New("transport: bad request")

// StatusFunc returns the JSON-encoded node status for GET /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// PeersFunc returns the JSON-encoded peer table for GET /peers.
type PeersFunc func(ctx context.Context) ([]byte, error)

// DiscoverRequest asks the node to run a discovery round. An empty Target
// broadcasts; otherwise only the named node is asked.
type DiscoverRequest struct {
    Target     string `json:"target,omitempty"`
    WaitMillis int    `json:"waitMillis,omitempty"`
}

// DiscoverResponse carries the replies collected during the round.
type DiscoverResponse struct {
    Replies []protocol.InfoMessage `json:"replies"`
    Error   string                 `json:"error,omitempty"`
}

// DiscoverFunc performs a discovery round on behalf of a management caller.
type DiscoverFunc func(ctx context.Context, req DiscoverRequest) (DiscoverResponse, error)

// Handlers groups the callbacks a ManagementServer dispatches to. Nil entries
// answer 501.
type Handlers struct {
    Status   StatusFunc
    Peers    PeersFunc
    Discover DiscoverFunc
}

// ManagementServer exposes Handlers to operators and tooling.
type ManagementServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// ManagementClient is the caller side of ManagementServer.
type ManagementClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetPeers(ctx context.Context, addr string) ([]byte, error)
    PostDiscover(ctx context.Context, addr string, req DiscoverRequest) (DiscoverResponse, error)
}
