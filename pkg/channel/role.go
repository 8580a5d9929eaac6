package channel

import (
    "fmt"

    "github.com/amirimatin/go-discover/pkg/topic"
)

// Kind is the message kind a listener consumes.
type Kind int

const (
    KindDiscover Kind = iota
    KindInfo
)

// Scope distinguishes the general channel from the node-scoped one.
type Scope int

const (
    ScopeBroadcast Scope = iota
    ScopeTargeted
)

func (s Scope) String() string {
    if s == ScopeTargeted { return "targeted" }
    return "broadcast"
}

// Role selects what a Listener subscribes to and how it handles messages.
type Role struct {
    Kind  Kind
    Scope Scope
}

var (
    RoleDiscover         = Role{Kind: KindDiscover, Scope: ScopeBroadcast}
    RoleDiscoverTargeted = Role{Kind: KindDiscover, Scope: ScopeTargeted}
    RoleInfo             = Role{Kind: KindInfo, Scope: ScopeBroadcast}
    RoleInfoTargeted     = Role{Kind: KindInfo, Scope: ScopeTargeted}
)

// Roles lists the listeners a supervisor runs, in start order.
func Roles() []Role {
    return []Role{RoleDiscover, RoleDiscoverTargeted, RoleInfo, RoleInfoTargeted}
}

// Channel is the logical channel the role listens on.
func (r Role) Channel() topic.Channel {
    switch {
    case r.Kind == KindDiscover && r.Scope == ScopeBroadcast:
        return topic.Discover
    case r.Kind == KindDiscover:
        return topic.DiscoverTargeted
    case r.Scope == ScopeBroadcast:
        return topic.Info
    default:
        return topic.InfoTargeted
    }
}

func (r Role) String() string {
    switch r {
    case RoleDiscover, RoleDiscoverTargeted, RoleInfo, RoleInfoTargeted:
        return r.Channel().String()
    default:
        return fmt.Sprintf("role(%d,%d)", int(r.Kind), int(r.Scope))
    }
}
