package gossip

import (
    "log"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-discover/pkg/internal/logutil"
)

// delegate gossips node metadata and hands user messages to the bus.
type delegate struct {
    meta    []byte
    deliver func([]byte)
}

func (d *delegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *delegate) NotifyMsg(buf []byte) {
    if len(buf) == 0 || d.deliver == nil { return }
    d.deliver(buf)
}

func (d *delegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *delegate) LocalState(bool) []byte                 { return nil }
func (d *delegate) MergeRemoteState([]byte, bool)          {}

// events logs membership changes of the underlying cluster.
type events struct{ log *log.Logger }

func (e *events) NotifyJoin(n *memberlist.Node) {
    if n != nil { logutil.Debugf(e.log, "member %s joined (%s)", n.Name, n.Address()) }
}

func (e *events) NotifyLeave(n *memberlist.Node) {
    if n != nil { logutil.Infof(e.log, "member %s left", n.Name) }
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
    if n != nil { logutil.Debugf(e.log, "member %s updated", n.Name) }
}
