package registry

import (
    "encoding/json"
    "fmt"
)

const snapshotVersion = 1

type snapshot struct {
    Version int    `json:"version"`
    Peers   []Peer `json:"peers"`
}

// Snapshot encodes the known peers as stable JSON.
func (r *Registry) Snapshot() ([]byte, error) {
    return json.Marshal(snapshot{Version: snapshotVersion, Peers: r.Peers()})
}

// Restore loads peers from a Snapshot. Unknown versions are rejected.
func (r *Registry) Restore(buf []byte) error {
    var s snapshot
    if err := json.Unmarshal(buf, &s); err != nil { return fmt.Errorf("registry: restore: %w", err) }
    if s.Version != snapshotVersion { return fmt.Errorf("registry: unsupported snapshot version %d", s.Version) }
    r.Load(s.Peers)
    return nil
}
