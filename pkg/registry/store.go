package registry

import (
    "encoding/json"
    "errors"
    "fmt"
    "time"

    bolt "go.etcd.io/bbolt"

    "github.com/amirimatin/go-discover/pkg/protocol"
)

var peersBucket = []byte("peers")

// BoltStore persists peers across restarts, one key per node id.
type BoltStore struct {
    db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
    if path == "" { return nil, errors.New("registry: empty store path") }
    db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
    if err != nil { return nil, fmt.Errorf("registry: open %s: %w", path, err) }
    err = db.Update(func(tx *bolt.Tx) error {
        _, err := tx.CreateBucketIfNotExists(peersBucket)
        return err
    })
    if err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("registry: init %s: %w", path, err)
    }
    return &BoltStore{db: db}, nil
}

// Save replaces the stored peers with peers.
func (s *BoltStore) Save(peers []Peer) error {
    return s.db.Update(func(tx *bolt.Tx) error {
        if err := tx.DeleteBucket(peersBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) { return err }
        b, err := tx.CreateBucket(peersBucket)
        if err != nil { return err }
        for _, p := range peers {
            v, err := json.Marshal(p)
            if err != nil { return err }
            if err := b.Put([]byte(p.ID), v); err != nil { return err }
        }
        return nil
    })
}

// Load returns every stored peer ordered by id. Undecodable records are skipped.
func (s *BoltStore) Load() ([]Peer, error) {
    var out []Peer
    err := s.db.View(func(tx *bolt.Tx) error {
        b := tx.Bucket(peersBucket)
        if b == nil { return nil }
        return b.ForEach(func(k, v []byte) error {
            var p Peer
            if json.Unmarshal(v, &p) != nil { return nil }
            if p.ID == "" { p.ID = protocol.NodeID(k) }
            out = append(out, p)
            return nil
        })
    })
    return out, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
