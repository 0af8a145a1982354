package graph

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// Replica is the client-side cache of graph paths in a PebbleDB store.
// Keys are path + 0x00 + delivery id; insertion order within a path is
// not preserved, which is fine because the feed carries no ordering
// guarantee anyway.
type Replica struct {
	db *pebble.DB
}

// Entry is one cached set member.
type Entry struct {
	ID    string
	Value []byte
}

// OpenReplica opens (or creates) a replica at dir.
func OpenReplica(dir string) (*Replica, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Replica{db: db}, nil
}

func (r *Replica) Put(path, id string, value []byte) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Set(replicaKey(path, id), value, pebble.Sync)
}

// Entries returns every cached member of the set at path.
func (r *Replica) Entries(path string) ([]Entry, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	prefix := append([]byte(path), 0x00)
	upper := append([]byte(path), 0x01)
	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	out := make([]Entry, 0, 64)
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) <= len(prefix) {
			continue
		}
		val := append([]byte(nil), it.Value()...)
		out = append(out, Entry{ID: string(key[len(prefix):]), Value: val})
	}
	return out, nil
}

func (r *Replica) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func replicaKey(path, id string) []byte {
	key := make([]byte, 0, len(path)+1+len(id))
	key = append(key, path...)
	key = append(key, 0x00)
	key = append(key, id...)
	return key
}
