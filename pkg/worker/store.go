package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPipes = []byte("pipes")
	// drop times of deleted pipes, so a late push of an older copy cannot
	// bring a dropped pipe back
	bucketTombstones = []byte("tombstones")
)

// ErrStale is returned by Apply for a push older than the stored copy
var ErrStale = errors.New("stale pipe metadata")

// PipeStore keeps the pipe definitions pushed to this node. It survives
// agent restarts so a node keeps serving its pipes while the manager is
// unreachable.
type PipeStore struct {
	db *bolt.DB
}

// OpenPipeStore opens (creating if needed) agent.db in dataDir
func OpenPipeStore(dataDir string) (*PipeStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "agent.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPipes, bucketTombstones} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PipeStore{db: db}, nil
}

// Close closes the database
func (s *PipeStore) Close() error {
	return s.db.Close()
}

// Apply stores p, or deletes it when p is a tombstone. It returns false
// when the store already holds an identical copy, and ErrStale when p was
// updated before the copy the store holds. Pushes for one pipe can arrive
// out of order (a resync racing a newer procedure), so UpdatedAt decides.
func (s *PipeStore) Apply(p *types.Pipe) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		pipes := tx.Bucket(bucketPipes)
		tombs := tx.Bucket(bucketTombstones)
		key := []byte(p.Name)

		last, err := lastUpdate(pipes, tombs, key)
		if err != nil {
			return err
		}
		if p.UpdatedAt.Before(last) {
			return fmt.Errorf("pipe %s updated at %s, have %s: %w",
				p.Name, p.UpdatedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano), ErrStale)
		}

		if p.Status == types.PipeStatusDropped {
			at, err := p.UpdatedAt.MarshalBinary()
			if err != nil {
				return err
			}
			if err := tombs.Put(key, at); err != nil {
				return err
			}
			if pipes.Get(key) == nil {
				return nil
			}
			changed = true
			return pipes.Delete(key)
		}

		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if cur := pipes.Get(key); cur != nil && bytes.Equal(cur, data) {
			return nil
		}
		if err := tombs.Delete(key); err != nil {
			return err
		}
		changed = true
		return pipes.Put(key, data)
	})
	return changed, err
}

// lastUpdate returns when the stored copy of key, or its tombstone, was
// last updated. Zero when the pipe was never seen.
func lastUpdate(pipes, tombs *bolt.Bucket, key []byte) (time.Time, error) {
	var at time.Time
	if data := pipes.Get(key); data != nil {
		var cur types.Pipe
		if err := json.Unmarshal(data, &cur); err != nil {
			return at, err
		}
		return cur.UpdatedAt, nil
	}
	if data := tombs.Get(key); data != nil {
		if err := at.UnmarshalBinary(data); err != nil {
			return at, err
		}
	}
	return at, nil
}

// Get returns a stored pipe
func (s *PipeStore) Get(name string) (*types.Pipe, error) {
	var p types.Pipe
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPipes).Get([]byte(name))
		if data == nil {
			return types.ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("pipe %s: %w", name, err)
	}
	return &p, nil
}

// List returns the stored pipes sorted by name
func (s *PipeStore) List() ([]*types.Pipe, error) {
	var pipes []*types.Pipe
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPipes).ForEach(func(k, v []byte) error {
			var p types.Pipe
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			pipes = append(pipes, &p)
			return nil
		})
	})
	sort.Slice(pipes, func(i, j int) bool { return pipes[i].Name < pipes[j].Name })
	return pipes, err
}

// Count returns the number of stored pipes
func (s *PipeStore) Count() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPipes).Stats().KeyN
		return nil
	})
	return n
}
