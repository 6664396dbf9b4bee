package procstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketIDs     = []byte("ids")
)

// FileName is the name of the store file inside the data directory
const FileName = "procedures.db"

// BoltStore implements Store on a bbolt file. Every Append is its own
// read-write transaction, so it is fsynced before returning.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the procedure store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return Open(filepath.Join(dataDir, FileName))
}

// Open opens the procedure store at path
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open procedure store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Append implements Store
func (s *BoltStore) Append(rec Record) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		metrics.ProcstoreErrors.WithLabelValues("append").Inc()
		return fmt.Errorf("failed to append procedure %d: %w", rec.ProcedureID, err)
	}
	metrics.ProcstoreAppends.Inc()
	return nil
}

// Records returns every record in sequence order
func (s *BoltStore) Records() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// LoadAll implements Store
func (s *BoltStore) LoadAll() ([]Record, error) {
	records, err := s.Records()
	if err != nil {
		metrics.ProcstoreErrors.WithLabelValues("load").Inc()
		return nil, err
	}
	return activeByID(latest(records)), nil
}

// Compact implements Store
func (s *BoltStore) Compact() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)

		keep := make(map[uint64]uint64) // procedure id -> seq to keep
		terminal := make(map[uint64]bool)
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			// keys iterate in ascending seq order
			keep[rec.ProcedureID] = rec.Seq
			terminal[rec.ProcedureID] = rec.Terminal
			return nil
		})
		if err != nil {
			return err
		}

		var drop [][]byte
		err = b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if terminal[rec.ProcedureID] || keep[rec.ProcedureID] != rec.Seq {
				drop = append(drop, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.ProcstoreErrors.WithLabelValues("compact").Inc()
		return fmt.Errorf("failed to compact procedure store: %w", err)
	}
	metrics.ProcstoreCompactions.Inc()
	return nil
}

// NextID implements Store
func (s *BoltStore) NextID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketIDs).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate procedure id: %w", err)
	}
	return id, nil
}

// Stats implements Store
func (s *BoltStore) Stats() (Stats, error) {
	records, err := s.Records()
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Records: len(records)}
	byID := latest(records)
	st.Procedures = len(byID)
	st.Active = len(activeByID(byID))
	if n := len(records); n > 0 {
		st.LastSeq = records[n-1].Seq
	}
	return st, nil
}

// Backup writes a consistent copy of the store file to w
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}
