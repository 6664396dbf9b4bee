package procstore

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("procedure store closed")

// Record is one durable snapshot of a procedure's persisted state.
// A procedure produces a new record after every phase; the record with the
// highest Seq is authoritative.
type Record struct {
	Seq         uint64          `json:"seq"`
	ProcedureID uint64          `json:"procedure_id"`
	Type        string          `json:"type"`
	ResourceKey string          `json:"resource_key"`
	Direction   string          `json:"direction"`
	PhaseIndex  int             `json:"phase_index"`
	Payload     []byte          `json:"payload"`
	Terminal    bool            `json:"terminal"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Stats summarises the content of a store
type Stats struct {
	Records    int    `json:"records"`
	Procedures int    `json:"procedures"`
	Active     int    `json:"active"`
	LastSeq    uint64 `json:"last_seq"`
}

// Store is the durable procedure log
type Store interface {
	// Append durably records rec. The record is on stable storage when
	// Append returns nil.
	Append(rec Record) error

	// LoadAll returns the latest record of every procedure that has not
	// reached a terminal outcome, ordered by procedure id.
	LoadAll() ([]Record, error)

	// Compact drops superseded records and every record of terminal
	// procedures. LoadAll returns the same result before and after.
	Compact() error

	// NextID allocates a procedure id. Ids start at 1 and are never reused.
	NextID() (uint64, error)

	Stats() (Stats, error)
	Close() error
}

// latest reduces records (in any order) to the highest-Seq record per procedure
func latest(records []Record) map[uint64]Record {
	out := make(map[uint64]Record)
	for _, rec := range records {
		if cur, ok := out[rec.ProcedureID]; !ok || rec.Seq > cur.Seq {
			out[rec.ProcedureID] = rec
		}
	}
	return out
}

func activeByID(latest map[uint64]Record) []Record {
	active := make([]Record, 0, len(latest))
	for _, rec := range latest {
		if !rec.Terminal {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ProcedureID < active[j].ProcedureID })
	return active
}
