// Package persistence implements the engine's durable snapshot: a
// version-tagged blob containing every tenant.module's store plus the
// two stream offsets, written whole on each checkpoint and refused on a
// version/format mismatch at load.
//
// The default Backend is a local JSON file. A Postgres Backend is also
// provided for deployments where the engine process is not expected to
// keep a writable local disk.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CurrentVersion is the snapshot format tag written by this build.
// Loaders refuse any other value rather than guessing at a migration.
const CurrentVersion = 1

// Snapshot is the full durable state of one engine instance.
// GenerationID is assigned fresh for every snapshot written, so two
// snapshots with identical offsets are still distinguishable in logs
// when diagnosing which process wrote what.
type Snapshot struct {
	Version            int                        `json:"version"`
	GenerationID       string                     `json:"generation_id"`
	SourceStreamOffset int64                      `json:"source_stream_offset"`
	EventStreamOffset  int64                      `json:"event_stream_offset"`
	Stores             map[string]json.RawMessage `json:"stores"`
}

// Empty returns a fresh snapshot: no stores, and both offsets set to -1
// (stream.Stream's Consume treats its "after" argument as the last
// consumed offset, so -1 means "nothing consumed yet" and the first
// Consume call returns the record at offset 0), used when no prior
// snapshot exists.
func Empty() *Snapshot {
	return &Snapshot{
		Version:            CurrentVersion,
		GenerationID:       uuid.New().String(),
		SourceStreamOffset: -1,
		EventStreamOffset:  -1,
		Stores:             map[string]json.RawMessage{},
	}
}

// ErrVersionMismatch is returned by a Backend when a loaded snapshot
// carries a format version this build does not understand.
type ErrVersionMismatch struct {
	Found, Want int
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("persistence: snapshot version %d, want %d", e.Found, e.Want)
}

// Backend durably stores exactly one Snapshot per engine id.
type Backend interface {
	// Load returns the engine's snapshot, or Empty() if none exists yet.
	Load(ctx context.Context, engineID string) (*Snapshot, error)

	// Save atomically replaces the engine's snapshot.
	Save(ctx context.Context, engineID string, snap *Snapshot) error

	// Reset deletes any stored snapshot, implementing the engine CLI's
	// --reset flag.
	Reset(ctx context.Context, engineID string) error

	Close() error
}
