// Package stream abstracts the two durable logs the correlator pipeline
// runs on: the ingest stream (WireEnvelopes from source connectors to the
// correlation engine) and the event stream (Events from the engine to the
// reactor). Both are modelled as a single append/consume interface so
// either side can run against an in-memory log (single-process, tests) or
// Redis Streams (multi-process deployment) without the engine/reactor
// caring which.
//
// The log is strictly ordered and offset-addressable rather than a
// lease/ack queue: checkpointed consumers resume by position, and
// delivery is at-least-once.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoRecord is returned by Consume when no record is available past
// the requested offset.
var ErrNoRecord = errors.New("stream: no record available")

// Record is one entry on a stream: a monotonic offset and an opaque,
// already-encoded payload (a WireEnvelope or an Event, depending on which
// stream this is).
type Record struct {
	Offset    int64           `json:"offset"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream is an append-only, offset-addressable log.
type Stream interface {
	// Append writes payload to the stream and returns its offset.
	Append(ctx context.Context, payload json.RawMessage) (offset int64, err error)

	// Consume returns the first record at an offset strictly greater
	// than after, or ErrNoRecord if none is yet available.
	Consume(ctx context.Context, after int64) (*Record, error)

	// Latest returns the highest offset currently on the stream, or -1
	// if it is empty. Used by subscribers that want to start "from end"
	// (no replay of history) rather than from a stored offset.
	Latest(ctx context.Context) (int64, error)

	// Ping verifies connectivity to the underlying backend.
	Ping(ctx context.Context) error

	// Close releases resources held by the stream.
	Close() error
}

// Name identifies which of the two pipeline streams a Stream value backs,
// used only for logging/metrics labels.
type Name string

const (
	Ingest Name = "ingest"
	Event  Name = "event"
)
