// offsets.go implements the reactor's stored-offset idempotence: the
// offset is stored under the reactor's subscriber name so a restart
// resumes at last_stored + 1, and a reactor with no stored offset starts
// from the end of the stream.
package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-redis/redis/v8"
)

// OffsetStore durably tracks the last event-stream offset a reactor
// instance has processed.
type OffsetStore interface {
	// Load returns the stored offset and true, or false if none has
	// ever been stored for reactorID.
	Load(ctx context.Context, reactorID string) (offset int64, found bool, err error)

	// Save durably records offset as the last one processed.
	Save(ctx context.Context, reactorID string, offset int64) error

	Close() error
}

// FileOffsetStore persists one JSON file per reactor id, written
// atomically (temp file + rename) like persistence.FileBackend.
type FileOffsetStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileOffsetStore creates dir if absent and returns a store rooted
// there.
func NewFileOffsetStore(dir string) (*FileOffsetStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("reactor offsets: create storage dir: %w", err)
	}
	return &FileOffsetStore{dir: dir}, nil
}

func (s *FileOffsetStore) path(reactorID string) string {
	return filepath.Join(s.dir, reactorID+".offset.json")
}

type offsetRecord struct {
	Offset int64 `json:"offset"`
}

func (s *FileOffsetStore) Load(_ context.Context, reactorID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(reactorID))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reactor offsets: read %s: %w", reactorID, err)
	}
	var rec offsetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("reactor offsets: decode %s: %w", reactorID, err)
	}
	return rec.Offset, true, nil
}

func (s *FileOffsetStore) Save(_ context.Context, reactorID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(offsetRecord{Offset: offset})
	if err != nil {
		return fmt.Errorf("reactor offsets: encode %s: %w", reactorID, err)
	}
	target := s.path(reactorID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("reactor offsets: write %s: %w", reactorID, err)
	}
	return os.Rename(tmp, target)
}

func (s *FileOffsetStore) Close() error { return nil }

// RedisOffsetStore keeps the same record in a Redis string key, for
// deployments where the reactor has no writable local disk.
type RedisOffsetStore struct {
	client *redis.Client
	prefix string
}

// NewRedisOffsetStore wraps client, namespacing every key under prefix
// (e.g. "correlator:reactor:offset:").
func NewRedisOffsetStore(client *redis.Client, prefix string) *RedisOffsetStore {
	if prefix == "" {
		prefix = "correlator:reactor:offset:"
	}
	return &RedisOffsetStore{client: client, prefix: prefix}
}

func (s *RedisOffsetStore) Load(ctx context.Context, reactorID string) (int64, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+reactorID).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reactor offsets: get %s: %w", reactorID, err)
	}
	return val, true, nil
}

func (s *RedisOffsetStore) Save(ctx context.Context, reactorID string, offset int64) error {
	return s.client.Set(ctx, s.prefix+reactorID, offset, 0).Err()
}

func (s *RedisOffsetStore) Close() error { return nil }
