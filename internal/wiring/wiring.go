// Package wiring collects the small amount of startup plumbing shared by
// every CLI entry point under cmd/: resolving --config_file against the
// CORRELATOR_CFG env override, building the Redis client the
// ingest/event streams and secrets store run on, and picking a
// persistence.Backend from flags. It exists only so the entry points
// don't each re-derive it.
package wiring

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/dagainz/correlator/internal/persistence"
	"github.com/dagainz/correlator/internal/secrets"
)

// ResolveConfigFile applies the CORRELATOR_CFG-overrides---config_file
// rule.
func ResolveConfigFile(flagValue string) string {
	if v := os.Getenv("CORRELATOR_CFG"); v != "" {
		return v
	}
	return flagValue
}

// RedisOptions are the persistent --redis-* flags every process exposes.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds the client backing both stream.RedisStream (the
// ingest/event broker) and secrets.Store.
func NewRedisClient(opt RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
}

// PersistenceOptions selects and configures the engine's snapshot
// backend: a Postgres DSN wins over a local directory when both are set,
// since an operator who configured a DSN clearly wants the durable
// shared backend.
type PersistenceOptions struct {
	PostgresDSN string
	SnapshotDir string
}

// BuildPersistenceBackend resolves PersistenceOptions into a concrete
// persistence.Backend.
func BuildPersistenceBackend(ctx context.Context, opt PersistenceOptions) (persistence.Backend, error) {
	if opt.PostgresDSN != "" {
		b, err := persistence.NewPostgresBackend(ctx, opt.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("wiring: postgres backend: %w", err)
		}
		return b, nil
	}
	dir := opt.SnapshotDir
	if dir == "" {
		dir = "./data"
	}
	b, err := persistence.NewFileBackend(dir)
	if err != nil {
		return nil, fmt.Errorf("wiring: file backend: %w", err)
	}
	return b, nil
}

// BuildSecretsStore picks the credential backend. When
// KEYRING_CRYPTFILE_PASSWORD is set it selects the encrypted-file
// keyring (path from KEYRING_CRYPTFILE, default ./data/keyring.crypt);
// otherwise a keyFile selects the Redis-backed store. With neither set
// it returns nil, nil: handlers and modules that never declare
// CredentialsReq work fine with no store bound; ones that do fail
// CredentialsRequired at startup, naming the missing owner.id.
func BuildSecretsStore(client *redis.Client, keyFile string) (secrets.Provider, error) {
	if password := os.Getenv("KEYRING_CRYPTFILE_PASSWORD"); password != "" {
		path := os.Getenv("KEYRING_CRYPTFILE")
		if path == "" {
			path = "./data/keyring.crypt"
		}
		p, err := secrets.NewCryptFile(path, password)
		if err != nil {
			return nil, fmt.Errorf("wiring: cryptfile keyring: %w", err)
		}
		return p, nil
	}
	if keyFile == "" {
		return nil, nil
	}
	cipher, err := secrets.NewCipherFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("wiring: load secrets key: %w", err)
	}
	return secrets.NewStore(client, cipher), nil
}

// DefaultIngestStreamKey and DefaultEventStreamKey name the Redis Streams
// key a source/engine pair, or an engine/reactor pair, share by
// convention when the topology file does not override them with an
// explicit --ingest-stream/--event-stream flag: every process driving the
// same <id> talks to the same key.
func DefaultIngestStreamKey(id string) string { return "correlator:ingest:" + id }
func DefaultEventStreamKey(id string) string  { return "correlator:events:" + id }
