package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
)

// RedisStream is a Stream backed by a Redis Streams key, used for
// deployments where the source, engine and reactor run as separate
// processes. Offsets fold the Redis stream entry ID's millisecond and
// sequence parts into a plain int64 so the rest of the pipeline never has to know
// about Redis IDs.
type RedisStream struct {
	client *redis.Client
	key    string
}

// NewRedis wraps an existing redis key as a Stream.
func NewRedis(client *redis.Client, key string) *RedisStream {
	return &RedisStream{client: client, key: key}
}

// Redis Streams entry IDs are "<ms>-<seq>", with seq disambiguating
// entries appended within the same millisecond. Both parts fold into the
// single int64 offset the rest of the pipeline checkpoints: dropping seq
// would make two same-millisecond entries share an offset, and a consumer
// resuming "strictly after" that offset would re-read the second entry
// forever.
const seqRadix = 1_000_000

func entryID(offset int64) string {
	return fmt.Sprintf("%d-%d", offset/seqRadix, offset%seqRadix)
}

func offsetFromID(id string) (int64, error) {
	msPart, seqPart := id, "0"
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			msPart, seqPart = id[:i], id[i+1:]
			break
		}
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, err
	}
	return ms*seqRadix + seq, nil
}

func (r *RedisStream) Append(ctx context.Context, payload json.RawMessage) (int64, error) {
	op := func() (string, error) {
		return r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: r.key,
			Values: map[string]interface{}{"payload": string(payload)},
		}).Result()
	}

	id, err := backoff.Retry(ctx, op, backoff.WithMaxTries(5))
	if err != nil {
		return 0, fmt.Errorf("stream: append to %s: %w", r.key, err)
	}
	return offsetFromID(id)
}

// Consume reads the first entry after the given offset using XRANGE,
// which on Redis Streams means "exclusive of the given id", matching the
// Stream interface's "strictly greater than after" contract.
func (r *RedisStream) Consume(ctx context.Context, after int64) (*Record, error) {
	start := "("
	if after < 0 {
		start = "-"
	} else {
		start = "(" + entryID(after)
	}

	op := func() ([]redis.XMessage, error) {
		return r.client.XRangeN(ctx, r.key, start, "+", 1).Result()
	}
	msgs, err := backoff.Retry(ctx, op, backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("stream: consume %s: %w", r.key, err)
	}
	if len(msgs) == 0 {
		return nil, ErrNoRecord
	}

	offset, err := offsetFromID(msgs[0].ID)
	if err != nil {
		return nil, fmt.Errorf("stream: malformed entry id %q: %w", msgs[0].ID, err)
	}
	raw, _ := msgs[0].Values["payload"].(string)
	return &Record{Offset: offset, Payload: json.RawMessage(raw), Timestamp: time.Now()}, nil
}

// Latest returns the offset of the stream's last entry, or -1 if it is
// empty, so a fresh subscriber can start past everything already on the
// stream instead of replaying it.
func (r *RedisStream) Latest(ctx context.Context) (int64, error) {
	op := func() ([]redis.XMessage, error) {
		return r.client.XRevRangeN(ctx, r.key, "+", "-", 1).Result()
	}
	msgs, err := backoff.Retry(ctx, op, backoff.WithMaxTries(5))
	if err != nil {
		return 0, fmt.Errorf("stream: latest %s: %w", r.key, err)
	}
	if len(msgs) == 0 {
		return -1, nil
	}
	return offsetFromID(msgs[0].ID)
}

func (r *RedisStream) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStream) Close() error {
	return r.client.Close()
}
