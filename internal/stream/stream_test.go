package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStreamAppendConsume(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), latest)

	_, err = s.Consume(ctx, -1)
	assert.ErrorIs(t, err, ErrNoRecord)

	off1, err := s.Append(ctx, json.RawMessage(`"a"`))
	require.NoError(t, err)
	off2, err := s.Append(ctx, json.RawMessage(`"b"`))
	require.NoError(t, err)
	assert.Greater(t, off2, off1)

	rec, err := s.Consume(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, off1, rec.Offset)
	assert.Equal(t, json.RawMessage(`"a"`), rec.Payload)

	rec, err = s.Consume(ctx, rec.Offset)
	require.NoError(t, err)
	assert.Equal(t, off2, rec.Offset)

	_, err = s.Consume(ctx, rec.Offset)
	assert.ErrorIs(t, err, ErrNoRecord)

	latest, err = s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, off2, latest)
}

func TestMemoryStreamCopiesPayload(t *testing.T) {
	s := NewMemory()
	payload := json.RawMessage(`{"k":"v"}`)
	_, err := s.Append(context.Background(), payload)
	require.NoError(t, err)

	payload[2] = 'x'

	rec, err := s.Consume(context.Background(), -1)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"k":"v"}`), rec.Payload)
}

func TestOffsetIDRoundTrip(t *testing.T) {
	cases := []struct {
		id     string
		offset int64
	}{
		{"0-0", 0},
		{"0-1", 1},
		{"1700000000000-0", 1700000000000 * seqRadix},
		{"1700000000000-7", 1700000000000*seqRadix + 7},
	}
	for _, tc := range cases {
		got, err := offsetFromID(tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.offset, got, "id %s", tc.id)
		assert.Equal(t, tc.id, entryID(got))
	}
}

func TestOffsetFromIDOrdersSameMillisecondEntries(t *testing.T) {
	first, err := offsetFromID("1700000000000-0")
	require.NoError(t, err)
	second, err := offsetFromID("1700000000000-1")
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestOffsetFromIDRejectsGarbage(t *testing.T) {
	_, err := offsetFromID("not-an-id")
	assert.Error(t, err)
}
