package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendMissingSnapshotIsFreshStart(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	snap, err := b.Load(context.Background(), "eng1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), snap.SourceStreamOffset)
	assert.Equal(t, int64(-1), snap.EventStreamOffset)
	assert.Empty(t, snap.Stores)
	assert.NotEmpty(t, snap.GenerationID)
}

func TestFileBackendSaveLoadRoundTrip(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	snap := Empty()
	snap.SourceStreamOffset = 42
	snap.EventStreamOffset = 7
	snap.Stores["t1.sshd_logins"] = json.RawMessage(`{"login_sessions":3}`)

	require.NoError(t, b.Save(ctx, "eng1", snap))

	loaded, err := b.Load(ctx, "eng1")
	require.NoError(t, err)
	assert.Equal(t, snap.GenerationID, loaded.GenerationID)
	assert.Equal(t, int64(42), loaded.SourceStreamOffset)
	assert.Equal(t, int64(7), loaded.EventStreamOffset)
	assert.JSONEq(t, `{"login_sessions":3}`, string(loaded.Stores["t1.sshd_logins"]))
}

func TestFileBackendSaveReplacesPriorSnapshot(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := Empty()
	first.SourceStreamOffset = 1
	first.Stores["t1.a"] = json.RawMessage(`{}`)
	require.NoError(t, b.Save(ctx, "eng1", first))

	second := Empty()
	second.SourceStreamOffset = 2
	require.NoError(t, b.Save(ctx, "eng1", second))

	loaded, err := b.Load(ctx, "eng1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.SourceStreamOffset)
	assert.NotContains(t, loaded.Stores, "t1.a")
}

func TestFileBackendRefusesVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	data := `{"version":99,"source_stream_offset":0,"event_stream_offset":0,"stores":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eng1.json"), []byte(data), 0644))

	_, err = b.Load(context.Background(), "eng1")
	var mismatch *ErrVersionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 99, mismatch.Found)
}

func TestFileBackendReset(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	snap := Empty()
	snap.SourceStreamOffset = 9
	require.NoError(t, b.Save(ctx, "eng1", snap))
	require.NoError(t, b.Reset(ctx, "eng1"))

	loaded, err := b.Load(ctx, "eng1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), loaded.SourceStreamOffset)

	// resetting a never-saved engine is not an error
	require.NoError(t, b.Reset(ctx, "other"))
}
