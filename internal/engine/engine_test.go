package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/module"
	"github.com/dagainz/correlator/internal/persistence"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/source"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/syslog"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory persistence.Backend for tests.
type fakeBackend struct {
	snaps map[string]*persistence.Snapshot
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{snaps: map[string]*persistence.Snapshot{}}
}

func (f *fakeBackend) Load(_ context.Context, id string) (*persistence.Snapshot, error) {
	if s, ok := f.snaps[id]; ok {
		return s, nil
	}
	return persistence.Empty(), nil
}

func (f *fakeBackend) Save(_ context.Context, id string, snap *persistence.Snapshot) error {
	f.snaps[id] = snap
	return nil
}

func (f *fakeBackend) Reset(_ context.Context, id string) error {
	delete(f.snaps, id)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

// recordingModule counts every HandleRecord call it receives, in order,
// so tests can assert on dispatch order and the no-skip/checkpoint laws
// without needing a real reference module.
type recordingModule struct {
	module.Base
	seen  []string
	state int
}

func newRecordingModule(fq string, sink module.Sink) *recordingModule {
	return &recordingModule{Base: module.NewBase(fq, sink)}
}

func (m *recordingModule) Initialize(cfg *runtimeconfig.Store) error { return nil }
func (m *recordingModule) PostInitStore()                            {}
func (m *recordingModule) Statistics(reset bool)                     {}

func (m *recordingModule) HandleRecord(rec *syslog.Record) error {
	m.seen = append(m.seen, rec.Hostname)
	m.state++
	return nil
}

func (m *recordingModule) StoreState() (json.RawMessage, error) {
	return json.Marshal(map[string]int{"count": m.state})
}

func (m *recordingModule) RestoreState(blob json.RawMessage) error {
	var s struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return err
	}
	m.state = s.Count
	return nil
}

// credModule always fails Initialize with CredentialsRequired, so tests
// can assert the engine aggregates every module's missing-credential
// error into a single startup failure rather than stopping at the first.
type credModule struct {
	module.Base
	owner string
}

func (m *credModule) Initialize(cfg *runtimeconfig.Store) error {
	return &module.CredentialsRequired{Owner: m.owner, IDs: []string{"api_key"}}
}
func (m *credModule) PostInitStore()                        {}
func (m *credModule) HandleRecord(rec *syslog.Record) error { return nil }
func (m *credModule) Statistics(reset bool)                 {}
func (m *credModule) StoreState() (json.RawMessage, error)  { return json.RawMessage(`{}`), nil }
func (m *credModule) RestoreState(blob json.RawMessage) error {
	return nil
}

// replayModule emits one event per HandleRecord call and separately
// implements module.EventReplayer to record every event it sees fed
// back from the event stream, so tests can assert the engine actually
// closes that loop.
type replayModule struct {
	module.Base
	replayed []*event.Event
}

func (m *replayModule) Initialize(cfg *runtimeconfig.Store) error { return nil }
func (m *replayModule) PostInitStore()                            {}
func (m *replayModule) Statistics(reset bool)                     {}

func (m *replayModule) HandleRecord(rec *syslog.Record) error {
	evt, err := event.New(&event.Kind{Name: "Demo", Schema: []event.Field{{Name: "host"}}},
		map[string]any{"host": rec.Hostname}, "", event.Informational)
	if err != nil {
		return err
	}
	m.DispatchEvent(evt)
	return nil
}

func (m *replayModule) StoreState() (json.RawMessage, error)    { return json.RawMessage(`{}`), nil }
func (m *replayModule) RestoreState(blob json.RawMessage) error { return nil }

func (m *replayModule) HandleEvent(evt *event.Event) error {
	m.replayed = append(m.replayed, evt)
	return nil
}

func appendEnvelope(t *testing.T, s stream.Stream, tenant string, rt source.RecordType, payload []byte) int64 {
	t.Helper()
	env := source.WireEnvelope{TenantID: tenant, SourceID: "src1", RecordType: rt, Payload: payload}
	blob, err := json.Marshal(env)
	require.NoError(t, err)
	off, err := s.Append(context.Background(), blob)
	require.NoError(t, err)
	return off
}

func validSyslogLine(host string) []byte {
	return []byte("<34>1 2026-07-29T10:00:00Z " + host + " su - - - login failed")
}

func TestEngineDispatchesInOrderAndCheckpoints(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 2, CheckpointIntervalMinutes: 5, PollInterval: 5 * time.Millisecond}
	eng := New(cfg, nil, ingest, events, backend)

	m1 := newRecordingModule("tenant1.first", eng)
	m2 := newRecordingModule("tenant1.second", eng)
	eng.tenants = map[string]*Tenant{
		"tenant1": {TenantID: "tenant1", Modules: []module.Module{m1, m2}},
	}

	store := runtimeconfig.New()
	require.NoError(t, eng.Start(context.Background(), store))

	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostA"))
	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostB"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, eng.Run(ctx, store))

	// Order invariant: both modules see both records, in stream order,
	// and in registration order within each dispatch.
	require.Equal(t, []string{"hostA", "hostB"}, m1.seen)
	require.Equal(t, []string{"hostA", "hostB"}, m2.seen)

	// Checkpoint law: a snapshot must exist and reflect the last
	// consumed offset, not an earlier (skipped) one.
	snap, err := backend.Load(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.SourceStreamOffset)
	require.Contains(t, snap.Stores, "tenant1.first")
	require.Contains(t, snap.Stores, "tenant1.second")
}

func TestEngineNoSkipOnUnregisteredTenant(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 100, CheckpointIntervalMinutes: 5, PollInterval: 5 * time.Millisecond}
	eng := New(cfg, map[string]*Tenant{}, ingest, events, backend)

	store := runtimeconfig.New()
	require.NoError(t, eng.Start(context.Background(), store))

	appendEnvelope(t, ingest, "ghost-tenant", source.SyslogData, validSyslogLine("hostA"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, eng.Run(ctx, store))

	// Even an envelope for a tenant the engine doesn't own still advances
	// the checkpointed offset: the record was consumed, not skipped.
	snap, err := backend.Load(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, int64(0), snap.SourceStreamOffset)
}

func TestEngineParseFailureEmitsSimpleErrorEvent(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 100, CheckpointIntervalMinutes: 5, PollInterval: 5 * time.Millisecond}
	eng := New(cfg, nil, ingest, events, backend)

	m1 := newRecordingModule("tenant1.first", eng)
	eng.tenants = map[string]*Tenant{
		"tenant1": {TenantID: "tenant1", Modules: []module.Module{m1}},
	}

	store := runtimeconfig.New()
	require.NoError(t, eng.Start(context.Background(), store))

	appendEnvelope(t, ingest, "tenant1", source.SyslogData, []byte("not a valid syslog frame at all"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, eng.Run(ctx, store))

	rec, err := events.Consume(context.Background(), -1)
	require.NoError(t, err)
	require.Contains(t, string(rec.Payload), "SimpleError")
	require.Empty(t, m1.seen, "a record that fails to parse must not reach any module")
}

func TestEngineCredentialsRequiredAggregatesAcrossModules(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 100, CheckpointIntervalMinutes: 5}
	eng := New(cfg, nil, ingest, events, backend)

	ma := &credModule{Base: module.NewBase("tenant1.needs_creds_a", eng), owner: "a"}
	mb := &credModule{Base: module.NewBase("tenant1.needs_creds_b", eng), owner: "b"}
	eng.tenants = map[string]*Tenant{
		"tenant1": {TenantID: "tenant1", Modules: []module.Module{ma, mb}},
	}

	store := runtimeconfig.New()
	err := eng.Start(context.Background(), store)
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 module(s) missing credentials")
}

// emitModule emits one event per record but, unlike replayModule, does
// not implement EventReplayer, so restart tests exercise the ingest path
// alone.
type emitModule struct {
	module.Base
}

func (m *emitModule) Initialize(cfg *runtimeconfig.Store) error { return nil }
func (m *emitModule) PostInitStore()                            {}
func (m *emitModule) Statistics(reset bool)                     {}

func (m *emitModule) HandleRecord(rec *syslog.Record) error {
	evt, err := event.New(&event.Kind{Name: "Demo", Schema: []event.Field{{Name: "host"}}},
		map[string]any{"host": rec.Hostname}, "", event.Informational)
	if err != nil {
		return err
	}
	m.DispatchEvent(evt)
	return nil
}

func (m *emitModule) StoreState() (json.RawMessage, error)    { return json.RawMessage(`{}`), nil }
func (m *emitModule) RestoreState(blob json.RawMessage) error { return nil }

func runBriefly(t *testing.T, eng *Engine, store *runtimeconfig.Store, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(d)
		cancel()
	}()
	require.NoError(t, eng.Run(ctx, store))
}

func TestEngineRestartResumesAfterLastCheckpoint(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()
	store := runtimeconfig.New()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 1, CheckpointIntervalMinutes: 5, PollInterval: 5 * time.Millisecond}

	first := New(cfg, nil, ingest, events, backend)
	m1 := newRecordingModule("tenant1.rec", first)
	first.tenants = map[string]*Tenant{"tenant1": {TenantID: "tenant1", Modules: []module.Module{m1}}}
	require.NoError(t, first.Start(context.Background(), store))

	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostA"))
	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostB"))
	runBriefly(t, first, store, 40*time.Millisecond)
	require.Equal(t, []string{"hostA", "hostB"}, m1.seen)

	// A second engine over the same backend and streams restores the
	// module state and processes only records past the stored offset.
	second := New(cfg, nil, ingest, events, backend)
	m2 := newRecordingModule("tenant1.rec", second)
	second.tenants = map[string]*Tenant{"tenant1": {TenantID: "tenant1", Modules: []module.Module{m2}}}
	require.NoError(t, second.Start(context.Background(), store))
	require.Equal(t, 2, m2.state, "restored store must carry the first run's state")

	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostC"))
	runBriefly(t, second, store, 40*time.Millisecond)

	require.Equal(t, []string{"hostC"}, m2.seen, "restart must not replay already-checkpointed envelopes")
	require.Equal(t, 3, m2.state)
}

func TestEngineReemitsEventsWhenCrashPrecededCheckpoint(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()
	store := runtimeconfig.New()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 100, CheckpointIntervalMinutes: 5, PollInterval: 5 * time.Millisecond}

	first := New(cfg, nil, ingest, events, backend)
	first.tenants = map[string]*Tenant{"tenant1": {TenantID: "tenant1",
		Modules: []module.Module{&emitModule{Base: module.NewBase("tenant1.emit", first)}}}}
	require.NoError(t, first.Start(context.Background(), store))

	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostA"))
	off := appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostB"))
	runBriefly(t, first, store, 40*time.Millisecond)

	latest, err := events.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), latest, "two events emitted before the crash")

	// Simulate a crash between the second envelope's event emission and
	// its checkpoint: roll the stored offset back to just before it.
	backend.snaps["e1"].SourceStreamOffset = off - 1

	second := New(cfg, nil, ingest, events, backend)
	second.tenants = map[string]*Tenant{"tenant1": {TenantID: "tenant1",
		Modules: []module.Module{&emitModule{Base: module.NewBase("tenant1.emit", second)}}}}
	require.NoError(t, second.Start(context.Background(), store))
	runBriefly(t, second, store, 40*time.Millisecond)

	// The envelope is re-delivered and its event re-emitted: delivery is
	// at-least-once and downstream handlers must tolerate the duplicate.
	latest, err = events.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), latest)
}

func TestEngineReplaysEventsToInterestedModules(t *testing.T) {
	ingest := stream.NewMemory()
	events := stream.NewMemory()
	backend := newFakeBackend()

	cfg := Config{EngineID: "e1", CheckpointIntervalEnvelopes: 100, CheckpointIntervalMinutes: 5, PollInterval: 5 * time.Millisecond}
	eng := New(cfg, nil, ingest, events, backend)

	rm := &replayModule{Base: module.NewBase("tenant1.emitter", eng)}
	eng.tenants = map[string]*Tenant{
		"tenant1": {TenantID: "tenant1", Modules: []module.Module{rm}},
	}

	store := runtimeconfig.New()
	require.NoError(t, eng.Start(context.Background(), store))

	appendEnvelope(t, ingest, "tenant1", source.SyslogData, validSyslogLine("hostA"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, eng.Run(ctx, store))

	require.Len(t, rm.replayed, 1, "a module implementing EventReplayer must see its own emitted event fed back from the event stream")
	require.Equal(t, "hostA", rm.replayed[0].Payload()["host"])
}
