// Package engine implements the correlation engine: it owns one or more
// tenants' module lists, consumes the ingest stream in order, dispatches
// each record through every module sequentially, and checkpoints the
// module-store map and stream offsets alongside any events the modules
// emitted. Dispatch is a single-goroutine critical section driven by a
// poll ticker; events and state always advance together, so a restart
// never re-emits an acknowledged envelope's events nor skips one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/metrics"
	"github.com/dagainz/correlator/internal/module"
	"github.com/dagainz/correlator/internal/persistence"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/source"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/syslog"
	"github.com/dagainz/correlator/internal/tenant"
	"github.com/dagainz/correlator/internal/tracing"
)

// Config is one engine instance's bound configuration.
// CheckpointIntervalEnvelopes and CheckpointIntervalMinutes are distinct
// keys: one bounds how many envelopes may pass between checkpoints, the
// other forces a checkpoint from the timer path even when the ingest
// stream is quiet.
type Config struct {
	EngineID                    string
	CheckpointIntervalEnvelopes int64
	CheckpointIntervalMinutes   int64
	PollInterval                time.Duration
}

const (
	defaultCheckpointEnvelopes = 100
	defaultCheckpointMinutes   = 5
	defaultPollInterval        = 250 * time.Millisecond

	// maxBatchPerTick bounds how many records one poll tick may drain, so
	// a saturated stream cannot starve the minute-boundary timers.
	maxBatchPerTick = 256
)

// Register declares an engine's configuration items under
// "engines.<engineID>.".
func Register(cfg *runtimeconfig.Store, engineID string) error {
	return cfg.Register([]runtimeconfig.Item{
		{Key: "checkpoint_interval_envelopes", Type: runtimeconfig.Integer, Default: int64(defaultCheckpointEnvelopes)},
		{Key: "checkpoint_interval_minutes", Type: runtimeconfig.Integer, Default: int64(defaultCheckpointMinutes)},
	}, "engines", engineID)
}

// Load reads back an engine's bound configuration.
func Load(cfg *runtimeconfig.Store, engineID string) (Config, error) {
	fq := func(key string) string { return runtimeconfig.FullyQualify("engines", engineID, key) }

	envelopes, err := cfg.GetInt(fq("checkpoint_interval_envelopes"))
	if err != nil {
		return Config{}, err
	}
	minutes, err := cfg.GetInt(fq("checkpoint_interval_minutes"))
	if err != nil {
		return Config{}, err
	}
	return Config{
		EngineID:                    engineID,
		CheckpointIntervalEnvelopes: envelopes,
		CheckpointIntervalMinutes:   minutes,
		PollInterval:                defaultPollInterval,
	}, nil
}

// Engine is one correlation engine instance. It implements module.Sink
// so every module it owns can dispatch events straight into its queue
// without the engine reaching back into module internals.
type Engine struct {
	cfg     Config
	tenants map[string]*Tenant
	ingest  stream.Stream
	events  stream.Stream
	backend persistence.Backend

	sourceOffset int64

	// eventOffset is the event stream's replay-subscription position:
	// the last event this engine has fed to its EventReplayer modules,
	// not the last one it appended.
	// replayEvents is true once Start finds at least one module that
	// implements module.EventReplayer; it gates whether the engine
	// subscribes to the event stream for replay at all.
	eventOffset  int64
	replayEvents bool

	envelopesSinceCheckpoint int64
	minutesSinceCheckpoint   int64
	startCheckpointed        bool
	lastTickMinute           int

	queue []*event.Event
}

// New constructs an engine bound to its stream and persistence
// collaborators. Tenants must already hold fully constructed modules
// (via a registry resolved by internal/appconfig); New does not itself
// instantiate anything.
func New(cfg Config, tenants map[string]*Tenant, ingest, events stream.Stream, backend persistence.Backend) *Engine {
	return &Engine{
		cfg:            cfg,
		tenants:        tenants,
		ingest:         ingest,
		events:         events,
		backend:        backend,
		lastTickMinute: -1,
	}
}

// Emit implements module.Sink: queue the event for flush at the end of
// the current envelope's processing.
func (e *Engine) Emit(evt *event.Event) {
	e.queue = append(e.queue, evt)
}

// SetTenants binds the engine's tenant/module topology after
// construction. This exists because appconfig.BuildEngineTenants needs a
// live module.Sink (the engine itself) to construct each module, but the
// engine's tenant map is exactly what that call produces, so the CLI
// entry point builds an engine with an empty topology, uses it as the
// sink, then binds the result here before calling Start.
func (e *Engine) SetTenants(tenants map[string]*Tenant) {
	e.tenants = tenants
}

// Start loads any prior snapshot, binds each module's store, and runs
// Initialize/PostInitStore across every tenant's modules in order. A
// CredentialsRequired error from any module is collected (not fatal by
// itself) so every missing credential is logged in one startup failure
// instead of stopping at the first; any other initialization error
// aborts immediately.
func (e *Engine) Start(ctx context.Context, cfg *runtimeconfig.Store) error {
	snap, err := e.backend.Load(ctx, e.cfg.EngineID)
	if err != nil {
		return fmt.Errorf("engine %s: load snapshot: %w", e.cfg.EngineID, err)
	}
	e.sourceOffset = snap.SourceStreamOffset
	e.eventOffset = snap.EventStreamOffset
	logging.Op().Info("snapshot loaded", "engine", e.cfg.EngineID, "generation", snap.GenerationID,
		"source_offset", snap.SourceStreamOffset, "event_offset", snap.EventStreamOffset)

	var missing []*module.CredentialsRequired
	for tenantID, t := range e.tenants {
		for _, m := range t.Modules {
			if _, ok := m.(module.EventReplayer); ok {
				e.replayEvents = true
			}

			fq := tenant.Scope{TenantID: tenantID}.FQName(nameSuffix(m.Name(), tenantID))
			if blob, ok := snap.Stores[fq]; ok {
				if err := m.RestoreState(blob); err != nil {
					return fmt.Errorf("engine %s: restore state for %s: %w", e.cfg.EngineID, m.Name(), err)
				}
			}

			if err := m.Initialize(cfg); err != nil {
				var cr *module.CredentialsRequired
				if errors.As(err, &cr) {
					missing = append(missing, cr)
					continue
				}
				return fmt.Errorf("engine %s: initialize %s: %w", e.cfg.EngineID, m.Name(), err)
			}
			m.PostInitStore()
		}
	}

	if len(missing) > 0 {
		for _, cr := range missing {
			logging.Op().Error("credentials required", "engine", e.cfg.EngineID, "owner", cr.Owner, "ids", cr.IDs)
		}
		return fmt.Errorf("engine %s: %d module(s) missing credentials", e.cfg.EngineID, len(missing))
	}

	// A fresh ingest offset (no prior snapshot) subscribes "from end"
	// rather than replaying the whole backlog. A fresh event offset
	// only matters, and only subscribes at all, if some module
	// registered replay interest above.
	if e.sourceOffset < 0 {
		latest, err := e.ingest.Latest(ctx)
		if err != nil {
			return fmt.Errorf("engine %s: read latest ingest offset: %w", e.cfg.EngineID, err)
		}
		e.sourceOffset = latest
	}
	if e.replayEvents && e.eventOffset < 0 {
		latest, err := e.events.Latest(ctx)
		if err != nil {
			return fmt.Errorf("engine %s: read latest event offset: %w", e.cfg.EngineID, err)
		}
		e.eventOffset = latest
	}
	return nil
}

// nameSuffix strips the engine's own tenant prefix back off a module's
// fully qualified name so the snapshot key matches what Checkpoint
// writes (tenant.module, not tenant.tenant.module).
func nameSuffix(fqName, tenantID string) string {
	prefix := tenantID + "."
	if len(fqName) > len(prefix) && fqName[:len(prefix)] == prefix {
		return fqName[len(prefix):]
	}
	return fqName
}

// Run consumes the ingest stream until ctx is cancelled, dispatching
// each envelope through its tenant's modules in order and checkpointing
// after any envelope that produced events. It writes a final checkpoint
// before returning on clean cancellation.
func (e *Engine) Run(ctx context.Context, cfg *runtimeconfig.Store) error {
	poll := e.cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.checkpoint(ctx, "shutdown")
			return nil
		case <-ticker.C:
			now := time.Now()
			if now.Minute() != e.lastTickMinute {
				e.runTimers(ctx, now)
				e.lastTickMinute = now.Minute()
			}

			if e.replayEvents {
				if err := e.drainEventReplay(ctx); err != nil {
					return err
				}
			}

			for i := 0; i < maxBatchPerTick && ctx.Err() == nil; i++ {
				rec, err := e.ingest.Consume(ctx, e.sourceOffset)
				if errors.Is(err, stream.ErrNoRecord) {
					break
				}
				if err != nil {
					return fmt.Errorf("engine %s: consume ingest: %w", e.cfg.EngineID, err)
				}
				if err := e.processEnvelope(ctx, rec); err != nil {
					return err
				}
			}
		}
	}
}

// drainEventReplay feeds newly available event-stream records to every
// EventReplayer module in their owning tenant. Only called when Start
// found at least one such module.
func (e *Engine) drainEventReplay(ctx context.Context) error {
	for i := 0; i < maxBatchPerTick && ctx.Err() == nil; i++ {
		rec, err := e.events.Consume(ctx, e.eventOffset)
		if errors.Is(err, stream.ErrNoRecord) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("engine %s: consume event replay: %w", e.cfg.EngineID, err)
		}
		e.eventOffset = rec.Offset

		tenantID, evt, err := event.DecodeEnvelope(rec.Payload, nil)
		if err != nil {
			logging.Op().Warn("engine: malformed event on replay, skipping",
				"engine", e.cfg.EngineID, "offset", rec.Offset, "error", err)
			continue
		}
		t, ok := e.tenants[tenantID]
		if !ok {
			continue
		}
		for _, m := range t.Modules {
			replayer, ok := m.(module.EventReplayer)
			if !ok {
				continue
			}
			if err := replayer.HandleEvent(evt); err != nil {
				return &module.FatalError{Module: m.Name(), Err: err}
			}
		}
	}
	return nil
}

func (e *Engine) runTimers(ctx context.Context, now time.Time) {
	for _, t := range e.tenants {
		for _, m := range t.Modules {
			if mt, ok := m.(module.MinuteTimer); ok {
				mt.TimerMinute()
			}
			if now.Minute()%5 == 0 {
				if mt, ok := m.(module.FiveMinuteTimer); ok {
					mt.Timer5Minutes()
				}
			}
			if now.Minute()%10 == 0 {
				if mt, ok := m.(module.TenMinuteTimer); ok {
					mt.Timer10Minutes()
				}
			}
			if now.Minute()%15 == 0 {
				if mt, ok := m.(module.FifteenMinuteTimer); ok {
					mt.Timer15Minutes()
				}
			}
			if now.Minute()%30 == 0 {
				if mt, ok := m.(module.ThirtyMinuteTimer); ok {
					mt.Timer30Minutes()
				}
			}
			if now.Minute() == 0 {
				if mt, ok := m.(module.HourTimer); ok {
					mt.TimerHour()
				}
			}
			if hm, ok := m.(module.HourMinuteTimer); ok && hm.Hour() == now.Hour() && hm.Minute() == now.Minute() {
				hm.TimerAt()
			}
		}
	}

	e.minutesSinceCheckpoint++
	if e.cfg.CheckpointIntervalMinutes > 0 && e.minutesSinceCheckpoint >= e.cfg.CheckpointIntervalMinutes {
		_ = e.checkpoint(ctx, "interval-minutes")
		e.minutesSinceCheckpoint = 0
	}
}

// processEnvelope handles one ingest record: resolve tenant, fan the
// parsed record through every module, flush any dispatched events, then
// checkpoint. A module's HandleRecord error is fatal: the engine stops
// without a further checkpoint so the envelope can be replayed once a
// human has intervened.
func (e *Engine) processEnvelope(ctx context.Context, rec *stream.Record) error {
	env, err := source.DecodeEnvelope(rec.Payload)
	if err != nil {
		return fmt.Errorf("engine %s: decode envelope at offset %d: %w", e.cfg.EngineID, rec.Offset, err)
	}

	e.sourceOffset = rec.Offset
	e.envelopesSinceCheckpoint++
	metrics.RecordEnvelope(e.cfg.EngineID, env.TenantID, recordTypeLabel(env.RecordType))

	if env.RecordType == source.Heartbeat {
		return e.maybeCheckpoint(ctx)
	}

	_, span := tracing.StartEnvelope(ctx, e.cfg.EngineID, env.TenantID, env.SourceID)
	defer span.End()

	t, ok := e.tenants[env.TenantID]
	if !ok {
		logging.Op().Warn("envelope for unregistered tenant", "engine", e.cfg.EngineID, "tenant", env.TenantID)
		return e.maybeCheckpoint(ctx)
	}

	srec := syslog.Parse(env.Payload)
	if srec.HasError() {
		metrics.RecordParseError(e.cfg.EngineID, env.TenantID)
		logging.Op().Info("syslog parse failure", "engine", e.cfg.EngineID, "tenant", env.TenantID, "error", srec.ParseError)
		errEvt, buildErr := event.New(event.SimpleErrorKind, map[string]any{"detail": srec.ParseError}, "", event.Error)
		if buildErr == nil {
			errEvt.SetSystem(t.TenantID)
			e.queue = append(e.queue, errEvt)
		}
	} else {
		for _, m := range t.Modules {
			if err := m.HandleRecord(srec); err != nil {
				fatal := &module.FatalError{Module: m.Name(), Err: err}
				tracing.RecordError(span, fatal)
				return fatal
			}
		}
	}

	if len(e.queue) > 0 {
		for _, evt := range e.queue {
			blob, err := event.EncodeEnvelope(env.TenantID, evt)
			if err != nil {
				return fmt.Errorf("engine %s: encode event %s: %w", e.cfg.EngineID, evt.FQID(), err)
			}
			off, err := e.events.Append(ctx, blob)
			if err != nil {
				return fmt.Errorf("engine %s: append event: %w", e.cfg.EngineID, err)
			}
			metrics.RecordEvent(e.cfg.EngineID, env.TenantID, evt.ClassName())
			logging.RecordEvent(logging.EventLogEntry{
				FQID: evt.FQID(), System: evt.System(), Class: evt.ClassName(),
				Severity: evt.Severity().String(), Tenant: env.TenantID, Offset: off,
				Summary: evt.RenderSummary("text/plain"),
			})
		}
		e.queue = e.queue[:0]
		return e.checkpoint(ctx, "events")
	}

	return e.maybeCheckpoint(ctx)
}

func (e *Engine) maybeCheckpoint(ctx context.Context) error {
	if !e.startCheckpointed {
		return e.checkpoint(ctx, "first-envelope")
	}
	if e.envelopesSinceCheckpoint >= e.cfg.CheckpointIntervalEnvelopes {
		return e.checkpoint(ctx, "interval-envelopes")
	}
	return nil
}

// checkpoint writes the full snapshot: every tenant.module store plus
// both stream offsets.
func (e *Engine) checkpoint(ctx context.Context, reason string) error {
	snap := persistence.Empty()
	snap.SourceStreamOffset = e.sourceOffset
	snap.EventStreamOffset = e.eventOffset

	for tenantID, t := range e.tenants {
		scope := tenant.Scope{TenantID: tenantID}
		for _, m := range t.Modules {
			blob, err := m.StoreState()
			if err != nil {
				return fmt.Errorf("engine %s: store state for %s: %w", e.cfg.EngineID, m.Name(), err)
			}
			snap.Stores[scope.FQName(nameSuffix(m.Name(), tenantID))] = blob
		}
	}

	if err := e.backend.Save(ctx, e.cfg.EngineID, snap); err != nil {
		return fmt.Errorf("engine %s: save snapshot: %w", e.cfg.EngineID, err)
	}
	e.envelopesSinceCheckpoint = 0
	e.startCheckpointed = true
	metrics.RecordCheckpoint(e.cfg.EngineID, reason)
	metrics.SetEngineOffset(e.cfg.EngineID, e.sourceOffset)
	return nil
}

func recordTypeLabel(rt source.RecordType) string {
	if rt == source.Heartbeat {
		return "heartbeat"
	}
	return "syslog_data"
}
