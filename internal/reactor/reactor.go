// Package reactor implements the event-stream consumer: per tenant, an
// ordered list of handlers, each gated by a compiled filter expression
// (or a default action when no filter is configured), with stored-offset
// idempotence across restarts. Dispatch is a ticker-driven
// single-goroutine loop with structured logging around each delivery
// attempt.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/handler"
	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/metrics"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/tracing"
)

// Binding pairs one handler with its compiled filter and default action.
type Binding struct {
	Handler       handler.Handler
	Filter        *Expr
	DefaultAction bool
}

// Tenant is one tenant's ordered handler list.
type Tenant struct {
	TenantID string
	Handlers []Binding
}

// Config is one reactor instance's bound configuration.
type Config struct {
	ReactorID    string
	PollInterval time.Duration
}

const (
	defaultPollInterval = 250 * time.Millisecond

	// maxBatchPerTick bounds how many events one poll tick may drain so
	// cancellation is observed promptly even on a saturated stream.
	maxBatchPerTick = 256
)

// Reactor consumes the event stream and fans each event out to every
// tenant's matching handlers.
type Reactor struct {
	cfg     Config
	tenants map[string]*Tenant
	events  stream.Stream
	offsets OffsetStore
	lookup  func(kind string) *event.Kind

	offset int64
}

// New constructs a reactor bound to its event stream and offset store.
// lookup resolves a wire event's Kind name back to its registered
// *event.Kind (for template/schema fidelity); nil falls back to a
// synthetic Kind built from the wire payload's field list.
func New(cfg Config, tenants map[string]*Tenant, events stream.Stream, offsets OffsetStore, lookup func(string) *event.Kind) *Reactor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Reactor{cfg: cfg, tenants: tenants, events: events, offsets: offsets, lookup: lookup}
}

// Start binds each handler (Initialize), aggregating every
// CredentialsRequired across all handlers before returning a combined
// error, mirroring the engine's startup aggregation. It also resolves
// the starting offset: the last stored offset, or "from end" (the
// stream's current latest) if none was ever stored, so a fresh reactor
// never replays history.
func (r *Reactor) Start(ctx context.Context) error {
	var missing []*handler.CredentialsRequired
	for _, t := range r.tenants {
		for _, b := range t.Handlers {
			if err := b.Handler.Initialize(); err != nil {
				var cr *handler.CredentialsRequired
				if errors.As(err, &cr) {
					missing = append(missing, cr)
					continue
				}
				return fmt.Errorf("reactor %s: initialize handler %s: %w", r.cfg.ReactorID, b.Handler.HandlerName(), err)
			}
		}
	}
	if len(missing) > 0 {
		for _, cr := range missing {
			logging.Op().Error("credentials required", "reactor", r.cfg.ReactorID, "owner", cr.Owner, "ids", cr.IDs)
		}
		return fmt.Errorf("reactor %s: %d handler(s) missing credentials", r.cfg.ReactorID, len(missing))
	}

	stored, found, err := r.offsets.Load(ctx, r.cfg.ReactorID)
	if err != nil {
		return fmt.Errorf("reactor %s: load stored offset: %w", r.cfg.ReactorID, err)
	}
	if found {
		r.offset = stored
		return nil
	}
	latest, err := r.events.Latest(ctx)
	if err != nil {
		return fmt.Errorf("reactor %s: read latest offset: %w", r.cfg.ReactorID, err)
	}
	r.offset = latest
	return nil
}

// Run consumes the event stream until ctx is cancelled, dispatching each
// event to its tenant's matching handlers and storing the offset after
// every event.
func (r *Reactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := 0; i < maxBatchPerTick && ctx.Err() == nil; i++ {
				rec, err := r.events.Consume(ctx, r.offset)
				if errors.Is(err, stream.ErrNoRecord) {
					break
				}
				if err != nil {
					return fmt.Errorf("reactor %s: consume event stream: %w", r.cfg.ReactorID, err)
				}
				if err := r.dispatch(ctx, rec); err != nil {
					return err
				}
			}
		}
	}
}

// RunRange replays the event stream over [start, end] inclusive and
// returns once end has been processed, implementing the reactor CLI's
// `--rerun A[-B]` re-run mode. It does not touch the stored offset:
// re-runs are a read-only diagnostic/backfill pass.
func (r *Reactor) RunRange(ctx context.Context, start, end int64) error {
	after := start - 1
	for after < end && ctx.Err() == nil {
		rec, err := r.events.Consume(ctx, after)
		if errors.Is(err, stream.ErrNoRecord) {
			// The stored range outruns the stream; nothing left to replay.
			return nil
		}
		if err != nil {
			return fmt.Errorf("reactor %s: rerun consume: %w", r.cfg.ReactorID, err)
		}
		if rec.Offset > end {
			return nil
		}
		if err := r.route(ctx, rec); err != nil {
			return err
		}
		after = rec.Offset
	}
	return nil
}

// dispatch decodes one event-stream record, routes it, then durably
// stores the new offset.
func (r *Reactor) dispatch(ctx context.Context, rec *stream.Record) error {
	if err := r.route(ctx, rec); err != nil {
		return err
	}
	r.offset = rec.Offset
	if err := r.offsets.Save(ctx, r.cfg.ReactorID, r.offset); err != nil {
		return fmt.Errorf("reactor %s: store offset: %w", r.cfg.ReactorID, err)
	}
	return nil
}

// route resolves the event's tenant and fans it out to every matching
// handler in registration order.
func (r *Reactor) route(ctx context.Context, rec *stream.Record) error {
	tenantID, evt, err := event.DecodeEnvelope(rec.Payload, r.lookup)
	if err != nil {
		logging.Op().Warn("reactor: malformed event, skipping", "reactor", r.cfg.ReactorID, "offset", rec.Offset, "error", err)
		return nil
	}

	t, ok := r.tenants[tenantID]
	if !ok {
		logging.Op().Debug("reactor: event for unregistered tenant, skipping", "reactor", r.cfg.ReactorID, "tenant", tenantID)
		return nil
	}

	_, span := tracing.StartDispatch(ctx, r.cfg.ReactorID, t.TenantID, evt.ClassName())
	defer span.End()

	for _, b := range t.Handlers {
		selected, err := r.selects(b, evt)
		if err != nil {
			logging.Op().Warn("reactor: filter evaluation failed, skipping handler",
				"reactor", r.cfg.ReactorID, "handler", b.Handler.HandlerName(), "error", err)
			continue
		}
		if !selected {
			continue
		}

		start := time.Now()
		err = b.Handler.ProcessEvent(evt)
		metrics.ObserveHandlerDuration(r.cfg.ReactorID, b.Handler.HandlerName(), time.Since(start))

		result := "delivered"
		if err != nil {
			result = "error"
			tracing.RecordError(span, err)
			logging.Op().Error("reactor: handler failed", "reactor", r.cfg.ReactorID, "handler", b.Handler.HandlerName(), "error", err)
		}
		metrics.RecordDispatch(r.cfg.ReactorID, t.TenantID, b.Handler.HandlerName(), result)
	}
	return nil
}

// selects evaluates b's filter (if any) against evt, falling back to
// DefaultAction when no filter is configured.
func (r *Reactor) selects(b Binding, evt *event.Event) (bool, error) {
	if b.Filter == nil {
		return b.DefaultAction, nil
	}
	return b.Filter.Eval(evt)
}
