// Package module defines the pluggable correlator contract: a Module
// owns one durable store, consumes syslog records, and dispatches
// Events. Modules are registered at compile time; the config loader
// resolves a topology entry's (path, class) pair against that registry
// rather than loading anything reflectively.
package module

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/syslog"
)

// CredentialsRequired is raised from Initialize when a module needs
// secrets that are not present in the credential store. The engine logs
// every id in IDs and aborts startup.
type CredentialsRequired struct {
	Owner string
	IDs   []string
}

func (e *CredentialsRequired) Error() string {
	return fmt.Sprintf("%s: credentials required: %v", e.Owner, e.IDs)
}

// FatalError wraps any error raised from HandleRecord. The engine treats
// it as unrecoverable: it stops without checkpointing so the envelope
// can be replayed after intervention.
type FatalError struct {
	Module string
	Err    error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Module, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Sink is how a module hands emitted events back to the engine. The
// engine implementation queues events in arrival order and flushes them
// after the envelope finishes processing.
type Sink interface {
	Emit(evt *event.Event)
}

// Timer callback interfaces are each a single method so a module
// implements only the boundaries it cares about; the engine's ticker
// type-asserts a module against each of these independently on every
// minute-boundary tick instead of requiring one monolithic Timers
// interface.
type MinuteTimer interface{ TimerMinute() }
type FiveMinuteTimer interface{ Timer5Minutes() }
type TenMinuteTimer interface{ Timer10Minutes() }
type FifteenMinuteTimer interface{ Timer15Minutes() }
type ThirtyMinuteTimer interface{ Timer30Minutes() }
type HourTimer interface{ TimerHour() }

// HourMinuteTimer is implemented by modules that want a single specific
// daily callback, e.g. midnight maintenance.
type HourMinuteTimer interface {
	Hour() int
	Minute() int
	TimerAt()
}

// EventReplayer is implemented by modules that need to observe events on
// the event stream, not just the syslog records that drive HandleRecord.
// The engine only subscribes to the event stream for replay at all if at
// least one module in its topology implements this.
type EventReplayer interface {
	HandleEvent(evt *event.Event) error
}

// Module is the compile-time-registered correlator contract.
type Module interface {
	// Name is the module instance's fully qualified name ("tenant.module"),
	// set by the engine at construction and used for store keys, the
	// event fq_id system field, and config namespacing.
	Name() string

	// Initialize is called once after configuration is bound. It may
	// return *CredentialsRequired or a plain error (config problem);
	// both abort engine startup.
	Initialize(cfg *runtimeconfig.Store) error

	// PostInitStore is called once after the store has been bound,
	// either freshly constructed or restored from a snapshot.
	PostInitStore()

	// HandleRecord is the only entry point during normal operation. An
	// error return is always treated as fatal.
	HandleRecord(rec *syslog.Record) error

	// Statistics emits a *Stats event describing the module's counters
	// and, if reset is true, zeroes them afterward.
	Statistics(reset bool)

	// StoreState returns the module's current store, serialised for
	// the engine snapshot.
	StoreState() (json.RawMessage, error)

	// RestoreState rebinds the module's store from a previously saved
	// snapshot blob. Called instead of a fresh store() when the engine
	// recovers prior state for this module's fq-name.
	RestoreState(blob json.RawMessage) error
}

// Base is embedded by concrete modules to provide the name/sink/dispatch
// plumbing common to all of them.
type Base struct {
	name string
	sink Sink
	mu   sync.Mutex
}

// NewBase constructs the embeddable module base. fqName is "tenant.module".
func NewBase(fqName string, sink Sink) Base {
	return Base{name: fqName, sink: sink}
}

func (b *Base) Name() string { return b.name }

// DispatchEvent stamps evt with this module's name as its system and
// hands it to the engine's sink.
func (b *Base) DispatchEvent(evt *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt.SetSystem(b.name)
	b.sink.Emit(evt)
}

// Config wraps a runtimeconfig.Store with a fixed "module.<name>."
// prefix so a module's Initialize can register and read its own options
// without repeating the namespace at every call site.
type Config struct {
	store *runtimeconfig.Store
	name  string
}

// NewConfig binds a namespaced config accessor for moduleName.
func NewConfig(cfg *runtimeconfig.Store, moduleName string) Config {
	return Config{store: cfg, name: moduleName}
}

// Add registers items under "module.<name>.".
func (c Config) Add(items []runtimeconfig.Item) error {
	return c.store.Register(items, "module", c.name)
}

func (c Config) key(k string) string {
	return runtimeconfig.FullyQualify("module", c.name, k)
}

func (c Config) GetInt(key string) (int64, error)     { return c.store.GetInt(c.key(key)) }
func (c Config) GetString(key string) (string, error) { return c.store.GetString(c.key(key)) }
func (c Config) GetBool(key string) (bool, error)     { return c.store.GetBool(c.key(key)) }
