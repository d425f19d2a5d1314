// Package event implements the typed event model: schema-validated
// payloads, templated summary rendering, severity and the fq_id/system
// naming contract. Class-level behavior (schema, templates, severity
// override) lives on a shared Kind descriptor composed into each Event
// value rather than on a type hierarchy.
package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Severity classifies an event for logging and filter routing.
type Severity int

const (
	Informational Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "informational"
	}
}

// reservedFields may never appear as schema field names: timestamp is
// injected at construction and summary is derived at render time.
var reservedFields = map[string]bool{"timestamp": true, "summary": true}

// Field is one (name, description) entry of a Kind's schema.
type Field struct {
	Name        string
	Description string
}

// Template holds the per-content-type rendering definitions for a Kind. At
// minimum "text/plain" carries a Summary template; other content types
// (selectable through the log handler's content_type) may add more. The
// e-mail handler renders only "text/plain"; its HTML body comes from its
// own configuration.
type Template struct {
	Summary string
}

// Kind is the class-level descriptor shared by every event of the same
// name: its ordered schema, severity override and template table.
type Kind struct {
	Name             string
	Schema           []Field
	Templates        map[string]Template
	SeverityOverride *Severity
}

// ConstructionError reports a payload/schema mismatch at Event
// construction.
type ConstructionError struct {
	Kind   string
	Reason string
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("event %s: %s", e.Kind, e.Reason)
}

// validate checks that the Kind itself is well-formed: schema fields may
// not use the reserved names "timestamp"/"summary", and a kind whose name
// embeds a severity word may not override to a contradicting severity (a
// kind named *Warning* that forces Error is a typo in the descriptor, not
// a design choice, and is refused rather than silently honoured).
func (k *Kind) validate() error {
	for _, f := range k.Schema {
		if reservedFields[f.Name] {
			return &ConstructionError{Kind: k.Name, Reason: fmt.Sprintf("invalid field(s): %q is reserved", f.Name)}
		}
	}
	if k.SeverityOverride != nil {
		ov := *k.SeverityOverride
		if strings.Contains(k.Name, "Warning") && ov != Warning {
			return &ConstructionError{Kind: k.Name, Reason: fmt.Sprintf("severity override %s contradicts kind name", ov)}
		}
		if strings.Contains(k.Name, "Error") && ov != Error {
			return &ConstructionError{Kind: k.Name, Reason: fmt.Sprintf("severity override %s contradicts kind name", ov)}
		}
	}
	return nil
}

func (k *Kind) fieldSet() map[string]bool {
	set := make(map[string]bool, len(k.Schema))
	for _, f := range k.Schema {
		set[f.Name] = true
	}
	return set
}

// Event is the immutable value object that crosses module -> engine ->
// event stream -> reactor -> handler.
type Event struct {
	kind      *Kind
	system    string
	severity  Severity
	timestamp time.Time
	payload   map[string]any

	mu       sync.Mutex
	rendered map[string]string
}

// ClassName returns the event's schema/class identifier (the Kind name).
func (e *Event) ClassName() string { return e.kind.Name }

// FQID returns "<system>-<class-name>".
func (e *Event) FQID() string { return e.system + "-" + e.kind.Name }

// System returns the originating module name, defaulting to "system" until a
// module sets it via SetSystem/dispatch.
func (e *Event) System() string { return e.system }

// SetSystem is called by the module runtime's dispatch path to stamp the
// event with the dispatching module's name.
func (e *Event) SetSystem(system string) { e.system = system }

func (e *Event) Severity() Severity   { return e.severity }
func (e *Event) Timestamp() time.Time { return e.timestamp }

// Payload returns a copy of the event's payload (including the injected
// "timestamp" field), so callers cannot mutate the immutable event.
func (e *Event) Payload() map[string]any {
	cp := make(map[string]any, len(e.payload))
	for k, v := range e.payload {
		cp[k] = v
	}
	return cp
}

// Schema exposes the Kind's field descriptors, in order.
func (e *Event) Schema() []Field { return e.kind.Schema }

// FieldNames returns the ordered schema field names, "timestamp" first,
// used by position-dependent handlers such as CSV.
func (e *Event) FieldNames() []string {
	names := make([]string, 0, len(e.kind.Schema)+1)
	names = append(names, "timestamp")
	for _, f := range e.kind.Schema {
		if f.Name != "timestamp" {
			names = append(names, f.Name)
		}
	}
	return names
}

// New constructs an Event of the given Kind. payload must contain
// exactly the kind's schema fields; value normalisation and severity
// resolution happen here.
func New(kind *Kind, payload map[string]any, summary string, severity Severity) (*Event, error) {
	if kind == nil {
		return nil, &ConstructionError{Kind: "<nil>", Reason: "nil event kind"}
	}
	if err := kind.validate(); err != nil {
		return nil, err
	}

	want := kind.fieldSet()
	var extra, missing []string
	for k := range payload {
		if !want[k] {
			extra = append(extra, k)
		}
	}
	for k := range want {
		if _, ok := payload[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, &ConstructionError{Kind: kind.Name, Reason: fmt.Sprintf("extra field(s): %s", strings.Join(extra, ", "))}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ConstructionError{Kind: kind.Name, Reason: fmt.Sprintf("missing field(s): %s", strings.Join(missing, ", "))}
	}

	normalised := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		nv, err := normaliseValue(v)
		if err != nil {
			return nil, &ConstructionError{Kind: kind.Name, Reason: err.Error()}
		}
		normalised[k] = nv
	}

	now := time.Now()
	normalised["timestamp"] = now.Format("2006-01-02 15:04:05")

	eventSeverity := severity
	if kind.SeverityOverride != nil {
		eventSeverity = *kind.SeverityOverride
	}

	return &Event{
		kind:      kind,
		system:    "system",
		severity:  eventSeverity,
		timestamp: now,
		payload:   normalised,
		rendered:  make(map[string]string),
	}, nil
}

// normaliseValue keeps payload values scalar: strings/ints/floats pass
// through, datetimes are formatted, nil becomes the literal "None",
// anything else is a construction error.
func normaliseValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return "None", nil
	case string, int, int64, float64, float32, bool:
		return val, nil
	case time.Time:
		return val.Format("2006-01-02 15:04:05"), nil
	default:
		return nil, fmt.Errorf("unsupported payload value type %T", v)
	}
}

// RenderSummary renders templates[contentType].Summary against the
// payload, memoised by (event, content-type): rendering is pure, so the
// second call returns the cached string. Falls back to a repr-style
// rendering if no template is registered for contentType.
func (e *Event) RenderSummary(contentType string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.rendered[contentType]; ok {
		return cached
	}

	var out string
	if tmpl, ok := e.kind.Templates[contentType]; ok && tmpl.Summary != "" {
		out = substitute(tmpl.Summary, e.payload)
	} else {
		out = e.reprSummary()
	}
	e.rendered[contentType] = out
	return out
}

func (e *Event) reprSummary() string {
	names := make([]string, 0, len(e.payload))
	for k := range e.payload {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.payload[k]))
	}
	return fmt.Sprintf("%s: %s", e.kind.Name, strings.Join(parts, ", "))
}

// substitute implements "${name}" interpolation: only flat ${field}
// substitution over the payload map, no control flow.
func substitute(tmpl string, payload map[string]any) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '$' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end >= 0 {
				name := tmpl[i+2 : i+2+end]
				if v, ok := payload[name]; ok {
					fmt.Fprintf(&b, "%v", v)
				}
				i = i + 2 + end + 1
				continue
			}
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String()
}
