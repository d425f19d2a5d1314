package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the portable, self-describing form of an Event used to
// cross the event stream: enough to reconstruct id, fq_id, severity,
// timestamp, payload and field ordering on a process that never linked
// the originating Kind.
type wireEvent struct {
	Version  int            `json:"version"`
	Kind     string         `json:"kind"`
	System   string         `json:"system"`
	Severity Severity       `json:"severity"`
	Fields   []string       `json:"fields"`
	Payload  map[string]any `json:"payload"`
}

const wireVersion = 1

// Encode serialises the event to its portable wire form.
func (e *Event) Encode() ([]byte, error) {
	w := wireEvent{
		Version:  wireVersion,
		Kind:     e.kind.Name,
		System:   e.system,
		Severity: e.severity,
		Fields:   e.FieldNames(),
		Payload:  e.payload,
	}
	return json.Marshal(w)
}

// Decode reconstructs an Event from its wire form. Because the receiving
// side (reactor, event tool) does not necessarily have the originating
// Kind's Go type registered, Decode accepts an optional registry lookup; if
// the kind is unknown a minimal synthetic Kind is built from the wire
// payload's field ordering so reconstruction never fails on an unrecognised
// event class (the reactor can still filter/log/route by system+severity).
func Decode(blob []byte, lookup func(kind string) *Kind) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(blob, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("decode event: unsupported wire version %d", w.Version)
	}

	var kind *Kind
	if lookup != nil {
		kind = lookup(w.Kind)
	}
	if kind == nil {
		kind = syntheticKind(w.Kind, w.Fields)
	}

	return &Event{
		kind:      kind,
		system:    w.System,
		severity:  w.Severity,
		payload:   w.Payload,
		timestamp: timestampFromPayload(w.Payload),
		rendered:  make(map[string]string),
	}, nil
}

func syntheticKind(name string, fields []string) *Kind {
	schema := make([]Field, 0, len(fields))
	for _, f := range fields {
		if f == "timestamp" {
			continue
		}
		schema = append(schema, Field{Name: f})
	}
	return &Kind{Name: name, Schema: schema}
}

func timestampFromPayload(payload map[string]any) time.Time {
	s, ok := payload["timestamp"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Envelope is the record actually committed to the event stream.
// Carrying tenant_id explicitly, rather than reverse-engineering it from
// Event.System(), keeps the event stream symmetric with the ingest
// stream's WireEnvelope.
type Envelope struct {
	TenantID string          `json:"tenant_id"`
	Event    json.RawMessage `json:"event"`
}

// EncodeEnvelope wraps evt's wire form together with its owning tenant
// for appending to the event stream.
func EncodeEnvelope(tenantID string, evt *Event) ([]byte, error) {
	blob, err := evt.Encode()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{TenantID: tenantID, Event: blob})
}

// DecodeEnvelope reconstructs the tenant id and Event from one event
// stream record.
func DecodeEnvelope(blob []byte, lookup func(kind string) *Kind) (string, *Event, error) {
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", nil, fmt.Errorf("decode event envelope: %w", err)
	}
	evt, err := Decode(env.Event, lookup)
	if err != nil {
		return "", nil, err
	}
	return env.TenantID, evt, nil
}
