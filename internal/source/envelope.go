package source

import (
	"encoding/json"
	"time"
)

// RecordType distinguishes heartbeat keep-alives from real syslog data
// on the ingest stream.
type RecordType int

const (
	Heartbeat RecordType = iota
	SyslogData
)

// WireEnvelope is what crosses the ingest stream: a tenant/source-tagged,
// millisecond-timestamped frame. Payload is empty for Heartbeat and the
// raw (still unparsed) syslog frame for SyslogData; parsing happens
// once, in the engine.
type WireEnvelope struct {
	TenantID    string     `json:"tenant_id"`
	SourceID    string     `json:"source_id"`
	RecordType  RecordType `json:"record_type"`
	TimestampMs int64      `json:"timestamp_ms"`
	Payload     []byte     `json:"payload,omitempty"`
}

func nowMs() int64 { return time.Now().UnixMilli() }

func heartbeat(tenantID, sourceID string) WireEnvelope {
	return WireEnvelope{TenantID: tenantID, SourceID: sourceID, RecordType: Heartbeat, TimestampMs: nowMs()}
}

func syslogData(tenantID, sourceID string, payload []byte) WireEnvelope {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return WireEnvelope{TenantID: tenantID, SourceID: sourceID, RecordType: SyslogData, TimestampMs: nowMs(), Payload: cp}
}

// Encode serialises the envelope for the ingest stream.Stream.
func (e WireEnvelope) Encode() (json.RawMessage, error) {
	return json.Marshal(e)
}

// DecodeEnvelope reconstructs a WireEnvelope from a stream.Record payload.
func DecodeEnvelope(blob json.RawMessage) (WireEnvelope, error) {
	var e WireEnvelope
	err := json.Unmarshal(blob, &e)
	return e, err
}
