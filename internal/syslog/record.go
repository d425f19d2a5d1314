// Package syslog implements the RFC 5424 framing and structured-data
// parser: trailer auto-discovery, header parsing, BOM stripping and
// naive-timestamp normalisation. Header parsing is regex-first; the
// structured-data block is consumed by a small two-state scanner.
package syslog

import (
	"bytes"
	"fmt"
	"regexp"
	"time"
)

// mainHeaderPattern matches <PRI>VERSION TIMESTAMP HOSTNAME APPNAME
// PROCID MSGID REST, anchored at the start of the record.
var mainHeaderPattern = regexp.MustCompile(
	`^<(\d+)>(\d) (\S+) (\S+) (\S+) (\S+) (\S+) (.+)$`,
)

var sdOpenPattern = regexp.MustCompile(`^\[(\w+) (.*)$`)
var sdClosePattern = regexp.MustCompile(`^\](.*)$`)
var sdParamPattern = regexp.MustCompile(`^(.+?)="([^"]*)"\s*(.*)$`)

const bom = "\xef\xbb\xbf"

// Parser error surface. Exactly one of these lands in Record.ParseError
// when parsing fails.
const (
	ErrFirstStageParse   = "1st stage parse failure"
	ErrCannotParseTime   = "Cannot parse timestamp"
	ErrStructuredDataFmt = "Cannot parse structured data: %s"
)

// StructuredData maps SD element id -> param name -> param value.
type StructuredData map[string]map[string]string

// RawRecord is a minimally-parsed form: it carries the header fields and
// structured data but is never handed to a module. Trailer discovery does
// not use it; it works from SDataFromRaw.
type RawRecord struct {
	Priority       string
	Version        string
	TimestampStr   string
	Hostname       string
	AppName        string
	ProcID         string
	MsgID          string
	Detail         string
	StructuredData StructuredData
}

// Record is the immutable parsed form of a syslog message, owned by the
// consuming module for the duration of handling one record.
type Record struct {
	Timestamp      time.Time
	Priority       string
	Hostname       string
	AppName        string
	ProcID         string
	MsgID          string
	Detail         string
	StructuredData StructuredData
	Raw            []byte
	ParseError     string
}

// HasError reports whether parsing failed; such records must be dispatched
// as a SimpleError event and skipped.
func (r *Record) HasError() bool { return r.ParseError != "" }

// stripBOM removes every occurrence of the UTF-8 BOM byte run from raw
// before decoding.
func stripBOM(raw []byte) []byte {
	return bytes.ReplaceAll(raw, []byte(bom), nil)
}

// Parse parses one complete framed record (trailer already stripped) into a
// Record. It never returns a Go error: parse failures are reported via
// Record.ParseError so the caller can uniformly dispatch a SimpleError event
// and continue.
func Parse(raw []byte) *Record {
	rec := &Record{Raw: raw}

	decoded := string(stripBOM(raw))
	m := mainHeaderPattern.FindStringSubmatch(decoded)
	if m == nil {
		rec.ParseError = ErrFirstStageParse
		return rec
	}

	priority, _, timestampStr, hostname, appname, procid, msgid, rest := m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8]

	ts, err := parseNaiveTimestamp(timestampStr)
	if err != nil {
		rec.ParseError = ErrCannotParseTime
		return rec
	}

	detail, sd, err := parseStructuredData(rest)
	if err != nil {
		rec.ParseError = fmt.Sprintf(ErrStructuredDataFmt, err.Error())
		return rec
	}

	rec.Timestamp = ts
	rec.Priority = priority
	rec.Hostname = hostname
	rec.AppName = appname
	rec.ProcID = procid
	rec.MsgID = msgid
	rec.Detail = detail
	rec.StructuredData = sd
	return rec
}

// parseNaiveTimestamp parses an ISO-8601 timestamp with an optional
// timezone and returns the same wall-clock fields attached to time.UTC,
// discarding the timezone arithmetic. Downstream modules and templates
// treat timestamps as comparable scalars, never as zoned instants.
func parseNaiveTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
	}
	var t time.Time
	var err error
	for _, layout := range layouts {
		t, err = time.Parse(layout, s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
}

// sdParseError names structured-data parse failures distinctly from
// ordinary parser plumbing errors.
type sdParseError struct{ msg string }

func (e *sdParseError) Error() string { return e.msg }

// parseStructuredData runs a two-state machine over the header's REST:
// state 1 expects either "- detail" (no SD), an opening "[ID ...", or,
// once at least one element has been parsed, the free-form detail; state
// 2 consumes KEY="VALUE" pairs until the closing "]".
func parseStructuredData(rest string) (string, StructuredData, error) {
	state := 1
	hasSD := false
	var elementID string
	sd := StructuredData{}
	data := rest

	for {
		if data == "" {
			return "", nil, &sdParseError{"Ran out of content"}
		}
		switch state {
		case 1:
			if !hasSD && len(data) >= 2 && data[0] == '-' && (data[1] == ' ' || data[1] == '\t') {
				return trimLeft(data[1:]), sd, nil
			}
			m := sdOpenPattern.FindStringSubmatch(data)
			if m == nil {
				if !hasSD {
					return "", nil, &sdParseError{fmt.Sprintf("SD-DATA %s parse failed", data)}
				}
				return trimLeft(data), sd, nil
			}
			elementID = m[1]
			data = m[2]
			state = 2
		case 2:
			if m := sdClosePattern.FindStringSubmatch(data); m != nil {
				data = m[1]
				state = 1
				continue
			}
			m := sdParamPattern.FindStringSubmatch(data)
			if m == nil {
				return "", nil, &sdParseError{fmt.Sprintf("SD-DATA Key/Value %s parse failed", data)}
			}
			if sd[elementID] == nil {
				sd[elementID] = map[string]string{}
			}
			sd[elementID][m[1]] = m[2]
			hasSD = true
			data = m[3]
		}
	}
}

func trimLeft(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return s[i:]
}

// SDataFromRaw runs enough of the parse to recover structured data from
// a raw block, used only for trailer discovery. It never errors: a block
// that doesn't match the header or SD grammar simply yields an empty map.
func SDataFromRaw(block []byte) StructuredData {
	decoded := string(stripBOM(block))
	m := mainHeaderPattern.FindStringSubmatch(decoded)
	if m == nil {
		return StructuredData{}
	}
	_, sd, err := parseStructuredData(m[8])
	if err != nil {
		return StructuredData{}
	}
	return sd
}
