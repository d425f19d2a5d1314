package event

// SimpleErrorKind is the engine-wide event dispatched whenever a record
// fails to parse: the record is skipped and this event takes its place
// on the event stream so operators see the failure without the pipeline
// stalling.
var SimpleErrorKind = &Kind{
	Name:   "SimpleError",
	Schema: []Field{{Name: "detail", Description: "parse or processing failure message"}},
	Templates: map[string]Template{
		"text/plain": {Summary: "error: ${detail}"},
	},
	SeverityOverride: severityPtr(Error),
}

func severityPtr(s Severity) *Severity { return &s }
