// Package logh implements the default Log handler: a severity-mapped
// structured log line naming the event's fq_id and rendered summary.
// Every installation wires at least one of these so dispatched events
// are visible even with no other handler configured.
package logh

import (
	"context"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/handler"
	"github.com/dagainz/correlator/internal/logging"
)

// Handler logs each event it receives at a level derived from its
// severity.
type Handler struct {
	handler.Base
	contentType string
}

// New constructs a Log handler. contentType selects which template table
// entry RenderSummary uses; defaults to "text/plain".
func New(name, contentType string) *Handler {
	if contentType == "" {
		contentType = "text/plain"
	}
	return &Handler{Base: handler.NewBase(name, nil), contentType: contentType}
}

func (h *Handler) Initialize() error { return nil }

func (h *Handler) ProcessEvent(evt *event.Event) error {
	summary := evt.RenderSummary(h.contentType)
	fields := []any{"fq_id", evt.FQID(), "class", evt.ClassName(), "system", evt.System(), "summary", summary}

	switch evt.Severity() {
	case event.Error:
		logging.Op().Error("event", fields...)
	case event.Warning:
		logging.Op().Warn("event", fields...)
	default:
		logging.Op().Info("event", fields...)
	}
	return nil
}

// GetCreds always returns nil: the log handler needs no credentials.
func (h *Handler) GetCreds(_ context.Context, _ string) ([]byte, error) { return nil, nil }
