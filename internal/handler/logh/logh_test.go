package logh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagainz/correlator/internal/event"
)

func TestHandlerProcessEvent(t *testing.T) {
	kind := &event.Kind{
		Name:   "Demo",
		Schema: []event.Field{{Name: "detail"}},
		Templates: map[string]event.Template{
			"text/plain": {Summary: "demo: ${detail}"},
		},
	}
	evt, err := event.New(kind, map[string]any{"detail": "hello"}, "", event.Informational)
	require.NoError(t, err)
	evt.SetSystem("tenant1.mod")

	h := New("log1", "")
	require.NoError(t, h.Initialize())
	require.NoError(t, h.ProcessEvent(evt))
}
