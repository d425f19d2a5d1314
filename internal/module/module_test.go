package module

import (
	"testing"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []*event.Event
}

func (f *fakeSink) Emit(evt *event.Event) { f.events = append(f.events, evt) }

func TestDispatchEventStampsSystem(t *testing.T) {
	sink := &fakeSink{}
	base := NewBase("tenant1.sshd_logins", sink)

	kind := &event.Kind{Name: "Ping"}
	evt, err := event.New(kind, map[string]any{}, "", event.Informational)
	require.NoError(t, err)

	base.DispatchEvent(evt)
	require.Len(t, sink.events, 1)
	require.Equal(t, "tenant1.sshd_logins", sink.events[0].System())
}

func TestConfigNamespacesKeys(t *testing.T) {
	store := runtimeconfig.New()
	cfg := NewConfig(store, "sshd_logins")
	require.NoError(t, cfg.Add([]runtimeconfig.Item{
		{Key: "login_failure_limit", Type: runtimeconfig.Integer, Default: int64(5)},
	}))

	n, err := cfg.GetInt("login_failure_limit")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
