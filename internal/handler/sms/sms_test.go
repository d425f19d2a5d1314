package sms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagainz/correlator/internal/event"
)

type fakeGateway struct {
	sent []string
}

func (f *fakeGateway) Send(_ context.Context, _, _, _, to, body string) error {
	f.sent = append(f.sent, to+":"+body)
	return nil
}

func TestInitializeFailsWithoutCredential(t *testing.T) {
	h := New("sms1", Config{From: "+15550000", To: []string{"+15551234"}}, nil, &fakeGateway{})
	err := h.Initialize()
	require.Error(t, err)
}

func TestProcessEventSendsToEachRecipient(t *testing.T) {
	gw := &fakeGateway{}
	h := New("sms1", Config{From: "+15550000", To: []string{"+15551234", "+15555678"}}, nil, gw)
	h.accountSID = "ACtest"

	kind := &event.Kind{Name: "Demo", Schema: []event.Field{{Name: "detail"}}}
	evt, err := event.New(kind, map[string]any{"detail": "hello"}, "", event.Informational)
	require.NoError(t, err)

	require.NoError(t, h.ProcessEvent(evt))
	require.Len(t, gw.sent, 2)
}
