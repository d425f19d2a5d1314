package sshd

import (
	"testing"
	"time"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/syslog"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []*event.Event
}

func (f *fakeSink) Emit(evt *event.Event) { f.events = append(f.events, evt) }

func newTestModule(t *testing.T) (*Module, *fakeSink) {
	sink := &fakeSink{}
	m := New("tenant1.sshd_logins", sink)
	require.NoError(t, m.Initialize(runtimeconfig.New()))
	m.PostInitStore()
	return m, sink
}

func record(hostname, procID, detail string) *syslog.Record {
	return &syslog.Record{
		Hostname:  hostname,
		ProcID:    procID,
		AppName:   "sshd",
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

func TestHappyLoginEmitsSucceededEvent(t *testing.T) {
	m, sink := newTestModule(t)

	require.NoError(t, m.HandleRecord(record("host1", "123", "Accepted password for alice from 10.0.0.1 port 4000")))
	require.NoError(t, m.HandleRecord(record("host1", "123", "pam_unix(sshd:session): session opened for user alice by (uid=0)")))
	require.NoError(t, m.HandleRecord(record("host1", "123", "pam_unix(sshd:session): session closed for user alice")))

	require.Len(t, sink.events, 1)
	require.Equal(t, "SSHDLoginSucceeded", sink.events[0].ClassName())
	require.Equal(t, 1, m.store.LoginSessions)
	_, stillOpen := m.store.States["host1.123"]
	require.False(t, stillOpen)
}

func TestRepeatedFailuresTriggerLockout(t *testing.T) {
	m, sink := newTestModule(t)

	require.NoError(t, m.HandleRecord(record("host1", "123",
		"authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.1  user=baduser")))

	// With the default limit of 5, the first five failures stay below
	// the lockout threshold; the sixth exceeds it.
	for i := 0; i < 5; i++ {
		require.NoError(t, m.HandleRecord(record("host1", "123",
			"Failed password for baduser from 10.0.0.1 port 4000")))
		require.Equal(t, 0, m.store.Lockouts)
	}
	require.NoError(t, m.HandleRecord(record("host1", "123",
		"Failed password for baduser from 10.0.0.1 port 4000")))

	var lockouts int
	for _, e := range sink.events {
		if e.ClassName() == "SSHDAttemptsExceeded" {
			lockouts++
		}
	}
	require.Equal(t, 1, lockouts)
	require.Equal(t, 1, m.store.Lockouts)
}

func TestFailedLoginEmitsDeniedEvent(t *testing.T) {
	m, sink := newTestModule(t)

	require.NoError(t, m.HandleRecord(record("host1", "123",
		"authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=10.0.0.1  user=baduser")))
	require.NoError(t, m.HandleRecord(record("host1", "123",
		"Failed password for baduser from 10.0.0.1 port 4000")))
	require.NoError(t, m.HandleRecord(record("host1", "123", "Connection closed by authenticating user baduser 10.0.0.1 port 4000 [preauth]")))

	require.Equal(t, 1, m.store.Denied)
	var saw bool
	for _, e := range sink.events {
		if e.ClassName() == "SSHDLoginFailed" {
			saw = true
		}
	}
	require.True(t, saw)
}

func TestNonSSHDAppNameIgnored(t *testing.T) {
	m, _ := newTestModule(t)
	rec := record("host1", "1", "Accepted password for alice from 10.0.0.1 port 4000")
	rec.AppName = "cron"
	require.NoError(t, m.HandleRecord(rec))
	require.Empty(t, m.store.States)
}

func TestStatisticsEmitsStatsEvent(t *testing.T) {
	m, sink := newTestModule(t)
	m.store.LoginSessions = 2
	m.Statistics(true)

	require.Len(t, sink.events, 1)
	require.Equal(t, "SSHDStats", sink.events[0].ClassName())
	require.Equal(t, 0, m.store.LoginSessions)
}

func TestExpirySweepReapsStaleTransaction(t *testing.T) {
	m, sink := newTestModule(t)

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.HandleRecord(&syslog.Record{
		Hostname: "host1", ProcID: "123", AppName: "sshd",
		Detail:    "Accepted password for alice from 10.0.0.1 port 4000",
		Timestamp: t0,
	}))
	require.Contains(t, m.store.Transactions, "host1.123")

	m.now = func() time.Time { return t0.Add(m.maxTransactionAge + time.Minute) }
	m.TimerHour()

	require.NotContains(t, m.store.Transactions, "host1.123")
	require.NotContains(t, m.store.States, "host1.123")
	require.Equal(t, 1, m.store.Expired)
	require.Empty(t, sink.events)
}

func TestStoreStateRoundTrips(t *testing.T) {
	m, _ := newTestModule(t)
	require.NoError(t, m.HandleRecord(record("host1", "123", "Accepted password for alice from 10.0.0.1 port 4000")))

	blob, err := m.StoreState()
	require.NoError(t, err)

	m2, _ := newTestModule(t)
	require.NoError(t, m2.RestoreState(blob))
	require.Contains(t, m2.store.Transactions, "host1.123")
}
