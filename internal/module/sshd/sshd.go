// Package sshd implements the reference correlator module for OpenSSH
// server logins: it ties failed/accepted/open/close PAM messages into
// login sessions with a two-state machine per (hostname, proc-id)
// (0 = no session open, 1 = session open), rate-limits failures per
// source host with a sliding-window counter, and reaps abandoned
// transactions on an hourly sweep.
package sshd

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/module"
	"github.com/dagainz/correlator/internal/ratewindow"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/syslog"
)

const (
	defaultFailureWindow     = 300 * time.Second
	defaultFailureLimit      = 5
	defaultMaxTransactionAge = 60 // minutes
)

var (
	reInvalidUser      = regexp.MustCompile(`^Invalid user (\S+) from (\S+) port (\d+)`)
	rePasswordFailure1 = regexp.MustCompile(`^Failed password for (\S+) from (\S+) port (\S+)`)
	rePasswordFailure2 = regexp.MustCompile(`^Failed password for invalid user (\S+) from (\S+) port (\S+)`)
	reAuthFailure      = regexp.MustCompile(`authentication failure;\s+(.+)\s*$`)
	reAcceptedPubkey   = regexp.MustCompile(`^Accepted publickey for (\S+) from (\S+) port (\S+) ssh2: RSA (\S+)`)
	reAcceptedPassword = regexp.MustCompile(`^Accepted password for (\S+) from (\S+) port (\S+)`)
	reSessionOpened    = regexp.MustCompile(`^pam_unix\(sshd:session\): session opened for user (\S+) by (\S+)`)
)

// Kinds used by this module, registered once and shared by every event
// instance it dispatches.
var (
	kindLoginSucceeded = &event.Kind{
		Name:   "SSHDLoginSucceeded",
		Schema: Field("auth", "user", "addr", "port", "key", "failures", "start", "finish", "duration"),
		Templates: map[string]event.Template{
			"text/plain": {Summary: "login by ${user} from ${addr} (auth=${auth}, failures=${failures})"},
		},
	}
	kindLoginFailed = &event.Kind{
		Name:   "SSHDLoginFailed",
		Schema: Field("user", "addr", "port", "failures"),
		Templates: map[string]event.Template{
			"text/plain": {Summary: "login denied for ${user} from ${addr} after ${failures} failure(s)"},
		},
		SeverityOverride: severityPtr(event.Warning),
	}
	kindLoginsExceeded = &event.Kind{
		Name:   "SSHDAttemptsExceeded",
		Schema: Field("host"),
		Templates: map[string]event.Template{
			"text/plain": {Summary: "login failure rate exceeded for host ${host}"},
		},
		SeverityOverride: severityPtr(event.Error),
	}
	kindStats = &event.Kind{
		Name:   "SSHDStats",
		Schema: Field("login_sessions", "denied", "lockouts", "expired"),
		Templates: map[string]event.Template{
			"text/plain": {Summary: "${login_sessions} total successful logins, ${denied} unsuccessful logins, ${lockouts} lockouts, ${expired} expired"},
		},
	}
)

func severityPtr(s event.Severity) *event.Severity { return &s }

// Field is a small helper constructing an event.Field slice from bare
// names (none of this module's events need descriptions).
func Field(names ...string) []event.Field {
	fields := make([]event.Field, len(names))
	for i, n := range names {
		fields[i] = event.Field{Name: n}
	}
	return fields
}

type transaction struct {
	TimestampCreated time.Time `json:"timestamp_created"`
	Auth             string    `json:"auth"`
	User             string    `json:"user"`
	Addr             string    `json:"addr"`
	Port             string    `json:"port"`
	Key              string    `json:"key"`
	Failures         int       `json:"failures"`
	Start            string    `json:"start,omitempty"`
}

// store is this module's durable state: everything needed to resume the
// per-host state machine across a restart.
type store struct {
	States       map[string]int          `json:"states"`
	Transactions map[string]*transaction `json:"transactions"`

	LoginSessions int `json:"login_sessions"`
	Denied        int `json:"denied"`
	Lockouts      int `json:"lockouts"`
	Expired       int `json:"expired"`
}

func newStore() *store {
	return &store{States: map[string]int{}, Transactions: map[string]*transaction{}}
}

// Module is the SSHD login correlator.
type Module struct {
	module.Base

	cfg               module.Config
	failureWindow     time.Duration
	failureLimit      int64
	maxTransactionAge time.Duration
	addressStore      *ratewindow.Window

	// now is overridden in tests to drive the expiry sweep without
	// sleeping.
	now func() time.Time

	store *store
}

// New constructs an unbound SSHD module instance. fqName is the engine's
// "tenant.module" name; sink is the engine's event queue.
func New(fqName string, sink module.Sink) *Module {
	return &Module{Base: module.NewBase(fqName, sink), now: time.Now}
}

func (m *Module) Initialize(cfg *runtimeconfig.Store) error {
	m.cfg = module.NewConfig(cfg, m.Name())
	if err := m.cfg.Add([]runtimeconfig.Item{
		{Key: "login_failure_window", Type: runtimeconfig.Integer, Default: int64(defaultFailureWindow / time.Second)},
		{Key: "login_failure_limit", Type: runtimeconfig.Integer, Default: int64(defaultFailureLimit)},
		{Key: "max_transaction_age", Type: runtimeconfig.Integer, Default: int64(defaultMaxTransactionAge)},
	}); err != nil {
		return err
	}

	windowSeconds, err := m.cfg.GetInt("login_failure_window")
	if err != nil {
		return err
	}
	limit, err := m.cfg.GetInt("login_failure_limit")
	if err != nil {
		return err
	}
	maxAgeMinutes, err := m.cfg.GetInt("max_transaction_age")
	if err != nil {
		return err
	}

	m.failureWindow = time.Duration(windowSeconds) * time.Second
	m.failureLimit = limit
	m.maxTransactionAge = time.Duration(maxAgeMinutes) * time.Minute
	m.addressStore = ratewindow.New(m.failureWindow)
	if m.now == nil {
		m.now = time.Now
	}
	return nil
}

// TimerHour implements module.HourTimer: the maintenance sweep reaping
// any open transaction older than max_transaction_age without emitting a
// login event for it.
func (m *Module) TimerHour() {
	cutoff := m.now().Add(-m.maxTransactionAge)
	for id, trans := range m.store.Transactions {
		if trans.TimestampCreated.Before(cutoff) {
			delete(m.store.Transactions, id)
			delete(m.store.States, id)
			m.store.Expired++
		}
	}
}

func (m *Module) PostInitStore() {
	if m.store == nil {
		m.store = newStore()
	}
}

func (m *Module) StoreState() (json.RawMessage, error) { return json.Marshal(m.store) }

func (m *Module) RestoreState(blob json.RawMessage) error {
	s := newStore()
	if err := json.Unmarshal(blob, s); err != nil {
		return err
	}
	m.store = s
	return nil
}

func (m *Module) Statistics(reset bool) {
	m.DispatchEvent(mustEvent(kindStats, map[string]any{
		"login_sessions": m.store.LoginSessions,
		"denied":         m.store.Denied,
		"lockouts":       m.store.Lockouts,
		"expired":        m.store.Expired,
	}))
	if reset {
		m.store.LoginSessions = 0
		m.store.Denied = 0
		m.store.Lockouts = 0
		m.store.Expired = 0
	}
}

func mustEvent(kind *event.Kind, payload map[string]any) *event.Event {
	evt, err := event.New(kind, payload, "", event.Informational)
	if err != nil {
		// The module's own literal payloads always satisfy their own
		// schema; a mismatch here is a programming error in this file.
		panic(err)
	}
	return evt
}

func detectInvalidUser(s string) map[string]string {
	m := reInvalidUser.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	return map[string]string{"user": m[1], "addr": m[2], "port": m[3]}
}

func detectPasswordFailure(s string) map[string]string {
	m := rePasswordFailure1.FindStringSubmatch(s)
	if m == nil {
		m = rePasswordFailure2.FindStringSubmatch(s)
	}
	if m == nil {
		return nil
	}
	return map[string]string{"user": m[1], "addr": m[2], "port": m[3]}
}

func detectAuthFailure(s string) map[string]string {
	m := reAuthFailure.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	props := map[string]string{}
	for _, kv := range strings.Fields(m[1]) {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			props[kv[:idx]] = kv[idx+1:]
		}
	}
	return props
}

func detectAccepted(s string) map[string]string {
	if m := reAcceptedPubkey.FindStringSubmatch(s); m != nil {
		return map[string]string{"auth": "rsa", "user": m[1], "addr": m[2], "port": m[3], "key": m[4]}
	}
	if m := reAcceptedPassword.FindStringSubmatch(s); m != nil {
		return map[string]string{"auth": "password", "user": m[1], "addr": m[2], "port": m[3], "key": ""}
	}
	return nil
}

func detectOpen(s string) map[string]string {
	m := reSessionOpened.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	return map[string]string{"user": m[1], "by": m[2]}
}

func detectClose(s string) bool {
	return strings.HasPrefix(s, "Connection closed") ||
		strings.HasPrefix(s, "pam_unix(sshd:session): session closed")
}

// HandleRecord advances the per-(hostname,proc-id) state machine by one
// syslog detail line.
func (m *Module) HandleRecord(rec *syslog.Record) error {
	if rec == nil || rec.HasError() {
		return nil
	}
	if !strings.EqualFold(rec.AppName, "sshd") {
		return nil
	}

	identifier := rec.Hostname + "." + rec.ProcID
	state, known := m.store.States[identifier]

	if !known {
		if props := detectAccepted(rec.Detail); props != nil {
			m.store.States[identifier] = 0
			m.store.Transactions[identifier] = &transaction{
				TimestampCreated: rec.Timestamp,
				Auth:             props["auth"], User: props["user"], Addr: props["addr"],
				Port: props["port"], Key: props["key"],
			}
			m.addressStore.Clear(props["addr"])
			return nil
		}
		if props := detectAuthFailure(rec.Detail); props != nil {
			m.store.States[identifier] = 0
			m.store.Transactions[identifier] = &transaction{TimestampCreated: rec.Timestamp, User: props["user"], Addr: props["rhost"]}
			return nil
		}
		if props := detectInvalidUser(rec.Detail); props != nil {
			m.store.States[identifier] = 0
			m.store.Transactions[identifier] = &transaction{TimestampCreated: rec.Timestamp, User: props["user"], Addr: props["addr"]}
			return nil
		}
		return nil
	}

	trans := m.store.Transactions[identifier]

	switch state {
	case 0:
		if props := detectPasswordFailure(rec.Detail); props != nil {
			host := props["addr"]
			trans.Failures++
			failures := m.addressStore.Add(host, rec.Timestamp)
			if int64(failures) > m.failureLimit {
				m.DispatchEvent(mustEvent(kindLoginsExceeded, map[string]any{"host": host}))
				m.store.Lockouts++
				m.addressStore.Clear(host)
			}
			return nil
		}
		if detectOpen(rec.Detail) != nil {
			trans.Start = rec.Timestamp.Format("2006-01-02 15:04:05")
			m.store.States[identifier] = 1
			return nil
		}
		if props := detectAccepted(rec.Detail); props != nil {
			trans.Auth, trans.User, trans.Addr, trans.Port, trans.Key =
				props["auth"], props["user"], props["addr"], props["port"], props["key"]
			m.addressStore.Clear(props["addr"])
			// A single detail line is never both an accept and a
			// close; the tick ends here.
			return nil
		}
		if detectClose(rec.Detail) {
			m.store.Denied++
			m.DispatchEvent(mustEvent(kindLoginFailed, map[string]any{
				"user": trans.User, "addr": trans.Addr, "port": trans.Port, "failures": trans.Failures,
			}))
			return nil
		}
	case 1:
		if detectClose(rec.Detail) {
			finish := rec.Timestamp
			var duration string
			if start, err := time.Parse("2006-01-02 15:04:05", trans.Start); err == nil {
				duration = finish.Sub(start).String()
			}
			m.store.LoginSessions++
			m.DispatchEvent(mustEvent(kindLoginSucceeded, map[string]any{
				"auth": trans.Auth, "user": trans.User, "addr": trans.Addr, "port": trans.Port,
				"key": trans.Key, "failures": trans.Failures, "start": trans.Start,
				"finish": finish.Format("2006-01-02 15:04:05"), "duration": duration,
			}))
			delete(m.store.Transactions, identifier)
			delete(m.store.States, identifier)
		}
	}
	return nil
}
