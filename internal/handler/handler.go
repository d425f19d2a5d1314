// Package handler defines the terminal-consumer contract: a Handler
// renders and delivers one Event to an external sink (log line, CSV row,
// e-mail, SMS). Handlers are registered the same way modules are: the
// application config loader looks a handler up by a compile-time id.
// Handler credentials follow the same CredentialsRequired contract as
// modules.
package handler

import (
	"context"
	"fmt"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/secrets"
)

// CredentialsRequired is raised from Initialize when a handler needs
// secrets that are not present in the credential store. The reactor logs
// every id in IDs and aborts startup, mirroring module.CredentialsRequired.
type CredentialsRequired struct {
	Owner string
	IDs   []string
}

func (e *CredentialsRequired) Error() string {
	return fmt.Sprintf("%s: credentials required: %v", e.Owner, e.IDs)
}

// Handler is the terminal-consumer contract every reference handler (and
// any future one) implements.
type Handler interface {
	// HandlerName identifies this handler instance for logging, metrics
	// and credential-store namespacing.
	HandlerName() string

	// Initialize is called once at reactor startup. It may return
	// *CredentialsRequired (fatal startup, aggregated with other
	// handlers' missing credentials) or a plain error.
	Initialize() error

	// ProcessEvent delivers evt to the handler's sink. It must be
	// non-blocking or bounded by a small timeout.
	ProcessEvent(evt *event.Event) error

	// CredentialsReq lists the credential ids ("owner.id" form) this
	// handler needs, consulted at Initialize time.
	CredentialsReq() []string

	// GetCreds resolves one credential by id; an absent credential is
	// reported as an error.
	GetCreds(ctx context.Context, id string) ([]byte, error)
}

// Base is embedded by concrete handlers to provide the name/credential
// plumbing common to all of them, mirroring module.Base.
type Base struct {
	name    string
	secrets secrets.Provider
}

// NewBase constructs the embeddable handler base. store may be nil for
// handlers that require no credentials (e.g. the log handler).
func NewBase(name string, store secrets.Provider) Base {
	return Base{name: name, secrets: store}
}

func (b *Base) HandlerName() string { return b.name }

// CredentialsReq defaults to "no credentials required"; handlers that
// need secrets (mail, sms) override it.
func (b *Base) CredentialsReq() []string { return nil }

// GetCreds consults the keyring-backed secrets store under
// "<handler-name>.<id>".
func (b *Base) GetCreds(ctx context.Context, id string) ([]byte, error) {
	if b.secrets == nil {
		return nil, fmt.Errorf("handler %s: no credential store configured", b.name)
	}
	return b.secrets.Get(ctx, b.name+"."+id)
}
