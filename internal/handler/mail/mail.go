// Package mail implements the reference e-mail handler: renders a text
// body (and an HTML body, if one is configured) with ${field}
// substitution over the event payload, then hands the message to an SMTP
// dialer for delivery.
package mail

import (
	"context"
	"fmt"
	"strings"

	mailv2 "gopkg.in/mail.v2"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/handler"
	"github.com/dagainz/correlator/internal/secrets"
)

// Config is one e-mail handler instance's bound options.
type Config struct {
	TemplateName string
	TextBody     string // "${field}" template; empty falls back to RenderSummary
	HTMLBody     string // optional; empty means text-only message

	From string
	To   []string

	SMTPHost string
	SMTPPort int
	// CredentialID is the "owner.id" suffix resolved via GetCreds for
	// the SMTP auth password.
	CredentialID string
	SMTPUser     string
}

// Dialer is the SMTP delivery collaborator, satisfied by *mailv2.Dialer;
// an interface here so tests can substitute a recording fake.
type Dialer interface {
	DialAndSend(m ...*mailv2.Message) error
}

// Handler renders and sends one e-mail per event.
type Handler struct {
	handler.Base
	cfg    Config
	dialer Dialer
}

// New constructs an e-mail handler. store is the credential store
// consulted for the SMTP password; dialer may be nil, in which case
// Initialize builds a *mailv2.Dialer from cfg + the resolved password.
func New(name string, cfg Config, store secrets.Provider, dialer Dialer) *Handler {
	return &Handler{Base: handler.NewBase(name, store), cfg: cfg, dialer: dialer}
}

// CredentialsReq names the single SMTP password credential this handler
// needs.
func (h *Handler) CredentialsReq() []string {
	if h.cfg.CredentialID == "" {
		return nil
	}
	return []string{h.cfg.CredentialID}
}

func (h *Handler) Initialize() error {
	if len(h.cfg.To) == 0 {
		return fmt.Errorf("mail handler %s: no recipients configured", h.HandlerName())
	}
	if h.dialer != nil {
		return nil
	}
	if h.cfg.CredentialID == "" {
		return nil
	}

	pass, err := h.GetCreds(context.Background(), h.cfg.CredentialID)
	if err != nil {
		return &handler.CredentialsRequired{Owner: h.HandlerName(), IDs: []string{h.cfg.CredentialID}}
	}
	h.dialer = mailv2.NewDialer(h.cfg.SMTPHost, h.cfg.SMTPPort, h.cfg.SMTPUser, string(pass))
	return nil
}

// ProcessEvent renders the text/HTML bodies and sends the message.
func (h *Handler) ProcessEvent(evt *event.Event) error {
	if h.dialer == nil {
		return fmt.Errorf("mail handler %s: not initialized", h.HandlerName())
	}

	m := mailv2.NewMessage()
	m.SetHeader("From", h.cfg.From)
	m.SetHeader("To", h.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", evt.Severity(), evt.FQID()))

	text := h.renderDatatable(evt, h.cfg.TextBody)
	if text == "" {
		text = evt.RenderSummary("text/plain")
	}
	m.SetBody("text/plain", text)

	if h.cfg.HTMLBody != "" {
		m.AddAlternative("text/html", h.renderDatatable(evt, h.cfg.HTMLBody))
	}

	return h.dialer.DialAndSend(m)
}

// renderDatatable is the handler's "render_datatable(content_type)": a
// flat ${field} substitution over the event's payload, mirroring
// event.Event.RenderSummary's substitution rule but over an
// operator-supplied body template instead of the class's summary
// template.
func (h *Handler) renderDatatable(evt *event.Event, tmpl string) string {
	if tmpl == "" {
		return ""
	}
	payload := evt.Payload()
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '$' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end >= 0 {
				name := tmpl[i+2 : i+2+end]
				if v, ok := payload[name]; ok {
					fmt.Fprintf(&b, "%v", v)
				}
				i = i + 2 + end + 1
				continue
			}
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String()
}
