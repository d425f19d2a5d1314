// Package sms implements the reference SMS handler: the message body is
// the event's rendered summary plus its timestamp and event id,
// delivered through an SMS gateway collaborator. Requires a credential
// keyed by "account_sid", matching the Twilio-style REST API convention.
package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/handler"
	"github.com/dagainz/correlator/internal/secrets"
)

const credentialID = "account_sid"

// Config is one SMS handler instance's bound options.
type Config struct {
	APIBaseURL string // e.g. "https://api.twilio.example/2010-04-01"
	From       string
	To         []string
}

// Gateway is the outbound SMS transport collaborator; an interface so
// tests can substitute a recording fake instead of making a real HTTP
// call.
type Gateway interface {
	Send(ctx context.Context, baseURL, accountSID, from, to, body string) error
}

// httpGateway is the default Gateway: one POST per recipient against a
// Twilio-shaped Messages.json endpoint.
type httpGateway struct {
	client *http.Client
}

func (g *httpGateway) Send(ctx context.Context, baseURL, accountSID, from, to, body string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", baseURL, accountSID)
	form := url.Values{"From": {from}, "To": {to}, "Body": {body}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}
	return nil
}

// Handler sends one SMS per event it receives.
type Handler struct {
	handler.Base
	cfg        Config
	gateway    Gateway
	accountSID string
}

// New constructs an SMS handler. gateway may be nil to use the default
// HTTP gateway.
func New(name string, cfg Config, store secrets.Provider, gateway Gateway) *Handler {
	if gateway == nil {
		gateway = &httpGateway{client: http.DefaultClient}
	}
	return &Handler{Base: handler.NewBase(name, store), cfg: cfg, gateway: gateway}
}

// CredentialsReq names the account_sid credential this handler needs.
func (h *Handler) CredentialsReq() []string { return []string{credentialID} }

func (h *Handler) Initialize() error {
	if len(h.cfg.To) == 0 {
		return fmt.Errorf("sms handler %s: no recipients configured", h.HandlerName())
	}
	sid, err := h.GetCreds(context.Background(), credentialID)
	if err != nil || len(sid) == 0 {
		return &handler.CredentialsRequired{Owner: h.HandlerName(), IDs: []string{credentialID}}
	}
	h.accountSID = string(sid)
	return nil
}

// ProcessEvent builds the message body (summary + timestamp + event id)
// and sends it to every configured recipient.
func (h *Handler) ProcessEvent(evt *event.Event) error {
	body := fmt.Sprintf("%s | %s | %s", evt.Timestamp().Format("2006-01-02 15:04:05"), evt.FQID(), evt.RenderSummary("text/plain"))

	for _, to := range h.cfg.To {
		if err := h.gateway.Send(context.Background(), h.cfg.APIBaseURL, h.accountSID, h.cfg.From, to, body); err != nil {
			return fmt.Errorf("sms handler %s: send to %s: %w", h.HandlerName(), to, err)
		}
	}
	return nil
}
