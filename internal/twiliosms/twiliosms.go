// Package twiliosms wraps the Twilio API for the SMS and WhatsApp respondent channel of FormPipe.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// SignatureHeader carries the webhook signature Twilio computes over each inbound request.
const SignatureHeader = "X-Twilio-Signature"

// Sender delivers an outbound message to a respondent.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token used for the REST API and webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending number, e.g. "+15550001111" or "whatsapp:+15550001111".
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// Client wraps the Twilio REST API.
type Client struct {
	client *twilio.RestClient
	from   string
}

// NewClient creates a Twilio client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliosms.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: cfg.From}, nil
}

// SendMessage sends body to the given address. WhatsApp senders prefix the recipient to match.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if strings.HasPrefix(c.from, "whatsapp:") && !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:" + to
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("twiliosms.SendMessage: failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("twiliosms.SendMessage: sent", "to", to)
	return nil
}

// Validator checks inbound webhook signatures.
type Validator struct {
	rv twclient.RequestValidator
}

// NewValidator creates a validator for the account's auth token.
func NewValidator(authToken string) *Validator {
	return &Validator{rv: twclient.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches the public URL Twilio posted to and the form params.
func (v *Validator) Valid(publicURL string, form url.Values, signature string) bool {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return v.rv.Validate(publicURL, params, signature)
}

// Reply renders a TwiML response carrying body. An empty body renders an empty response.
func Reply(body string) (string, error) {
	var verbs []twiml.Element
	if body != "" {
		verbs = append(verbs, &twiml.MessagingMessage{Body: body})
	}
	return twiml.Messages(verbs)
}

// MockClient records outbound messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
