// Package twilioclient wraps the Twilio REST API for Lockstep's SMS and
// WhatsApp nudges and validates Twilio webhook signatures.
package twilioclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix is the address scheme Twilio uses for WhatsApp endpoints.
const WhatsAppPrefix = "whatsapp:"

// ErrNoSender is returned when no from-number is configured for the
// recipient's channel.
var ErrNoSender = errors.New("twilio sender not configured for channel")

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string // E.164 number for SMS
	WhatsAppFrom      string // E.164 number enabled for WhatsApp, with or without the prefix
	StatusCallbackURL string // delivery callbacks are posted here when set
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the SMS sender number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithWhatsAppFrom sets the WhatsApp sender number.
func WithWhatsAppFrom(from string) Option {
	return func(o *Opts) { o.WhatsAppFrom = from }
}

// WithStatusCallbackURL sets the URL Twilio posts delivery updates to.
func WithStatusCallbackURL(url string) Option {
	return func(o *Opts) { o.StatusCallbackURL = url }
}

// Client sends messages through the Twilio REST API.
type Client struct {
	client         *twilio.RestClient
	fromSMS        string
	fromWhatsApp   string // always carries the whatsapp: prefix
	statusCallback string
}

// NewClient builds a Client. Credentials and at least one sender are required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"WhatsAppFrom_set", cfg.WhatsAppFrom != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" && cfg.WhatsAppFrom == "" {
		return nil, fmt.Errorf("at least one of the SMS or WhatsApp from numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	fromWhatsApp := cfg.WhatsAppFrom
	if fromWhatsApp != "" && !strings.HasPrefix(fromWhatsApp, WhatsAppPrefix) {
		fromWhatsApp = WhatsAppPrefix + fromWhatsApp
	}
	return &Client{
		client:         client,
		fromSMS:        cfg.FromNumber,
		fromWhatsApp:   fromWhatsApp,
		statusCallback: cfg.StatusCallbackURL,
	}, nil
}

// SupportsSMS reports whether an SMS sender is configured.
func (c *Client) SupportsSMS() bool { return c.fromSMS != "" }

// SupportsWhatsApp reports whether a WhatsApp sender is configured.
func (c *Client) SupportsWhatsApp() bool { return c.fromWhatsApp != "" }

// Send delivers body to the address to and returns the Twilio message SID.
// Addresses starting with "whatsapp:" go out from the WhatsApp sender, all
// others from the SMS number. The REST call itself is not cancellable, so a
// cancelled ctx abandons the wait and returns ctx.Err().
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	from := c.fromSMS
	if strings.HasPrefix(to, WhatsAppPrefix) {
		from = c.fromWhatsApp
	}
	if from == "" {
		return "", ErrNoSender
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	type result struct {
		sid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.client.Api.CreateMessage(params)
		if err != nil {
			done <- result{err: err}
			return
		}
		sid := ""
		if resp != nil && resp.Sid != nil {
			sid = *resp.Sid
		}
		done <- result{sid: sid}
	}()

	select {
	case <-ctx.Done():
		slog.Warn("Twilio Send abandoned", "to", to, "error", ctx.Err())
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			var restErr *twclient.TwilioRestError
			if errors.As(r.err, &restErr) {
				slog.Error("Twilio Send failed", "to", to, "code", restErr.Code, "status", restErr.Status, "error", restErr.Message)
			} else {
				slog.Error("Twilio Send failed", "to", to, "error", r.err)
			}
			return "", fmt.Errorf("failed to send message to %s: %w", to, r.err)
		}
		slog.Debug("Twilio message sent", "to", to, "sid", r.sid)
		return r.sid, nil
	}
}
