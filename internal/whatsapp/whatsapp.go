// Package whatsapp wraps the whatsmeow client so a linked WhatsApp device can
// deliver Lockstep nudges.
//
// Inbound messages and delivery receipts are forwarded to callbacks so they
// reach the same opt-out and status handling as Twilio webhooks.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/Lockstep/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// AddressPrefix is the scheme recipients carry for the WhatsApp channel.
	AddressPrefix = "whatsapp:"
	// callbackTimeout bounds each inbound or receipt callback.
	callbackTimeout = 30 * time.Second
)

// InboundFunc receives a reply: from is an E.164 phone number.
type InboundFunc func(ctx context.Context, from, body string) error

// StatusFunc receives a delivery update for a sent message id.
type StatusFunc func(ctx context.Context, messageID, status string) error

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
	OnInbound   InboundFunc
	OnStatus    StatusFunc
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithInboundHandler forwards incoming text messages to fn.
func WithInboundHandler(fn InboundFunc) Option {
	return func(o *Opts) {
		o.OnInbound = fn
	}
}

// WithStatusHandler forwards delivery and read receipts to fn.
func WithStatusHandler(fn StatusFunc) Option {
	return func(o *Opts) {
		o.OnStatus = fn
	}
}

// Client sends messages through a linked WhatsApp device.
type Client struct {
	waClient  *whatsmeow.Client
	onInbound InboundFunc
	onStatus  StatusFunc
}

// NewClient opens the whatsmeow session store, logs in with a QR code if the
// device is not yet linked, and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp database DSN not set")
	}
	dbDSN := cfg.DBDSN
	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	c := &Client{
		waClient:  whatsmeow.NewClient(deviceStore, clientLog),
		onInbound: cfg.OnInbound,
		onStatus:  cfg.OnStatus,
	}
	c.waClient.AddEventHandler(c.handleEvent)

	if c.waClient.Store.ID == nil {
		if err := c.login(ctx, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return c, nil
}

func (c *Client) login(ctx context.Context, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := c.waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get WhatsApp QR channel: %w", err)
	}
	if err := c.waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

// Send delivers body to a "whatsapp:+E164" or "+E164" address and returns the
// WhatsApp message id.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}
	jid, err := JIDFromAddress(to)
	if err != nil {
		return "", err
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "id", resp.ID)
	return string(resp.ID), nil
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// JIDFromAddress converts "whatsapp:+15551234567" or "+15551234567" to a user JID.
func JIDFromAddress(addr string) (types.JID, error) {
	user := strings.TrimPrefix(strings.TrimPrefix(addr, AddressPrefix), "+")
	if user == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid WhatsApp recipient %q", addr)
		}
	}
	return types.NewJID(user, JIDSuffix), nil
}

// messageText extracts the plain text of a message, or "" for media and other kinds.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// receiptStatus maps a receipt type onto the provider status vocabulary
// shared with Twilio callbacks.
func receiptStatus(t types.ReceiptType) (string, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return "delivered", true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return "read", true
	default:
		return "", false
	}
}

// senderPhone resolves the E.164 number behind a message sender. Senders
// addressed by LID carry the phone JID in SenderAlt; failing that the
// session's LID map is consulted.
func (c *Client) senderPhone(ctx context.Context, src types.MessageSource) (string, bool) {
	for _, jid := range []types.JID{src.Sender, src.SenderAlt} {
		if jid.Server == types.DefaultUserServer && jid.User != "" {
			return "+" + jid.User, true
		}
	}
	if src.Sender.Server == types.HiddenUserServer && c.waClient != nil && c.waClient.Store != nil && c.waClient.Store.LIDs != nil {
		pn, err := c.waClient.Store.LIDs.GetPNForLID(ctx, src.Sender)
		if err != nil {
			slog.Warn("WhatsApp LID lookup failed", "lid", src.Sender.String(), "error", err)
			return "", false
		}
		if pn.Server == types.DefaultUserServer && pn.User != "" {
			return "+" + pn.User, true
		}
	}
	return "", false
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Info.IsFromMe || v.Info.IsGroup || c.onInbound == nil {
			return
		}
		body := messageText(v.Message)
		if body == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		from, ok := c.senderPhone(ctx, v.Info.MessageSource)
		if !ok {
			slog.Warn("WhatsApp inbound message without a phone number", "sender", v.Info.Sender.String())
			return
		}
		if err := c.onInbound(ctx, from, body); err != nil {
			slog.Error("WhatsApp inbound handler failed", "from", from, "error", err)
		}
	case *events.Receipt:
		status, ok := receiptStatus(v.Type)
		if !ok || c.onStatus == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		for _, id := range v.MessageIDs {
			if err := c.onStatus(ctx, string(id), status); err != nil {
				slog.Error("WhatsApp status handler failed", "messageID", id, "status", status, "error", err)
			}
		}
	}
}
