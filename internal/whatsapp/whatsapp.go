// Package whatsapp owns the direct Whatsmeow connection used by the
// whatsmeow messaging channel: device storage, the first-run login flow and
// plain text sends. Event handling lives with the channel service, which
// reaches the raw client through GetClient.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/motolink/waroute/internal/store"
)

const (
	// DefaultSQLitePath holds the whatsmeow device database when no DSN is
	// configured (WHATSMEOW_DB_DSN).
	DefaultSQLitePath = "/var/lib/waroute/whatsmeow.db"

	// JIDSuffix is the server part of a personal WhatsApp JID.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends one text message to a canonical recipient. The channel
// service depends on this rather than on the concrete client.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts configures the connection and the first-run login.
type Opts struct {
	// DBDSN is the whatsmeow device database, sqlite or postgres.
	DBDSN string
	// QRPath writes the login QR to a file instead of stdout.
	QRPath string
	// NumericCode prints the pairing code as text, for terminals that
	// cannot render the QR blocks.
	NumericCode bool
}

// Option configures Opts.
type Option func(*Opts)

// WithDBDSN sets the device database DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints a numeric pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is the connected Whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the device store, runs the login flow when no session
// exists yet, and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	waClient, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{waClient: waClient}, nil
}

func connect(cfg Opts) (*whatsmeow.Client, error) {
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("Using default whatsmeow device database", "path", dsn)
	}

	driver := "sqlite3"
	if store.DetectDSNType(dsn) == "postgres" {
		driver = "postgres"
	} else if !strings.Contains(dsn, "foreign_keys") {
		// whatsmeow wants foreign keys on for its sqlite schema.
		slog.Warn("Whatsmeow sqlite DSN has no foreign_keys flag",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("whatsmeow-db", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsmeow device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsmeow device: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("whatsmeow", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("Whatsmeow session found, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
	}
	slog.Info("Whatsmeow client connected")
	return waClient, nil
}

// login drives the first-run pairing: connect, then stream pairing codes to
// stdout or the configured QR file until the phone confirms.
func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("No whatsmeow session, starting pairing")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect for pairing: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR output file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Debug("Whatsmeow pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a plain text message to the digits-only recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsmeow client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to)
	return nil
}

// GetClient exposes the raw client so the channel service can register its
// event handler.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the server connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient is a Sender that drops everything. Channel tests use it to
// avoid a live connection.
type MockClient struct{}

// NewMockClient creates a no-op sender.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage discards the message.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}
