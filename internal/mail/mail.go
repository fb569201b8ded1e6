// Package mail delivers account emails (password reset links).
//
// HTTPMailer posts messages to a mail relay's JSON API. When client
// credentials are configured, requests carry an OAuth2 bearer token obtained
// with the client-credentials grant (golang.org/x/oauth2/clientcredentials),
// refreshed automatically as it expires. LogMailer writes the message to the
// log instead and is what development setups use.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// Sender sends a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// PasswordResetMessage builds the reset email for link.
func PasswordResetMessage(to, link string) Message {
	return Message{
		To:      to,
		Subject: "Reset your password",
		Text: "Someone asked to reset the password for this account.\n\n" +
			"Open this link to choose a new one:\n" + link + "\n\n" +
			"If it wasn't you, ignore this email; your password stays the same.",
	}
}

// Config configures HTTPMailer. TokenURL, ClientID and ClientSecret are
// optional; without them requests are sent unauthenticated.
type Config struct {
	Endpoint     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type HTTPMailer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPMailer builds a mailer. ctx bounds token fetches made by the
// returned client, so pass a context that lives as long as the server.
func NewHTTPMailer(ctx context.Context, cfg Config) (*HTTPMailer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mail: endpoint is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = 10 * time.Second
	}
	return &HTTPMailer{endpoint: cfg.Endpoint, client: client}, nil
}

func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mail: encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mail: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail: posting to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail: relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// LogMailer logs messages instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("mail not sent (no relay configured)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}
