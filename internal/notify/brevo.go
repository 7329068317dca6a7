package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBrevoBase = "https://api.brevo.com"

// BrevoConfig configures the Brevo transactional email client.
type BrevoConfig struct {
	APIKey      string
	BaseURL     string // defaults to the public API endpoint
	SenderName  string
	SenderEmail string
	// TemplateID selects a provider-side template; params carry name, title
	// and details. When zero, a plain HTML body is sent instead.
	TemplateID int
	Timeout    time.Duration
}

// Brevo sends email through the Brevo (Sendinblue) SMTP API.
type Brevo struct {
	cfg    BrevoConfig
	client *http.Client
}

func NewBrevo(cfg BrevoConfig) *Brevo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBrevoBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Brevo{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoMessage struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	Subject     string            `json:"subject"`
	TemplateID  int               `json:"templateId,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Send submits one message to the SMTP API. A nil return means Brevo
// accepted the message for delivery.
func (b *Brevo) Send(ctx context.Context, p Payload) error {
	msg := brevoMessage{
		Sender:  brevoAddress{Name: b.cfg.SenderName, Email: b.cfg.SenderEmail},
		To:      []brevoAddress{{Email: p.To, Name: p.Name}},
		Subject: p.Subject,
	}
	if b.cfg.TemplateID > 0 {
		msg.TemplateID = b.cfg.TemplateID
		msg.Params = map[string]string{
			"name":    p.Name,
			"title":   p.Title,
			"details": p.Details,
		}
	} else {
		msg.HTMLContent = fmt.Sprintf("<p>%s</p><p>%s</p>", p.Title, p.Details)
	}
	if p.IdempotencyKey != "" {
		msg.Headers = map[string]string{"X-Idempotency-Key": p.IdempotencyKey}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v3/smtp/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("api-key", b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return &ProviderError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ProviderError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}
	return nil
}
