package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// MailMessage is the payload accepted by the mail relay.
type MailMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// MailClient abstracts the outbound mail relay.
type MailClient interface {
	Send(ctx context.Context, msg MailMessage) error
}

// HTTPMailClient posts messages to an HTTP mail relay.
type HTTPMailClient struct {
	client *http.Client
	base   string
}

func NewHTTPMailClient(baseURL string) *HTTPMailClient {
	return &HTTPMailClient{
		client: &http.Client{Timeout: 15 * time.Second},
		base:   strings.TrimRight(baseURL, "/"),
	}
}

func (c *HTTPMailClient) Send(ctx context.Context, msg MailMessage) error {
	if c.base == "" {
		return errors.New("mail relay url not configured")
	}
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("empty recipient")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/send", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.WithFields(log.Fields{"to": msg.To, "subject": msg.Subject}).Debug("mail relayed")
	return nil
}

// registrationMessage renders the welcome mail sent after sign-up.
func registrationMessage(from, to string) MailMessage {
	return MailMessage{
		From:    from,
		To:      to,
		Subject: "Registration successful",
		Text:    "Your quiz account has been created. You can now sign in and generate tests.\n",
	}
}
