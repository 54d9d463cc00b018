package transport

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

	"herald/internal/engine"
	logx "herald/pkg/logx"
)

// Webhook posts rendered payloads as JSON to a fixed gateway endpoint.
// It serves email/sms/push provider gateways as well as plain chat webhooks.
type Webhook struct {
	endpoint string
	client   *http.Client
	log      logx.Logger
}

func NewWebhook(endpoint string, timeout time.Duration, log logx.Logger) (*Webhook, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("webhook endpoint is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

type webhookEnvelope struct {
	Recipient string              `json:"recipient"`
	Subject   string              `json:"subject,omitempty"`
	Body      string              `json:"body"`
	Rich      string              `json:"rich,omitempty"`
	Blocks    []engine.ChatBlock  `json:"blocks,omitempty"`
	Push      *engine.PushPayload `json:"push,omitempty"`
}

func (w *Webhook) Send(ctx context.Context, req engine.SendRequest) error {
	env := webhookEnvelope{
		Recipient: req.RecipientID,
		Subject:   req.Payload.Subject,
		Body:      req.Payload.Body,
		Rich:      req.Payload.Rich,
		Blocks:    req.Payload.Chat,
		Push:      req.Payload.Push,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}

	endpoint := w.endpoint
	if req.Endpoint != "" {
		endpoint = req.Endpoint
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: gateway returned %s", resp.Status)
	}
	return nil
}

// Probe checks the gateway is reachable. Any HTTP response below 500 counts
// as alive; gateways commonly reject GETs on delivery endpoints.
func (w *Webhook) Probe(ctx context.Context) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("webhook probe: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook probe: gateway returned %s", resp.Status)
	}
	return nil
}
