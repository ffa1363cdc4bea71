// Package dispatch delivers booking events to systems outside the core: an
// HTTP webhook, a RabbitMQ exchange and websocket clients.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/oku-ride/internal/models"
)

// Webhook posts each event as JSON to a notifier endpoint, for example the
// service that sends SMS or e-mail to passengers.
type Webhook struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewWebhook(endpoint, token string) *Webhook {
	return &Webhook{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *Webhook) Publish(ctx context.Context, evt models.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(evt.Type))
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", d.Endpoint, resp.StatusCode)
	}
	return nil
}

// NotifiableEvent filters out high-volume location updates, which only make
// sense on the realtime channel.
func NotifiableEvent(evt models.Event) bool {
	return evt.Type != models.EventLocationUpdated
}
