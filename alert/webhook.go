package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Webhook payloads are chat-notification shaped: a top-level text summary
// plus one structured attachment, compatible with Slack-style incoming
// webhooks.
type webhookPayload struct {
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookAttachment struct {
	Title  string         `json:"title"`
	Color  string         `json:"color"`
	Fields []webhookField `json:"fields"`
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// postWebhook delivers one alert to the configured webhook URL. A non-2xx
// response or transport failure is returned for logging; delivery is never
// retried.
func (a *Alerter) postWebhook(ctx context.Context, al Alert) error {
	fields := []webhookField{
		{Title: "Key", Value: al.Key, Short: true},
		{Title: "Breach Count", Value: strconv.Itoa(al.BreachCount), Short: true},
		{Title: "Time", Value: al.Timestamp.Format(time.RFC3339), Short: true},
	}
	if al.Request != nil {
		fields = append(fields, webhookField{
			Title: "Request",
			Value: al.Request.Method + " " + al.Request.Path,
			Short: true,
		})
	}

	payload := webhookPayload{
		Text: fmt.Sprintf("Rate limit breach alert: %s exceeded the limit %d times", al.Key, al.BreachCount),
		Attachments: []webhookAttachment{
			{
				Title:  "Rate Limit Breach",
				Color:  "danger",
				Fields: fields,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
