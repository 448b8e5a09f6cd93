package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"faregate/internal/reliability"
)

// HTTPSender posts messages to a notification gateway as JSON.
type HTTPSender struct {
	URL    string
	Client *http.Client
}

func (h HTTPSender) Send(ctx context.Context, email, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"email":   email,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notification gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notification gateway returned %s", resp.Status)
	}
	return nil
}

// RetrySender retries the wrapped sender's transient failures per the policy.
type RetrySender struct {
	Base  Sender
	Retry reliability.RetryPolicy
}

func (r RetrySender) Send(ctx context.Context, email, subject, body string) error {
	return r.Retry.Do(ctx, func() error {
		return r.Base.Send(ctx, email, subject, body)
	})
}
