// Package dispatch executes fired notification jobs end to end: refresh the
// recipient, re-check eligibility, render the template and hand the result to
// the transport. Outcomes are recorded in history and transient transport
// failures are surfaced for the scheduler to retry.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/traineehub/notify/internal/domain/history"
)

// TransientError marks a failure worth retrying: timeouts, connection
// resets and server-side errors from the transport.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient marks the error as retryable for the scheduler.
func (e *TransientError) IsTransient() bool { return true }

// Message is one delivery request handed to the transport.
type Message struct {
	TraineeID       string                   `json:"personId"`
	Address         string                   `json:"address,omitempty"`
	Type            history.NotificationType `json:"notificationType"`
	TemplateName    string                   `json:"templateName"`
	TemplateVersion string                   `json:"templateVersion"`
	Subject         string                   `json:"subject"`
	Body            string                   `json:"body"`
	Variables       map[string]interface{}   `json:"variables,omitempty"`
	Ref             *history.Reference       `json:"reference,omitempty"`
	// JustLog runs the full pipeline but suppresses the real delivery.
	JustLog bool `json:"justLog"`
}

// Sender is the transport SPI. Implementations classify their failures:
// transient ones as *TransientError, everything else as permanent.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPSender posts deliveries to the transport service.
type HTTPSender struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode transport request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build transport request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Op: "transport send", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &TransientError{Op: "transport send", Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("transport send: rejected with status %d", resp.StatusCode)
	}
}
