// Package dispatch holds the HTTP clients for the unreliable
// collaborators reached during project submission: the project
// management system and the email notifier. Every failure is tagged
// with a resilience kind so the dispatcher can decide retry vs fatal
// from the policy table alone.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"signline/internal/config"
	"signline/internal/resilience"
)

const defaultTimeout = 5 * time.Second

// SubmissionRequest is the payload posted to the PM system.
type SubmissionRequest struct {
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	ContentHash string  `json:"content_hash"`
	Confidence  float64 `json:"confidence"`
}

// SubmissionAck is the PM system's acknowledgement.
type SubmissionAck struct {
	ProjectNumber string `json:"project_number"`
}

// Notification is the payload posted to the email notifier.
type Notification struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// PMClient posts submissions to the project management system. With no
// URL configured it runs standalone and mints the project number
// locally.
type PMClient struct {
	cfg    config.TargetConfig
	client *http.Client
}

func NewPMClient(cfg config.TargetConfig) *PMClient {
	return &PMClient{cfg: cfg, client: &http.Client{Timeout: timeoutFor(cfg.TimeoutSeconds)}}
}

// Submit registers the project and returns its assigned number.
func (c *PMClient) Submit(ctx context.Context, req SubmissionRequest) (SubmissionAck, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return SubmissionAck{ProjectNumber: NewProjectNumber()}, nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return SubmissionAck{}, resilience.Classify(resilience.KindMalformed, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return SubmissionAck{}, resilience.Classify(resilience.KindMalformed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		httpReq.Header.Set("X-Signline-Key", c.cfg.APIKey)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return SubmissionAck{}, classifyTransport(err)
	}
	defer res.Body.Close()
	if err := classifyStatus(res); err != nil {
		return SubmissionAck{}, err
	}
	var ack SubmissionAck
	if err := json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&ack); err != nil {
		return SubmissionAck{}, resilience.Classify(resilience.KindMalformed, fmt.Errorf("decode ack: %w", err))
	}
	if ack.ProjectNumber == "" {
		return SubmissionAck{}, resilience.Classify(resilience.KindMalformed, errors.New("ack missing project_number"))
	}
	return ack, nil
}

// EmailClient posts notifications. With no URL configured it is a
// no-op.
type EmailClient struct {
	cfg    config.EmailConfig
	client *http.Client
}

func NewEmailClient(cfg config.EmailConfig) *EmailClient {
	return &EmailClient{cfg: cfg, client: &http.Client{Timeout: timeoutFor(cfg.TimeoutSeconds)}}
}

// Send delivers one notification.
func (c *EmailClient) Send(ctx context.Context, n Notification) error {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil
	}
	if n.From == "" {
		n.From = c.cfg.From
	}
	data, err := json.Marshal(n)
	if err != nil {
		return resilience.Classify(resilience.KindMalformed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return resilience.Classify(resilience.KindMalformed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer res.Body.Close()
	return classifyStatus(res)
}

// NewProjectNumber mints a PRJ-XXXXXXXX identifier.
func NewProjectNumber() string {
	id := uuid.NewString()
	return "PRJ-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8])
}

func timeoutFor(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(seconds) * time.Second
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return resilience.Classify(resilience.KindTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.Classify(resilience.KindTimeout, err)
	}
	return resilience.Classify(resilience.KindConnection, err)
}

func classifyStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return resilience.Classify(resilience.KindRateLimited, err)
	case res.StatusCode >= 500:
		return resilience.Classify(resilience.KindRemote5xx, err)
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		return resilience.Classify(resilience.KindMalformed, err)
	default:
		return resilience.Classify(resilience.KindRemote4xx, err)
	}
}
