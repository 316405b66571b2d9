package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// Handler delivers an alert to one channel.
type Handler func(ctx context.Context, a Alert) error

// DefaultHandlerTimeout bounds each delivery made by the built-in handlers.
const DefaultHandlerTimeout = 10 * time.Second

// PagerDutyEventsURL is the PagerDuty Events API v2 endpoint.
const PagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// HTTPOption configures the built-in HTTP handlers.
type HTTPOption func(*httpSender)

// WithHTTPClient replaces the HTTP client. The default client is traced
// with otelhttp and times out after DefaultHandlerTimeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *httpSender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(s *httpSender) { s.headers[key] = value }
}

// WithEndpoint overrides the target URL. It is mainly useful for pointing
// the PagerDuty handler at a test server.
func WithEndpoint(url string) HTTPOption {
	return func(s *httpSender) { s.url = url }
}

type httpSender struct {
	client  *http.Client
	url     string
	headers map[string]string
}

func newSender(url string, opts []HTTPOption) *httpSender {
	s := &httpSender{
		client: &http.Client{
			Timeout:   DefaultHandlerTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		url:     url,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *httpSender) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "alert: failed to encode payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "alert: failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "alert: delivery failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return sserr.Newf(sserr.CodeUnavailableDependency,
			"alert: delivery rejected with status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// NewWebhookHandler posts the alert as JSON to url.
func NewWebhookHandler(url string, opts ...HTTPOption) Handler {
	s := newSender(url, opts)
	return func(ctx context.Context, a Alert) error {
		return s.post(ctx, a)
	}
}

// NewSlackHandler posts the alert to a Slack incoming webhook.
func NewSlackHandler(webhookURL string, opts ...HTTPOption) Handler {
	s := newSender(webhookURL, opts)
	return func(ctx context.Context, a Alert) error {
		return s.post(ctx, slackMessage(a))
	}
}

var slackEmoji = map[Severity]string{
	SeverityInfo:     ":information_source:",
	SeverityWarning:  ":warning:",
	SeverityCritical: ":rotating_light:",
}

func slackMessage(a Alert) map[string]any {
	text := fmt.Sprintf("%s *%s*\n%s", slackEmoji[a.Severity], a.Title, a.Message)
	return map[string]any{
		"text": text,
		"blocks": []map[string]any{{
			"type": "section",
			"text": map[string]string{"type": "mrkdwn", "text": text},
		}, {
			"type": "context",
			"elements": []map[string]string{{
				"type": "mrkdwn",
				"text": fmt.Sprintf("rule `%s` | severity %s | alert %s", a.ConfigID, a.Severity, a.ID),
			}},
		}},
	}
}

// NewPagerDutyHandler triggers a PagerDuty Events v2 incident. Alerts from
// the same rule share a dedup key so repeated triggers update one incident.
func NewPagerDutyHandler(routingKey string, opts ...HTTPOption) Handler {
	s := newSender(PagerDutyEventsURL, opts)
	return func(ctx context.Context, a Alert) error {
		return s.post(ctx, pagerDutyEvent(routingKey, a))
	}
}

func pagerDutyEvent(routingKey string, a Alert) map[string]any {
	severity := "warning"
	switch a.Severity {
	case SeverityCritical:
		severity = "critical"
	case SeverityInfo:
		severity = "info"
	}
	return map[string]any{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    "governance-" + a.ConfigID,
		"payload": map[string]any{
			"summary":        a.Title + ": " + a.Message,
			"source":         "stricklysoft-governance",
			"severity":       severity,
			"timestamp":      a.TriggeredAt.UTC().Format(time.RFC3339),
			"custom_details": a.Data,
		},
	}
}
