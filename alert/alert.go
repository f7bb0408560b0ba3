// Package alert defines the gateway's pluggable out-of-band notification
// interface, spec.md §9: a Slack webhook by default, with a
// once-per-process de-duplicating wrapper for the login-time exhaustion
// alerts spec.md §4.4/§7 call for ("single alert, not per request").
// Grounded on dex's pkg/webhook/helpers CallWebhook idiom, generalized
// from dex's inbound admission webhook to an outbound notification one.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Alerter is the one method spec.md §9 names: a human-readable title and
// body, fired at most as often as the caller chooses.
type Alerter interface {
	Alert(title, body string) error
}

// SlackWebhook posts alerts to a Slack incoming webhook URL.
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// NewSlackWebhook builds a SlackWebhook with a bounded-timeout HTTP client,
// matching dex's webhook helpers' practice of never using http.DefaultClient
// for outbound calls.
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

type slackMessage struct {
	Text string `json:"text"`
}

// Alert posts title and body to the configured webhook as a single Slack
// message.
func (s *SlackWebhook) Alert(title, body string) error {
	payload, err := json.Marshal(slackMessage{Text: fmt.Sprintf("*%s*\n%s", title, body)})
	if err != nil {
		return fmt.Errorf("alert: failed to encode Slack payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alert: failed to build Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: failed to post to Slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: Slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// OnceAlerter wraps an Alerter so that alerts sharing the same key fire at
// most once per process lifetime, spec.md §4.4's "Exhaustion ... surfaced
// ... with Slack alert (one-shot, not per-request)" and §7's identical
// requirement for firestore_exhausted/ldap_error on login.
type OnceAlerter struct {
	inner Alerter

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnceAlerter wraps inner with one-shot-per-key de-duplication.
func NewOnceAlerter(inner Alerter) *OnceAlerter {
	return &OnceAlerter{inner: inner, seen: make(map[string]struct{})}
}

// AlertOnce fires title/body through the wrapped Alerter the first time
// key is seen in this process, and is a no-op on every subsequent call
// with the same key.
func (o *OnceAlerter) AlertOnce(key, title, body string) error {
	o.mu.Lock()
	if _, fired := o.seen[key]; fired {
		o.mu.Unlock()
		return nil
	}
	o.seen[key] = struct{}{}
	o.mu.Unlock()
	return o.inner.Alert(title, body)
}
