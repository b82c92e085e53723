// Package notify is the notification seam. The core hands a rendered
// message and a channel URL to a dispatcher and tolerates failures
// silently; transport internals live outside the core.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/model"
)

// Dispatcher delivers one message to one channel URL. The URL scheme
// names the transport (telegram://, discord://, slack://, mailto:,
// https:// webhook).
type Dispatcher interface {
	Dispatch(channelURL, subject, body string, severity model.Severity) error
}

// Seam forwards webhook URLs over HTTP and hands every other scheme
// to the external relay endpoint when one is configured. Failures are
// logged and never retried here; the relay owns retries.
type Seam struct {
	client   *http.Client
	relayURL string
	log      *logger.Logger
}

// New creates the default dispatcher. relayURL may be empty, in which
// case non-webhook schemes are logged and dropped.
func New(relayURL string, log *logger.Logger) *Seam {
	return &Seam{
		client:   &http.Client{Timeout: 10 * time.Second},
		relayURL: relayURL,
		log:      log.WithComponent("notify"),
	}
}

// payload is the JSON body posted to webhooks and the relay.
type payload struct {
	Target   string `json:"target,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

// Dispatch implements Dispatcher.
func (s *Seam) Dispatch(channelURL, subject, body string, severity model.Severity) error {
	parsed, err := url.Parse(channelURL)
	if err != nil {
		return fmt.Errorf("bad channel url: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		return s.post(channelURL, payload{Subject: subject, Body: body, Severity: string(severity)})
	default:
		if s.relayURL == "" {
			s.log.Warn("no relay configured for channel scheme",
				"scheme", parsed.Scheme)
			return nil
		}
		return s.post(s.relayURL, payload{
			Target:   channelURL,
			Subject:  subject,
			Body:     body,
			Severity: string(severity),
		})
	}
}

func (s *Seam) post(target string, p payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	resp, err := s.client.Post(target, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch to %s: status %d", target, resp.StatusCode)
	}
	return nil
}
