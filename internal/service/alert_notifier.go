package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"

	"github.com/rs/zerolog"
)

// alertRetryIntervals are the waits between delivery attempts of one alert.
var alertRetryIntervals = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

// DeadEventAlert is the JSON body posted to the alert webhook.
type DeadEventAlert struct {
	EventID  int64            `json:"event_id"`
	Kind     domain.EventKind `json:"kind"`
	Attempts int              `json:"attempts"`
	Reason   string           `json:"reason"`
	DeadAt   time.Time        `json:"dead_at"`
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AlertNotifier implements ports.DeadEventNotifier with a signed HTTP webhook.
type AlertNotifier struct {
	url        string
	secret     string
	sigSvc     ports.SignatureService
	httpClient HTTPClient
	intervals  []time.Duration
	log        zerolog.Logger
}

// NewAlertNotifier creates an AlertNotifier. An empty url disables delivery;
// dead events are then only logged.
func NewAlertNotifier(url, secret string, sigSvc ports.SignatureService, httpClient HTTPClient, log zerolog.Logger) *AlertNotifier {
	return &AlertNotifier{
		url:        url,
		secret:     secret,
		sigSvc:     sigSvc,
		httpClient: httpClient,
		intervals:  alertRetryIntervals,
		log:        log,
	}
}

// NotifyDead sends an alert for a dead event asynchronously with retries.
func (n *AlertNotifier) NotifyDead(_ context.Context, event *domain.Event) error {
	alert := DeadEventAlert{
		EventID:  event.ID,
		Kind:     event.Kind,
		Attempts: event.AttemptCount,
		DeadAt:   event.StatusUpdatedAt,
	}
	if event.LastError != nil {
		alert.Reason = *event.LastError
	}

	if n.url == "" {
		n.log.Warn().Int64("event_id", alert.EventID).Str("event_kind", string(alert.Kind)).Msg("alert: no webhook URL configured, skipping")
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	go n.deliverWithRetries(body, alert.EventID)
	return nil
}

func (n *AlertNotifier) deliverWithRetries(body []byte, eventID int64) {
	for attempt := 0; attempt <= len(n.intervals); attempt++ {
		if attempt > 0 {
			time.Sleep(n.intervals[attempt-1])
		}

		ts := time.Now().Unix()
		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.log.Error().Err(err).Int64("event_id", eventID).Msg("alert: failed to create request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Signature", n.sigSvc.Sign(n.secret, n.sigSvc.BuildCanonicalString(ts, string(body))))

		resp, err := n.httpClient.Do(req)
		if err != nil {
			n.log.Warn().Err(err).Int64("event_id", eventID).Int("attempt", attempt+1).Msg("alert: delivery failed")
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			n.log.Info().Int64("event_id", eventID).Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("alert: delivered")
			return
		}

		n.log.Warn().Int64("event_id", eventID).Int("attempt", attempt+1).Int("status", resp.StatusCode).Msg("alert: non-2xx response, retrying")
	}

	n.log.Error().Int64("event_id", eventID).Msg("alert: all retry attempts exhausted")
}
