// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notification events.
const (
	NotifyDeadLetter       = "job-dead-letter"
	NotifyRecurringFailure = "recurring-failure"
)

// Notification is sent to notifiers when a job is dead-lettered or a
// failure pattern recurs.
type Notification struct {
	Event     string    `json:"event"`
	Queue     string    `json:"queue"`
	JobID     string    `json:"jobId,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers notifications to operators.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ErrRateLimited is returned by WebhookNotifier when a notification is
// dropped because of the rate limit.
var ErrRateLimited = errors.New("jobqueue: notification rate limited")

// WebhookNotifier posts notifications as JSON to a URL. Notifications
// exceeding the rate limit are dropped. Recurring-failure alerts have a
// limiter of their own, so a burst of dead letters cannot suppress them.
// Failed deliveries are retried with exponential backoff.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter // per dead letter
	alerts     *rate.Limiter // recurring failures
	maxRetries uint64
	initial    time.Duration
	logger     zerolog.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient specifies the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		n.client = c
	}
}

// WithRateLimit allows one notification per interval with the given
// burst. Dead letters and recurring-failure alerts are limited separately.
func WithRateLimit(every time.Duration, burst int) WebhookOption {
	return func(n *WebhookNotifier) {
		n.limiter = rate.NewLimiter(rate.Every(every), burst)
		n.alerts = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithRetries specifies the number of retries and the initial interval
// between them.
func WithRetries(max uint64, initial time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		n.maxRetries = max
		n.initial = initial
	}
}

// WithWebhookLogger specifies the logger.
func WithWebhookLogger(logger zerolog.Logger) WebhookOption {
	return func(n *WebhookNotifier) {
		n.logger = logger
	}
}

// NewWebhookNotifier creates a notifier posting to url. By default it
// sends at most one notification per second with a burst of 10 and retries
// three times.
func NewWebhookNotifier(url string, options ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 10),
		alerts:     rate.NewLimiter(rate.Every(time.Second), 10),
		maxRetries: 3,
		initial:    500 * time.Millisecond,
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Notify posts the notification.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	limiter := n.limiter
	if note.Event == NotifyRecurringFailure {
		limiter = n.alerts
	}
	if !limiter.Allow() {
		n.logger.Warn().Str("event", note.Event).Str("queue", note.Queue).Msg("notification dropped by rate limit")
		return ErrRateLimited
	}
	body, err := json.Marshal(note)
	if err != nil {
		return errors.Wrap(err, "jobqueue: marshal notification")
	}

	op := func() error {
		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req = req.WithContext(ctx)
		req.Header.Set("Content-Type", "application/json")
		res, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, res.Body)
		switch {
		case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %s", res.Status)
		case res.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook returned %s", res.Status))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.initial
	b := backoff.WithContext(backoff.WithMaxRetries(eb, n.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return errors.Wrap(err, "jobqueue: deliver notification")
	}
	return nil
}
