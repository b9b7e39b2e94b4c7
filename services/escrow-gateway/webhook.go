package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	webhookDeliveryTimeout = 10 * time.Second
	defaultMaxAttempts     = 5
)

// WebhookDispatcher polls the node event feed, persists events locally and
// delivers HMAC-signed notifications to registered subscribers.
type WebhookDispatcher struct {
	node         NodeClient
	store        *SQLiteStore
	client       *http.Client
	logger       *slog.Logger
	pollInterval time.Duration
	maxAttempts  int
	nowFn        func() time.Time
}

func NewWebhookDispatcher(node NodeClient, store *SQLiteStore, pollInterval time.Duration, maxAttempts int, logger *slog.Logger) *WebhookDispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		node:         node,
		store:        store,
		client:       &http.Client{Timeout: webhookDeliveryTimeout},
		logger:       logger,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		nowFn:        time.Now,
	}
}

// Register stores a new subscription and returns it with a fresh identifier.
func (d *WebhookDispatcher) Register(ctx context.Context, apiKey, eventType, url, secret string) (WebhookSubscription, error) {
	sub := WebhookSubscription{
		ID:        uuid.NewString(),
		APIKey:    apiKey,
		EventType: eventType,
		URL:       url,
		Secret:    secret,
		Active:    true,
		CreatedAt: d.nowFn().UTC(),
	}
	if err := d.store.InsertWebhook(ctx, sub); err != nil {
		return WebhookSubscription{}, err
	}
	return sub, nil
}

// Run starts the polling loop until the context is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if d.node == nil || d.store == nil {
		return
	}
	after, err := d.store.LastEventSequence(ctx)
	if err != nil {
		d.logger.Warn("load event cursor failed", "error", err)
	}
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = d.poll(ctx, after)
		}
	}
}

func (d *WebhookDispatcher) poll(ctx context.Context, after uint64) uint64 {
	events, err := d.node.FetchEvents(ctx, after)
	if err != nil {
		d.logger.Warn("fetch events failed", "error", err)
		return after
	}
	last := after
	for _, evt := range events {
		if evt.Sequence <= last {
			continue
		}
		d.handleEvent(ctx, evt)
		last = evt.Sequence
	}
	if last != after {
		if err := d.store.UpdateEventSequence(ctx, last); err != nil {
			d.logger.Warn("persist event cursor failed", "error", err)
		}
	}
	return last
}

func (d *WebhookDispatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	stored := StoredEvent{
		Sequence:  evt.Sequence,
		Type:      evt.Type,
		Payload:   evt.Attributes,
		CreatedAt: d.nowFn().UTC(),
	}
	if err := d.store.InsertEvent(ctx, stored); err != nil {
		d.logger.Warn("persist event failed", "sequence", evt.Sequence, "error", err)
	}
	subs, err := d.store.ListWebhooksForEvent(ctx, evt.Type)
	if err != nil {
		d.logger.Warn("list webhooks failed", "error", err)
		return
	}
	for _, sub := range subs {
		d.deliver(ctx, sub, evt)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, sub WebhookSubscription, evt NodeEvent) {
	payload, err := json.Marshal(map[string]interface{}{
		"deliveryId": uuid.NewString(),
		"sequence":   evt.Sequence,
		"type":       evt.Type,
		"attributes": evt.Attributes,
	})
	if err != nil {
		return
	}
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.post(ctx, sub, payload)
		status := "delivered"
		errMsg := ""
		if lastErr != nil {
			status = "failed"
			errMsg = lastErr.Error()
		}
		_ = d.store.InsertWebhookAttempt(ctx, WebhookAttempt{
			WebhookID:     sub.ID,
			EventSequence: evt.Sequence,
			Attempt:       attempt,
			Status:        status,
			Error:         errMsg,
			CreatedAt:     d.nowFn().UTC(),
		})
		if lastErr == nil {
			return
		}
		backoff := time.Duration(attempt) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	d.logger.Warn("webhook delivery exhausted", "webhook", sub.ID, "sequence", evt.Sequence, "error", lastErr)
}

func (d *WebhookDispatcher) post(ctx context.Context, sub WebhookSubscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(d.nowFn().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
