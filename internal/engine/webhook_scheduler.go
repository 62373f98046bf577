package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"rocket-backend/internal/metadata"
	"rocket-backend/internal/store"
)

// WebhookScheduler retries failed webhook deliveries on a background interval.
type WebhookScheduler struct {
	store  *store.Store
	reg    *metadata.Registry
	ticker *time.Ticker
	done   chan struct{}
}

func NewWebhookScheduler(s *store.Store, reg *metadata.Registry) *WebhookScheduler {
	return &WebhookScheduler{store: s, reg: reg}
}

// Start begins the background ticker for retrying webhook deliveries.
func (ws *WebhookScheduler) Start() {
	ws.ticker = time.NewTicker(30 * time.Second)
	ws.done = make(chan struct{})
	go ws.run()
	log.Println("Webhook scheduler started (30s interval)")
}

// Stop halts the background ticker.
func (ws *WebhookScheduler) Stop() {
	if ws.ticker != nil {
		ws.ticker.Stop()
	}
	if ws.done != nil {
		close(ws.done)
	}
}

func (ws *WebhookScheduler) run() {
	for {
		select {
		case <-ws.done:
			return
		case <-ws.ticker.C:
			ws.processRetries()
		}
	}
}

func (ws *WebhookScheduler) processRetries() {
	ctx := context.Background()
	dialect := ws.store.Dialect

	sql := fmt.Sprintf(
		`SELECT id, webhook_id, entity, hook, url, method, request_headers, request_body,
		        status, attempt, max_attempts, idempotency_key
		 FROM _webhook_logs
		 WHERE status = 'retrying' AND next_retry_at < %s
		 ORDER BY next_retry_at ASC
		 LIMIT 50`, dialect.NowExpr())

	rows, err := store.QueryRows(ctx, ws.store.DB, sql)
	if err != nil {
		log.Printf("ERROR: webhook scheduler query failed: %v", err)
		return
	}

	for _, row := range rows {
		ws.retryDelivery(ctx, row)
	}
}

func (ws *WebhookScheduler) retryDelivery(ctx context.Context, row map[string]any) {
	logID := fmt.Sprintf("%v", row["id"])
	webhookID := fmt.Sprintf("%v", row["webhook_id"])
	attempt := toInt(row["attempt"]) + 1
	maxAttempts := toInt(row["max_attempts"])
	url := fmt.Sprintf("%v", row["url"])
	method := fmt.Sprintf("%v", row["method"])

	backoff := "exponential"
	if wh := ws.reg.GetWebhook(webhookID); wh != nil && wh.Retry.Backoff != "" {
		backoff = wh.Retry.Backoff
	}

	// Parse request headers
	headers := map[string]string{}
	if h, ok := row["request_headers"]; ok && h != nil {
		switch v := h.(type) {
		case string:
			json.Unmarshal([]byte(v), &headers)
		case map[string]any:
			for k, val := range v {
				headers[k] = fmt.Sprintf("%v", val)
			}
		}
	}

	// Parse request body
	var bodyJSON []byte
	if b, ok := row["request_body"]; ok && b != nil {
		switch v := b.(type) {
		case string:
			bodyJSON = []byte(v)
		default:
			bodyJSON, _ = json.Marshal(v)
		}
	}

	// Dispatch, reusing the original idempotency key on every attempt.
	resolved := ResolveHeaders(headers)
	result := DispatchWebhook(ctx, url, method, resolved, bodyJSON)

	newStatus := "success"
	errMsg := result.Error
	if errMsg != "" || result.StatusCode < 200 || result.StatusCode >= 300 {
		if errMsg == "" {
			errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
		}
		if attempt >= maxAttempts {
			newStatus = "failed"
		} else {
			newStatus = "retrying"
		}
	}

	// Compute next retry time. Exponential: 30s * 2^attempt. Linear: 30s * (attempt+1).
	var nextRetry *time.Time
	if newStatus == "retrying" {
		var delay time.Duration
		if backoff == "linear" {
			delay = time.Duration(attempt+1) * 30 * time.Second
		} else {
			delay = time.Duration(math.Pow(2, float64(attempt))) * 30 * time.Second
		}
		t := time.Now().Add(delay)
		nextRetry = &t
	}

	dialect := ws.store.Dialect
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf(
		`UPDATE _webhook_logs
		 SET status = %s, attempt = %s, response_status = %s, response_body = %s,
		     error = %s, next_retry_at = %s, updated_at = %s
		 WHERE id = %s`,
		pb.Add(newStatus), pb.Add(attempt), pb.Add(result.StatusCode), pb.Add(result.ResponseBody),
		pb.Add(errMsg), pb.Add(nextRetry), dialect.NowExpr(), pb.Add(logID))

	if _, err := store.Exec(ctx, ws.store.DB, sql, pb.Params()...); err != nil {
		log.Printf("ERROR: webhook scheduler update for %s: %v", logID, err)
		return
	}

	if newStatus == "success" {
		log.Printf("Webhook retry delivered: log=%s attempt=%d", logID, attempt)
	} else if newStatus == "failed" {
		log.Printf("Webhook retry exhausted: log=%s attempt=%d/%d", logID, attempt, maxAttempts)
	}
}

// ProcessWebhookRetries retries due webhook deliveries for a given store and registry.
// Used by the multi-app scheduler.
func ProcessWebhookRetries(s *store.Store, reg *metadata.Registry) {
	ws := NewWebhookScheduler(s, reg)
	ws.processRetries()
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case json.Number:
		n, _ := val.Int64()
		return int(n)
	default:
		return 0
	}
}
