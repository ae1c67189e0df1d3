// Package callback implements the CallbackDispatcher: HTTP POST delivery
// of task lifecycle events with exponential-backoff retry, HMAC-SHA256
// signing, and a bounded in-memory delivery history. Grounded on
// original_source/core/callback/webhook.py's WebhookClient (retry
// schedule, signature scheme, stats rollup) translated from
// asyncio/httpx into goroutines, a bounded worker pool, and net/http,
// and on the teacher's pkg/integrations/adapters/slack.go for the
// http.Client-with-timeout shape.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// DefaultMaxRetries is the number of retries after the original attempt
// (so up to DefaultMaxRetries+1 total attempts), mirroring WEBHOOK_MAX_RETRIES.
const DefaultMaxRetries = 3

// DefaultInitialBackoff is the delay before the first retry.
const DefaultInitialBackoff = 5 * time.Second

// DefaultBackoffFactor is the multiplier applied to the backoff after
// each failed attempt.
const DefaultBackoffFactor = 2.0

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 30 * time.Second

// DefaultMaxInFlight bounds concurrent deliveries across all tasks.
const DefaultMaxInFlight = 8

// DefaultMaxHistory is the FIFO-evicted cap on retained CallbackRecords.
const DefaultMaxHistory = 1000

// LogSink is the boundary to the per-task log store: the dispatcher only
// needs to append structured entries, never the retrieval or streaming
// side those entries eventually serve.
type LogSink interface {
	Append(entry domain.LogEntry)
}

// HTTPDoer is the subset of *http.Client the dispatcher needs; tests
// substitute httpmock's RoundTripper via http.Client, so this interface
// exists only to make that substitution explicit at the call site.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the dispatcher's tunables.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64
	Timeout        time.Duration
	MaxInFlight    int
	MaxHistory     int
	Secret         string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		BackoffFactor:  DefaultBackoffFactor,
		Timeout:        DefaultTimeout,
		MaxInFlight:    DefaultMaxInFlight,
		MaxHistory:     DefaultMaxHistory,
	}
}

// Dispatcher delivers task lifecycle events to subscriber webhooks.
// Satisfies worker.CallbackEmitter.
type Dispatcher struct {
	client HTTPDoer
	cfg    Config
	logs   LogSink
	logger *logrus.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	history []*domain.CallbackRecord
}

// New constructs a Dispatcher. client defaults to an *http.Client with
// cfg.Timeout when nil. logs may be nil, in which case per-task
// structured logging of delivery outcomes is simply skipped.
func New(client HTTPDoer, cfg Config, logs LogSink, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		logs:   logs,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxInFlight),
	}
}

// Emit enqueues a delivery for task's event, blocking only until a
// worker slot is free, not until delivery completes — the worker pool
// never stalls on a slow subscriber endpoint.
func (d *Dispatcher) Emit(ctx context.Context, task *domain.Task, event domain.CallbackEvent, data map[string]any) {
	if task.CallbackURL == "" {
		return
	}

	record := &domain.CallbackRecord{
		ID:        "cb_" + uuid.New().String()[:12],
		TaskID:    task.ID.String(),
		Event:     event,
		URL:       task.CallbackURL,
		CreatedAt: time.Now(),
		Payload:   buildPayload(task.ID.String(), event, data),
	}

	d.wg.Add(1)
	d.sem <- struct{}{}
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.deliver(ctx, record)
		d.save(record)
		d.logDelivery(task.ID, record)
	}()
}

func (d *Dispatcher) logDelivery(taskID uuid.UUID, record *domain.CallbackRecord) {
	if d.logs == nil {
		return
	}
	if record.Success {
		d.logs.Append(domain.LogEntry{
			TaskID: taskID, Timestamp: time.Now(), Level: domain.LogInfo,
			Message: "callback delivered",
			Fields:  map[string]any{"event": string(record.Event), "attempts": record.Attempts},
		})
		return
	}
	d.logs.Append(domain.LogEntry{
		TaskID: taskID, Timestamp: time.Now(), Level: domain.LogError,
		Message: "callback delivery exhausted all retries",
		Fields:  map[string]any{"event": string(record.Event), "error": record.Error},
	})
}

// Wait blocks until every in-flight delivery completes. Intended for
// tests and graceful shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func buildPayload(taskID string, event domain.CallbackEvent, data map[string]any) map[string]any {
	return map[string]any{
		"event":     string(event),
		"task_id":   taskID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, record *domain.CallbackRecord) {
	body := map[string]any{}
	for k, v := range record.Payload {
		body[k] = v
	}
	if d.cfg.Secret != "" {
		body["signature"] = sign(body, d.cfg.Secret)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		record.Error = err.Error()
		return
	}

	backoff := d.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultInitialBackoff
	}
	factor := d.cfg.BackoffFactor
	if factor <= 0 {
		factor = DefaultBackoffFactor
	}
	maxRetries := d.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		record.Attempts = attempt + 1
		status, err := d.attempt(ctx, record.URL, record.Event, record.ID, encoded)
		now := time.Now()
		record.SentAt = &now
		record.ResponseStatus = status

		if err == nil && status >= 200 && status < 300 {
			record.Success = true
			d.logger.WithFields(logrus.Fields{
				"callback_id": record.ID, "task_id": record.TaskID,
				"event": record.Event, "status": status, "attempts": record.Attempts,
			}).Info("callback delivered")
			return
		}

		if err != nil {
			record.Error = err.Error()
		} else {
			record.Error = fmt.Sprintf("http %d", status)
		}
		d.logger.WithFields(logrus.Fields{
			"callback_id": record.ID, "task_id": record.TaskID,
			"attempt": record.Attempts, "error": record.Error,
		}).Warn("callback delivery attempt failed")

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * factor)
		}
	}

	d.logger.WithFields(logrus.Fields{
		"callback_id": record.ID, "task_id": record.TaskID, "url": record.URL,
	}).Error("callback exhausted all retries")
}

func (d *Dispatcher) attempt(ctx context.Context, url string, event domain.CallbackEvent, callbackID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "benchscheduler-webhook/1.0")
	req.Header.Set("X-Webhook-Event", string(event))
	req.Header.Set("X-Webhook-ID", callbackID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// sign computes the canonical HMAC-SHA256 signature over payload,
// excluding the "signature" key itself, with sorted keys and no
// whitespace — matching the original client's verification expectation.
func sign(payload map[string]any, secret string) string {
	canonical := canonicalJSON(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON renders payload (excluding "signature") as JSON with
// keys sorted and no inter-token whitespace.
func canonicalJSON(payload map[string]any) []byte {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, _ := json.Marshal(payload[k])
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func (d *Dispatcher) save(record *domain.CallbackRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, record)
	if len(d.history) > d.cfg.MaxHistory {
		d.history = d.history[len(d.history)-d.cfg.MaxHistory:]
	}
}

// Filter narrows History results; zero-value fields are unfiltered.
type Filter struct {
	TaskID  string
	Event   *domain.CallbackEvent
	Success *bool
}

// History returns up to limit matching records, most recent first.
func (d *Dispatcher) History(filter Filter, limit int) []*domain.CallbackRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []*domain.CallbackRecord
	for i := len(d.history) - 1; i >= 0; i-- {
		r := d.history[i]
		if filter.TaskID != "" && r.TaskID != filter.TaskID {
			continue
		}
		if filter.Event != nil && r.Event != *filter.Event {
			continue
		}
		if filter.Success != nil && r.Success != *filter.Success {
			continue
		}
		matched = append(matched, r)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched
}

// EventStats is the per-event breakdown within Stats.
type EventStats struct {
	Total   int
	Success int
	Failed  int
}

// Stats is the dispatcher-wide delivery rollup, grounded on
// WebhookClient.get_stats.
type Stats struct {
	Total       int
	Success     int
	Failed      int
	SuccessRate float64
	ByEvent     map[domain.CallbackEvent]EventStats
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{ByEvent: map[domain.CallbackEvent]EventStats{}}
	for _, r := range d.history {
		stats.Total++
		es := stats.ByEvent[r.Event]
		es.Total++
		if r.Success {
			stats.Success++
			es.Success++
		} else {
			stats.Failed++
			es.Failed++
		}
		stats.ByEvent[r.Event] = es
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Total) * 100
	}
	return stats
}
