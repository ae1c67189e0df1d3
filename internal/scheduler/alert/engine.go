// Package alert implements the AlertEngine: a built-in rule set
// evaluated against a periodic system snapshot, with cooldown-gated
// triggering and manual-only resolution. Grounded on
// original_source/alerts/rules.py (AlertRuleEngine, BUILTIN_RULES) and
// original_source/alerts/notifier.py (AlertNotifier's log/webhook
// channel fan-out and stats rollup), translated from the Python
// AlertCondition/AlertRule dataclasses into domain.AlertRule +
// domain.ComparisonOperator.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// DefaultCheckInterval mirrors ALERT_CHECK_INTERVAL_SECONDS.
const DefaultCheckInterval = 60 * time.Second

// Snapshot is the set of metrics the engine evaluates rules against on
// each tick. A nil field means "not sampled this tick" and any rule
// keyed on it is skipped — zero is a valid sampled value (e.g. zero
// available GPUs), so plain numeric fields cannot represent "unknown".
type Snapshot struct {
	AvailableGPUs       *int
	MinGPUFreeMemoryGB  *float64
	MaxGPUTempC         *float64
	QueueLength         *int
	ConsecutiveFailures *int
	DiskFreeGB          *float64
	ActiveWorkers       *int
}

// IntPtr and FloatPtr are convenience constructors for Snapshot's
// optional fields, used by the composition root when wiring a
// SnapshotSource from the GPU manager, queue, and WorkerManager.
func IntPtr(v int) *int           { return &v }
func FloatPtr(v float64) *float64 { return &v }

func (s Snapshot) metric(name string) (float64, bool) {
	switch name {
	case "available_gpus":
		if s.AvailableGPUs == nil {
			return 0, false
		}
		return float64(*s.AvailableGPUs), true
	case "min_gpu_free_memory_gb":
		if s.MinGPUFreeMemoryGB == nil {
			return 0, false
		}
		return *s.MinGPUFreeMemoryGB, true
	case "max_gpu_temp":
		if s.MaxGPUTempC == nil {
			return 0, false
		}
		return *s.MaxGPUTempC, true
	case "queue_length":
		if s.QueueLength == nil {
			return 0, false
		}
		return float64(*s.QueueLength), true
	case "consecutive_failures":
		if s.ConsecutiveFailures == nil {
			return 0, false
		}
		return float64(*s.ConsecutiveFailures), true
	case "disk_free_gb":
		if s.DiskFreeGB == nil {
			return 0, false
		}
		return *s.DiskFreeGB, true
	case "active_workers":
		if s.ActiveWorkers == nil {
			return 0, false
		}
		return float64(*s.ActiveWorkers), true
	default:
		return 0, false
	}
}

// SnapshotSource produces the current metrics snapshot; normally backed
// by the gpu.Manager, queue.PriorityQueue, and WorkerManager.
type SnapshotSource interface {
	Snapshot(ctx context.Context) Snapshot
}

// Notifier delivers a fired alert over one channel (e.g. "log" or
// "webhook"); unknown channel names are skipped with a warning.
type Notifier interface {
	Notify(ctx context.Context, channel string, alert *domain.Alert) error
}

func builtinRules() []*domain.AlertRule {
	return []*domain.AlertRule{
		{ID: "gpu_unavailable", Name: "GPU unavailable", Description: "no GPU device is reachable",
			Metric: "available_gpus", Operator: domain.OpLessThan, Threshold: 1,
			Severity: domain.SeverityCritical, CooldownSeconds: 60, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
		{ID: "gpu_memory_low", Name: "GPU memory low", Description: "free GPU memory below 2GB",
			Metric: "min_gpu_free_memory_gb", Operator: domain.OpLessThan, Threshold: 2.0,
			Severity: domain.SeverityWarning, CooldownSeconds: 300, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
		{ID: "gpu_temp_high", Name: "GPU temperature high", Description: "GPU temperature above 85C",
			Metric: "max_gpu_temp", Operator: domain.OpGreaterThan, Threshold: 85,
			Severity: domain.SeverityWarning, CooldownSeconds: 300, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
		{ID: "queue_backlog", Name: "Queue backlog", Description: "more than 100 tasks pending",
			Metric: "queue_length", Operator: domain.OpGreaterThan, Threshold: 100,
			Severity: domain.SeverityWarning, CooldownSeconds: 600, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
		{ID: "task_failures_streak", Name: "Task failure streak", Description: "more than 5 consecutive task failures",
			Metric: "consecutive_failures", Operator: domain.OpGreaterThan, Threshold: 5,
			Severity: domain.SeverityWarning, CooldownSeconds: 300, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
		{ID: "disk_low", Name: "Disk space low", Description: "free disk space below 50GB",
			Metric: "disk_free_gb", Operator: domain.OpLessThan, Threshold: 50,
			Severity: domain.SeverityWarning, CooldownSeconds: 3600, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
		{ID: "worker_offline", Name: "Worker offline", Description: "no active worker heartbeat",
			Metric: "active_workers", Operator: domain.OpLessThan, Threshold: 1,
			Severity: domain.SeverityCritical, CooldownSeconds: 60, Enabled: true,
			NotificationChannels: []string{"log", "webhook"}},
	}
}

// Engine owns the rule set, the active-alert map, and the evaluation
// loop. Resolution is always manual; the engine never auto-resolves an
// alert once its condition stops holding.
type Engine struct {
	mu     sync.Mutex
	rules  map[string]*domain.AlertRule
	active map[string]*domain.Alert
	history []*domain.Alert

	source    SnapshotSource
	notifiers map[string]Notifier
	logger    *logrus.Logger

	maxHistory int
}

// New constructs an Engine pre-loaded with the built-in rule set.
func New(source SnapshotSource, notifiers map[string]Notifier, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Engine{
		rules:      map[string]*domain.AlertRule{},
		active:     map[string]*domain.Alert{},
		source:     source,
		notifiers:  notifiers,
		logger:     logger,
		maxHistory: 1000,
	}
	for _, r := range builtinRules() {
		e.rules[r.ID] = r
	}
	return e
}

// AddRule registers a custom rule, overwriting any existing rule of the
// same ID.
func (e *Engine) AddRule(rule *domain.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
}

// RemoveRule deletes a rule by ID; returns false if it did not exist.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	return true
}

// EnableRule / DisableRule flip a rule's Enabled flag; both are
// idempotent and return false only if the rule is unknown.
func (e *Engine) EnableRule(id string) bool  { return e.setEnabled(id, true) }
func (e *Engine) DisableRule(id string) bool { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	return true
}

// ListRules returns every rule, built-in and custom.
func (e *Engine) ListRules() []*domain.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Evaluate runs every enabled, cooldown-clear rule against snapshot,
// firing an Alert for each rule whose condition holds.
func (e *Engine) Evaluate(ctx context.Context, snapshot Snapshot, now time.Time) []*domain.Alert {
	e.mu.Lock()
	var toFire []*domain.AlertRule
	for _, r := range e.rules {
		if !r.CanTrigger(now) {
			continue
		}
		value, ok := snapshot.metric(r.Metric)
		if !ok {
			continue
		}
		if r.Operator.Evaluate(value, r.Threshold) {
			toFire = append(toFire, r)
		}
	}
	e.mu.Unlock()

	var fired []*domain.Alert
	for _, r := range toFire {
		value, _ := snapshot.metric(r.Metric)
		alert := e.fire(ctx, r, value, now)
		fired = append(fired, alert)
	}
	return fired
}

func (e *Engine) fire(ctx context.Context, rule *domain.AlertRule, value float64, now time.Time) *domain.Alert {
	alert := &domain.Alert{
		ID:      "alert_" + uuid.New().String()[:12],
		RuleID:  rule.ID,
		Level:   rule.Severity,
		Message: fmt.Sprintf("%s: %s (value=%v, threshold %s%v)", rule.Name, rule.Description, value, rule.Operator, rule.Threshold),
		Detail: map[string]any{
			"metric":    rule.Metric,
			"value":     value,
			"threshold": rule.Threshold,
		},
		CreatedAt: now,
	}

	e.mu.Lock()
	rule.LastTriggered = &now
	rule.TriggerCount++
	e.active[alert.ID] = alert
	e.history = append(e.history, alert)
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
	channels := append([]string(nil), rule.NotificationChannels...)
	e.mu.Unlock()

	for _, channel := range channels {
		n, ok := e.notifiers[channel]
		if !ok {
			e.logger.WithField("channel", channel).Warn("no notifier registered for alert channel")
			continue
		}
		if err := n.Notify(ctx, channel, alert); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"alert_id": alert.ID, "channel": channel,
			}).Error("alert notification failed")
		}
	}

	return alert
}

// Resolve manually resolves an active alert; never called automatically.
func (e *Engine) Resolve(id, resolvedBy string, now time.Time) (*domain.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.active[id]
	if !ok {
		return nil, false
	}
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy
	delete(e.active, id)
	cp := *alert
	return &cp, true
}

// ActiveAlerts returns every unresolved alert, optionally filtered by
// severity when level is non-empty.
func (e *Engine) ActiveAlerts(level domain.AlertSeverity) []*domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*domain.Alert
	for _, a := range e.active {
		if level != "" && a.Level != level {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Stats mirrors AlertNotifier.get_stats.
type Stats struct {
	Total    int
	Active   int
	Resolved int
	ByLevel  map[domain.AlertSeverity]int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Stats{Total: len(e.history), Active: len(e.active), ByLevel: map[domain.AlertSeverity]int{}}
	stats.Resolved = stats.Total - stats.Active
	for _, a := range e.history {
		stats.ByLevel[a.Level]++
	}
	return stats
}

// Run drives Evaluate on interval until ctx is cancelled. A nil
// SnapshotSource makes Run a no-op loop that still respects ctx.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if e.source == nil {
				continue
			}
			snapshot := e.source.Snapshot(ctx)
			e.Evaluate(ctx, snapshot, now)
		}
	}
}
