package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// LogNotifier emits the alert as a structured log line at a level
// matched to its severity, grounded on notifier.py's _notify_log.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, channel string, alert *domain.Alert) error {
	entry := n.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"rule_id":  alert.RuleID,
		"level":    alert.Level,
		"detail":   alert.Detail,
	})
	switch alert.Level {
	case domain.SeverityCritical:
		entry.Error(alert.Message)
	case domain.SeverityWarning:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}
	return nil
}

// WebhookNotifier posts the alert to a single fixed URL, grounded on
// notifier.py's _notify_webhook. It is deliberately simpler than the
// task CallbackDispatcher: one fire-and-forget POST, no retry queue —
// alert delivery failure is itself observable via the log channel.
type WebhookNotifier struct {
	client *http.Client
	url    string
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}, url: url}
}

func (n *WebhookNotifier) Notify(ctx context.Context, channel string, alert *domain.Alert) error {
	if n.url == "" {
		return nil
	}
	body, err := json.Marshal(map[string]any{"type": "alert", "alert": alert})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "benchscheduler-alert/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewError(domain.ErrTransientInfra, "alert webhook returned non-2xx status")
	}
	return nil
}
