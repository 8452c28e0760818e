// Package notify posts operator-facing alerts to Slack.
package notify

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
)

// Notifier posts job failure alerts. An empty webhook URL disables it.
type Notifier struct {
	WebhookURL string
	WorkerID   string
	Log        logr.Logger
}

// New builds a Notifier.
func New(webhookURL, workerID string, log logr.Logger) *Notifier {
	return &Notifier{WebhookURL: webhookURL, WorkerID: workerID, Log: log}
}

// Enabled reports whether alerts are delivered.
func (n *Notifier) Enabled() bool {
	return n != nil && n.WebhookURL != ""
}

// JobFailed posts a failure alert. Message must already be redacted.
// Delivery failures are logged, never propagated.
func (n *Notifier) JobFailed(ctx context.Context, jobID, message string, retryable bool) {
	if !n.Enabled() {
		return
	}
	disposition := "operator attention required"
	if retryable {
		disposition = "returned to queue"
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: MoonMind worker %s failed job %s (%s)\n> %s",
			n.WorkerID, jobID, disposition, message),
	}
	if err := slack.PostWebhookContext(ctx, n.WebhookURL, msg); err != nil {
		n.Log.Info("Slack notification failed", "job", jobID, "error", err.Error())
	}
}

// OperatorRequested posts an alert for a job parked for manual intervention.
func (n *Notifier) OperatorRequested(ctx context.Context, jobID, class string) {
	if !n.Enabled() {
		return
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":construction: MoonMind worker %s parked job %s for an operator (class %s)",
			n.WorkerID, jobID, class),
	}
	if err := slack.PostWebhookContext(ctx, n.WebhookURL, msg); err != nil {
		n.Log.Info("Slack notification failed", "job", jobID, "error", err.Error())
	}
}
