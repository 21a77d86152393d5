package review

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/designmesh/collab/pkg/observability"
)

// Notifier delivers out-of-band review notifications (email, chat,
// webhook) to users who may not be connected to the document.
type Notifier interface {
	Notify(ctx context.Context, userID, subject, body string) error
}

// NoopNotifier discards notifications; used when no delivery channel is
// configured.
type NoopNotifier struct{}

// Notify implements Notifier
func (NoopNotifier) Notify(ctx context.Context, userID, subject, body string) error {
	return nil
}

// retryingNotifier wraps a Notifier with exponential backoff. Delivery
// failures are logged and counted, never surfaced to the review caller.
type retryingNotifier struct {
	next       Notifier
	maxRetries uint64
	logger     observability.Logger
	metrics    observability.MetricsClient
}

func newRetryingNotifier(next Notifier, logger observability.Logger, metrics observability.MetricsClient) *retryingNotifier {
	return &retryingNotifier{
		next:       next,
		maxRetries: 3,
		logger:     logger.WithPrefix("review.notifier"),
		metrics:    metrics,
	}
}

func (n *retryingNotifier) Notify(ctx context.Context, userID, subject, body string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		return n.next.Notify(ctx, userID, subject, body)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, n.maxRetries), ctx))

	if err != nil {
		n.metrics.IncrementCounter("review_notifications_failed", 1)
		n.logger.Warn("Notification delivery failed", map[string]interface{}{
			"user_id": userID,
			"subject": subject,
			"error":   err.Error(),
		})
		return err
	}
	n.metrics.IncrementCounter("review_notifications_sent", 1)
	return nil
}
