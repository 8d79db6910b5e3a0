package core

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// QueueNotifier records a notification row and hands its id to the mail worker.
type QueueNotifier struct {
	repo  NotificationRepository
	queue RedisClient
}

func NewQueueNotifier(repo NotificationRepository, queue RedisClient) *QueueNotifier {
	return &QueueNotifier{repo: repo, queue: queue}
}

func (n *QueueNotifier) NotifyRegistrationSuccess(ctx context.Context, email string) error {
	id, err := n.repo.Create(ctx, NotificationKindRegistration, email)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	if err := n.queue.Enqueue(ctx, PendingQueueKey, strconv.FormatInt(id, 10)); err != nil {
		_ = n.repo.MarkStatus(ctx, id, NotificationFailed, ptr("enqueue failed: "+err.Error()))
		return fmt.Errorf("enqueue notification %d: %w", id, err)
	}
	log.WithField("notification_id", id).Debug("registration notification queued")
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
