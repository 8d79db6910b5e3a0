package core

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// NotificationWorker は通知キューを消費し、リトライと最終失敗の確定を担う。
type NotificationWorker struct {
	queue     RedisClient
	repo      NotificationRepository
	processor *NotificationProcessor
	state     *HeartbeatState

	Visibility  time.Duration
	MaxAttempts int
	IdleWait    time.Duration
}

func NewNotificationWorker(queue RedisClient, repo NotificationRepository, processor *NotificationProcessor, state *HeartbeatState) *NotificationWorker {
	return &NotificationWorker{
		queue:       queue,
		repo:        repo,
		processor:   processor,
		state:       state,
		Visibility:  DefaultVisibilityTimeout,
		MaxAttempts: MaxNotificationAttempts,
		IdleWait:    100 * time.Millisecond,
	}
}

// Run reserves jobs until ctx is cancelled.
func (w *NotificationWorker) Run(ctx context.Context, slot int) error {
	logger := log.WithField("slot", slot)
	for {
		job, err := w.queue.Reserve(ctx, PendingQueueKey, ProcessingQueueKey, w.Visibility)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// キューが空なら少し待つ
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.IdleWait):
					continue
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Warn("dequeue error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		logger.WithField("job", job).Debug("received job")
		w.HandleJob(ctx, job)
	}
}

// HandleJob processes one reserved job. The reservation is acked before a
// retry is pushed back so the retry cannot be removed from the processing set
// by this ack. When the retry counter cannot be updated the reservation is
// left in place for the reclaimer.
func (w *NotificationWorker) HandleJob(ctx context.Context, job string) {
	logger := log.WithField("job", job)
	if w.state != nil {
		w.state.JobStarted(job)
	}
	procErr := w.processor.Process(ctx, job)
	outcome := jobDone
	if procErr != nil {
		outcome = w.settleFailure(ctx, job, procErr)
	}
	if outcome != jobKeepReservation {
		if err := w.queue.Ack(ctx, ProcessingQueueKey, job); err != nil {
			logger.WithError(err).Warn("ack failed")
		}
	}
	if outcome == jobRetry {
		if err := w.queue.Enqueue(ctx, PendingQueueKey, job); err != nil {
			logger.WithError(err).Error("re-enqueue failed")
		}
	}
	if w.state != nil {
		w.state.JobFinished(job, procErr)
	}
}

type jobOutcome int

const (
	jobDone jobOutcome = iota
	jobRetry
	jobKeepReservation
)

func (w *NotificationWorker) settleFailure(ctx context.Context, job string, procErr error) jobOutcome {
	logger := log.WithField("job", job)
	id, parseErr := strconv.ParseInt(job, 10, 64)
	if parseErr != nil {
		logger.WithError(parseErr).Warn("dropping job with malformed id")
		return jobDone
	}
	if errors.Is(procErr, ErrNotificationNotPending) {
		logger.Debug("skip job: already processed")
		return jobDone
	}

	attempts, err := w.repo.IncrementRetry(ctx, id)
	if err != nil {
		logger.WithError(err).Warn("increment retry failed; leaving job to the reclaimer")
		return jobKeepReservation
	}
	if attempts < w.MaxAttempts {
		if err := w.repo.MarkStatus(ctx, id, NotificationPending, ptr(procErr.Error())); err != nil {
			logger.WithError(err).Warn("reset to pending failed")
		}
		logger.WithField("retry_count", attempts).Info("job retried")
		return jobRetry
	}
	if err := w.repo.MarkStatus(ctx, id, NotificationFailed, ptr(procErr.Error())); err != nil {
		logger.WithError(err).Error("mark failed status failed")
	}
	logger.WithFields(log.Fields{"retry_count": attempts, "error": procErr.Error()}).Warn("job failed after retries")
	return jobDone
}

// Reclaim moves expired in-flight jobs back to pending. Only rows still in
// sending are reopened; a row that reached sent or failed stays as it is and
// its requeued job is skipped by the processor.
func (w *NotificationWorker) Reclaim(ctx context.Context, now time.Time) (int, error) {
	jobs, err := w.queue.RequeueExpired(ctx, ProcessingQueueKey, PendingQueueKey, now)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		id, err := strconv.ParseInt(job, 10, 64)
		if err != nil {
			continue
		}
		logger := log.WithField("job", job)
		released, err := w.repo.ReleaseSending(ctx, id)
		if err != nil {
			logger.WithError(err).Warn("[reclaimer] release failed")
			continue
		}
		if !released {
			continue
		}
		attempts, err := w.repo.IncrementRetry(ctx, id)
		if err != nil {
			logger.WithError(err).Warn("[reclaimer] increment retry failed")
			continue
		}
		if attempts >= w.MaxAttempts {
			if err := w.repo.MarkStatus(ctx, id, NotificationFailed, ptr("visibility timeout exceeded")); err != nil {
				logger.WithError(err).Error("[reclaimer] mark failed status failed")
			}
		}
	}
	return len(jobs), nil
}

// RunReclaimer periodically calls Reclaim until ctx is cancelled.
func (w *NotificationWorker) RunReclaimer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.Reclaim(ctx, time.Now())
			if err != nil {
				log.WithError(err).Warn("[reclaimer] requeue expired error")
			} else if n > 0 {
				log.WithField("count", n).Info("[reclaimer] requeued expired jobs")
			}
		}
	}
}
