package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatStateTracksJobs(t *testing.T) {
	s := NewHeartbeatState("w1", "host", 2)
	assert.Equal(t, WorkerStarting, s.Snapshot().Status)

	s.JobStarted("1")
	s.JobStarted("2")
	hb := s.Snapshot()
	assert.Equal(t, WorkerBusy, hb.Status)
	assert.Equal(t, 2, hb.RunningCount)
	assert.Equal(t, "1", hb.CurrentJob)

	s.JobFinished("1", nil)
	s.JobFinished("2", errors.New("boom"))
	hb = s.Snapshot()
	assert.Equal(t, WorkerIdle, hb.Status)
	assert.Equal(t, int64(2), hb.ProcessedTotal)
	assert.Equal(t, int64(1), hb.FailedTotal)
	assert.Equal(t, "boom", hb.LastError)
	assert.Empty(t, hb.CurrentJob)
}

func TestMetricsServiceReadsQueueAndHeartbeats(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(client)
	require.NoError(t, q.Enqueue(ctx, PendingQueueKey, "1"))
	require.NoError(t, q.Enqueue(ctx, PendingQueueKey, "2"))
	_, err := q.Reserve(ctx, PendingQueueKey, ProcessingQueueKey, -time.Second)
	require.NoError(t, err)

	require.NoError(t, SaveHeartbeat(ctx, client, WorkerHeartbeat{WorkerID: "b", Status: WorkerIdle}))
	require.NoError(t, SaveHeartbeat(ctx, client, WorkerHeartbeat{WorkerID: "a", Status: WorkerStarting}))
	mr.Set(WorkerHeartbeatKey("broken"), "{not json")

	svc := NewMetricsService(client)
	queue, workers, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queue.Pending)
	assert.Equal(t, int64(1), queue.InFlight)
	assert.Equal(t, int64(1), queue.Overdue)
	require.NotNil(t, queue.NextDeadline)
	assert.True(t, queue.NextDeadline.Before(time.Now()))
	require.Len(t, workers, 2)
	assert.Equal(t, "a", workers[0].WorkerID)
	assert.Equal(t, "b", workers[1].WorkerID)

	hb, err := svc.WorkerByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, WorkerIdle, hb.Status)

	_, err = svc.WorkerByID(ctx, "missing")
	assert.ErrorIs(t, err, redis.Nil)

	assert.Equal(t, WorkerHeartbeatTTL, mr.TTL(WorkerHeartbeatKey("a")))
}

func TestMetricsServiceQueueDeadlines(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(client)
	svc := NewMetricsService(client)

	m, err := svc.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueMetrics{}, m)

	for _, job := range []string{"1", "2", "3"} {
		require.NoError(t, q.Enqueue(ctx, PendingQueueKey, job))
	}
	_, err = q.Reserve(ctx, PendingQueueKey, ProcessingQueueKey, time.Minute)
	require.NoError(t, err)
	_, err = q.Reserve(ctx, PendingQueueKey, ProcessingQueueKey, time.Hour)
	require.NoError(t, err)

	now := time.Now()
	m, err = svc.queueAt(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Pending)
	assert.Equal(t, int64(2), m.InFlight)
	assert.Zero(t, m.Overdue)
	require.NotNil(t, m.NextDeadline)
	assert.WithinDuration(t, now.Add(time.Minute), *m.NextDeadline, 5*time.Second)

	m, err = svc.queueAt(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Overdue)
}

func TestHeartbeatStaleness(t *testing.T) {
	now := time.Now()
	fresh := WorkerHeartbeat{Status: WorkerIdle, UpdatedAt: now.Add(-heartbeatInterval)}
	stale := WorkerHeartbeat{Status: WorkerBusy, UpdatedAt: now.Add(-heartbeatStaleAfter - time.Second)}
	starting := WorkerHeartbeat{Status: WorkerStarting, UpdatedAt: now}

	assert.False(t, fresh.Stale(now))
	assert.True(t, fresh.Delivering(now))
	assert.True(t, stale.Stale(now))
	assert.False(t, stale.Delivering(now))
	assert.False(t, starting.Delivering(now))
}

func TestCollectSystemStatus(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, SaveHeartbeat(ctx, client, WorkerHeartbeat{WorkerID: "a", Status: WorkerBusy}))

	questions := NewQuestionService(newMemQuestionStore())
	_, err := questions.CreateQuestion(ctx, newQuestionInput("alpha"))
	require.NoError(t, err)
	users := newMemUserStore()
	seedUser(users, "u", "pw", "u@x", userRole())
	notifications := newMemNotificationRepo()
	_, _ = notifications.Create(ctx, NotificationKindRegistration, "u@x")

	st, err := CollectSystemStatus(ctx, StatusSources{
		Metrics:       NewMetricsService(client),
		Questions:     questions.store,
		Users:         users,
		Notifications: notifications,
	}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Workers.Total)
	assert.Equal(t, 1, st.Workers.Active)
	assert.Equal(t, 1, st.Content.Questions)
	assert.Equal(t, 1, st.Content.Users)
	assert.Equal(t, map[string]int{NotificationPending: 1}, st.Notifications)
	assert.GreaterOrEqual(t, st.UptimeSeconds, int64(59))
}

type brokenNotificationRepo struct{ *memNotificationRepo }

func (brokenNotificationRepo) CountByStatus(context.Context) (map[string]int, error) {
	return nil, errors.New("notifications unavailable")
}

func TestCollectSystemStatusPartial(t *testing.T) {
	ctx := context.Background()
	users := newMemUserStore()
	seedUser(users, "u", "pw", "u@x", userRole())

	st, err := CollectSystemStatus(ctx, StatusSources{
		Users:         users,
		Notifications: brokenNotificationRepo{newMemNotificationRepo()},
	}, time.Time{})
	require.Error(t, err)
	assert.Equal(t, 1, st.Content.Users)
	assert.Empty(t, st.Notifications)
	assert.Equal(t, []string{"notifications unavailable"}, st.Errors)
	assert.Zero(t, st.UptimeSeconds)
}
