package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"
)

// QueueMetrics は登録メール通知キューの現在値を表す。
// Overdue は期限切れで reclaimer の回収待ちになっている予約数。
type QueueMetrics struct {
	Pending      int64      `json:"pending"`
	InFlight     int64      `json:"in_flight"`
	Overdue      int64      `json:"overdue"`
	NextDeadline *time.Time `json:"next_deadline,omitempty"`
}

// MetricsService は Redis からキュー長とワーカーハートビートを取得する。
type MetricsService struct {
	redis RedisClientRaw
}

func NewMetricsService(redis RedisClientRaw) *MetricsService {
	return &MetricsService{redis: redis}
}

func (s *MetricsService) Overview(ctx context.Context) (QueueMetrics, []WorkerHeartbeat, error) {
	queue, err := s.Queue(ctx)
	if err != nil {
		return QueueMetrics{}, nil, err
	}
	workers, err := s.Workers(ctx)
	if err != nil {
		return queue, nil, err
	}
	return queue, workers, nil
}

// Queue reads the notification queue as of now.
func (s *MetricsService) Queue(ctx context.Context) (QueueMetrics, error) {
	return s.queueAt(ctx, time.Now())
}

func (s *MetricsService) queueAt(ctx context.Context, now time.Time) (QueueMetrics, error) {
	var m QueueMetrics
	var err error
	if m.Pending, err = s.redis.LLen(ctx, PendingQueueKey).Result(); err != nil {
		return QueueMetrics{}, fmt.Errorf("pending length: %w", err)
	}
	if m.InFlight, err = s.redis.ZCard(ctx, ProcessingQueueKey).Result(); err != nil {
		return QueueMetrics{}, fmt.Errorf("in-flight count: %w", err)
	}
	if m.InFlight == 0 {
		return m, nil
	}
	nowMillis := strconv.FormatInt(now.UnixMilli(), 10)
	if m.Overdue, err = s.redis.ZCount(ctx, ProcessingQueueKey, "-inf", nowMillis).Result(); err != nil {
		return QueueMetrics{}, fmt.Errorf("overdue count: %w", err)
	}
	earliest, err := s.redis.ZRangeWithScores(ctx, ProcessingQueueKey, 0, 0).Result()
	if err != nil {
		return QueueMetrics{}, fmt.Errorf("next deadline: %w", err)
	}
	if len(earliest) == 1 {
		m.NextDeadline = ptr(time.UnixMilli(int64(earliest[0].Score)).UTC())
	}
	return m, nil
}

// Workers は Redis に残っているハートビートを worker_id 順で返す。
// 壊れた値は読み飛ばす。TTL 内でも更新が止まったものは Stale で判定する。
func (s *MetricsService) Workers(ctx context.Context) ([]WorkerHeartbeat, error) {
	iter := s.redis.Scan(ctx, 0, WorkerHeartbeatPrefix+"*", 100).Iterator()
	var res []WorkerHeartbeat
	for iter.Next(ctx) {
		val, err := s.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal([]byte(val), &hb); err != nil {
			continue
		}
		res = append(res, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	res = lo.UniqBy(res, func(hb WorkerHeartbeat) string { return hb.WorkerID })
	sortHeartbeats(res)
	return res, nil
}

func (s *MetricsService) WorkerByID(ctx context.Context, id string) (*WorkerHeartbeat, error) {
	val, err := s.redis.Get(ctx, WorkerHeartbeatKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var hb WorkerHeartbeat
	if err := json.Unmarshal([]byte(val), &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

func sortHeartbeats(hbs []WorkerHeartbeat) {
	sort.Slice(hbs, func(i, j int) bool { return hbs[i].WorkerID < hbs[j].WorkerID })
}
