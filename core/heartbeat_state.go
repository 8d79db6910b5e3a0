package core

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// HeartbeatState は単一メール worker プロセスの集約メトリクスを保持する。
type HeartbeatState struct {
	mu       sync.Mutex
	hb       WorkerHeartbeat
	running  map[string]time.Time
	interval time.Duration
}

func NewHeartbeatState(workerID, hostname string, concurrency int) *HeartbeatState {
	now := time.Now()
	return &HeartbeatState{
		hb: WorkerHeartbeat{
			WorkerID:    workerID,
			Hostname:    hostname,
			PID:         os.Getpid(),
			Queue:       PendingQueueKey,
			Concurrency: concurrency,
			Status:      WorkerStarting,
			StartedAt:   now,
			UpdatedAt:   now,
			RunningJobs: []string{},
		},
		running:  make(map[string]time.Time),
		interval: heartbeatInterval,
	}
}

// Start は ctx が閉じるまで TTL 付きハートビートを送り続ける。
func (s *HeartbeatState) Start(ctx context.Context, client RedisClientRaw) error {
	s.flush(ctx, client)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.flush(ctx, client)
		}
	}
}

func (s *HeartbeatState) JobStarted(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hb.Status = WorkerBusy
	s.running[job] = time.Now()
	s.updateRunningFieldsLocked()
}

func (s *HeartbeatState) JobFinished(job string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, job)
	s.hb.ProcessedTotal++
	if err != nil {
		s.hb.FailedTotal++
		s.hb.LastError = err.Error()
	}
	if len(s.running) == 0 {
		s.hb.Status = WorkerIdle
	}
	s.updateRunningFieldsLocked()
}

// Snapshot returns a copy of the current heartbeat.
func (s *HeartbeatState) Snapshot() WorkerHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.hb
	hb.RunningJobs = append([]string(nil), s.hb.RunningJobs...)
	return hb
}

// 古い順に最大 3 件だけ running_jobs に載せる。
func (s *HeartbeatState) updateRunningFieldsLocked() {
	jobs := lo.Keys(s.running)
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := s.running[jobs[i]], s.running[jobs[j]]
		if ti.Equal(tj) {
			return jobs[i] < jobs[j]
		}
		return ti.Before(tj)
	})
	s.hb.RunningCount = len(jobs)
	s.hb.RunningJobs = lo.Slice(jobs, 0, 3)
	s.hb.CurrentJob = ""
	if len(jobs) > 0 {
		s.hb.CurrentJob = jobs[0]
	}
}

func (s *HeartbeatState) flush(ctx context.Context, client RedisClientRaw) {
	s.mu.Lock()
	s.hb.UptimeSeconds = int64(time.Since(s.hb.StartedAt).Seconds())
	s.hb.UpdateRuntimeStats()
	hbCopy := s.hb
	s.mu.Unlock()
	if err := SaveHeartbeat(ctx, client, hbCopy); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("heartbeat flush failed")
	}
}
