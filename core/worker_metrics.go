package core

import (
	"context"
	"encoding/json"
	"runtime"
	"time"
)

const (
	WorkerHeartbeatPrefix = "mailer:heartbeat:"
	WorkerHeartbeatTTL    = 45 * time.Second

	heartbeatInterval = 5 * time.Second
	// 3 回続けて送信が途切れた worker は停止扱い。
	heartbeatStaleAfter = 3 * heartbeatInterval
)

const (
	WorkerStarting = "starting"
	WorkerIdle     = "idle"
	WorkerBusy     = "busy"
)

func WorkerHeartbeatKey(id string) string {
	return WorkerHeartbeatPrefix + id
}

// SaveHeartbeat stores heartbeat JSON with TTL.
func SaveHeartbeat(ctx context.Context, client RedisClientRaw, hb WorkerHeartbeat) error {
	hb.UpdatedAt = time.Now()
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return client.Set(ctx, WorkerHeartbeatKey(hb.WorkerID), data, WorkerHeartbeatTTL).Err()
}

// WorkerHeartbeat はメール worker が Redis に定期送信する稼働情報。
type WorkerHeartbeat struct {
	WorkerID       string    `json:"worker_id"`
	Hostname       string    `json:"hostname"`
	PID            int       `json:"pid"`
	Queue          string    `json:"queue"`
	Concurrency    int       `json:"concurrency"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Status         string    `json:"status"`
	RunningCount   int       `json:"running_count"`
	CurrentJob     string    `json:"current_job,omitempty"`
	RunningJobs    []string  `json:"running_jobs,omitempty"`
	ProcessedTotal int64     `json:"processed_total"`
	FailedTotal    int64     `json:"failed_total"`
	LastError      string    `json:"last_error,omitempty"`
	HeapBytes      uint64    `json:"heap_bytes"`
	NumGoroutine   int       `json:"num_goroutine"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Stale reports whether the worker stopped flushing even though its key has
// not expired yet.
func (h WorkerHeartbeat) Stale(now time.Time) bool {
	return now.Sub(h.UpdatedAt) > heartbeatStaleAfter
}

// Delivering reports whether the worker is up and consuming the queue.
func (h WorkerHeartbeat) Delivering(now time.Time) bool {
	return h.Status != WorkerStarting && !h.Stale(now)
}

func (h *WorkerHeartbeat) UpdateRuntimeStats() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.HeapBytes = ms.HeapAlloc
	h.NumGoroutine = runtime.NumGoroutine()
}
