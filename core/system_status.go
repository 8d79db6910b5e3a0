package core

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// SystemStatus は管理ダッシュボード向けの集約ステータス。
type SystemStatus struct {
	Queue   QueueMetrics `json:"queue"`
	Workers struct {
		Active int `json:"active"`
		Total  int `json:"total"`
	} `json:"workers"`
	Content struct {
		Questions int `json:"questions"`
		Users     int `json:"users"`
	} `json:"content"`
	Notifications map[string]int `json:"notifications"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Errors        []string       `json:"errors,omitempty"`
}

// StatusSources bundles what CollectSystemStatus reads. Nil members are skipped.
type StatusSources struct {
	Metrics       *MetricsService
	Questions     ContentStore
	Users         CredentialStore
	Notifications NotificationRepository
}

// CollectSystemStatus は取得できた項目だけを埋め、失敗した項目はまとめて返す。
func CollectSystemStatus(ctx context.Context, src StatusSources, startedAt time.Time) (SystemStatus, error) {
	var st SystemStatus
	var errs *multierror.Error

	if src.Metrics != nil {
		if qm, err := src.Metrics.Queue(ctx); err == nil {
			st.Queue = qm
		} else {
			errs = multierror.Append(errs, err)
		}
		if workers, err := src.Metrics.Workers(ctx); err == nil {
			st.Workers.Total = len(workers)
			now := time.Now()
			st.Workers.Active = lo.CountBy(workers, func(w WorkerHeartbeat) bool { return w.Delivering(now) })
		} else {
			errs = multierror.Append(errs, err)
		}
	}
	if src.Questions != nil {
		if n, err := src.Questions.Count(ctx); err == nil {
			st.Content.Questions = n
		} else {
			errs = multierror.Append(errs, err)
		}
	}
	if src.Users != nil {
		if _, total, err := src.Users.List(ctx, 1, 1); err == nil {
			st.Content.Users = total
		} else {
			errs = multierror.Append(errs, err)
		}
	}
	st.Notifications = map[string]int{}
	if src.Notifications != nil {
		if counts, err := src.Notifications.CountByStatus(ctx); err == nil {
			st.Notifications = counts
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	if errs != nil {
		st.Errors = lo.Map(errs.Errors, func(e error, _ int) string { return e.Error() })
	}
	return st, errs.ErrorOrNil()
}
