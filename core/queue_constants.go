package core

import "time"

// 通知キューの Redis キーと可視タイムアウトのデフォルト値。
const (
	PendingQueueKey    = "pending_notifications"
	ProcessingQueueKey = "processing_notifications"
	// DefaultVisibilityTimeout はワーカーがジョブを保持する可視タイムアウト。
	DefaultVisibilityTimeout = 30 * time.Second
	// MaxNotificationAttempts を超えた通知は failed として確定する。
	MaxNotificationAttempts = 3
	// requeueBatchSize は reclaimer が 1 回で戻す予約の上限。
	requeueBatchSize = 100
)
