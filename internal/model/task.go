package model

import "time"

// TaskState は配信タスクの状態を表す。
type TaskState string

const (
	// TaskStatePending は実行待ちの状態。
	TaskStatePending TaskState = "pending"
	// TaskStateClaimed はワーカーがリースを取得して実行中の状態。
	TaskStateClaimed TaskState = "claimed"
	// TaskStateRetrying は一時的な失敗後、再実行待ちの状態。
	TaskStateRetrying TaskState = "retrying"
	// TaskStateDelivered は配信に成功した終端状態。
	TaskStateDelivered TaskState = "delivered"
	// TaskStateFailed は試行回数を使い切った、または恒久的に失敗した終端状態。
	TaskStateFailed TaskState = "failed"
)

// Terminal は状態が終端（これ以上遷移しない）かどうかを返す。
func (s TaskState) Terminal() bool {
	return s == TaskStateDelivered || s == TaskStateFailed
}

// DeliveryTask は1つの配信枠（購読者×配信予定時刻）に対する作業単位を表す。
// (subscriber_id, scheduled_at) の組に対して非failedのタスクは高々1つ
// （タスクストアの部分一意インデックスで保証される）。
type DeliveryTask struct {
	ID             string
	SubscriberID   string
	EntryID        string
	ScheduledAt    time.Time
	State          TaskState
	Attempts       int
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	NextAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseHeldBy は指定ownerが現時点で有効なリースを保持しているかを返す。
func (t *DeliveryTask) LeaseHeldBy(ownerID string, now time.Time) bool {
	return t.LeaseOwner == ownerID &&
		t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}
