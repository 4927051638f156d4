// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// TaskRepository は配信タスクの永続化インターフェース。
// タスク状態の唯一の真実の源であり、リース付きの条件付き更新（CAS）で
// 二重配信を防ぐ。すべての状態遷移はこのインターフェース経由で行う。
type TaskRepository interface {
	// CreateIfAbsent はタスクを作成する。同一の(subscriber_id, scheduled_at)に
	// 非failedタスクが既に存在する場合は何もせずfalseを返す（冪等な具現化）。
	CreateIfAbsent(ctx context.Context, task *model.DeliveryTask) (bool, error)

	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DeliveryTask, error)

	// ListDue はnext_attempt_at <= now のpending/retryingタスクに加え、
	// リース期限切れのclaimedタスク（保持者クラッシュの痕跡）を
	// next_attempt_at昇順で最大limit件取得する。
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryTask, error)

	// Claim はタスクのリース取得を試みる。
	// pending/retryingかつリースが存在しないか期限切れでnext_attempt_at <= now
	// の場合、またはclaimedのままリースが失効している場合に成功し、
	// state=claimed・attemptsインクリメント・リース設定を
	// 単一の条件付きUPDATEで行う。成功したらtrueを返す。
	Claim(ctx context.Context, taskID, ownerID string, until, now time.Time) (bool, error)

	// Renew は保持中のリースの期限を延長する。
	// オーナーが一致し、かつリースが未失効の場合のみ成功する。
	Renew(ctx context.Context, taskID, ownerID string, until, now time.Time) (bool, error)

	// Release はオーナーが一致する場合にリースを解放する。
	// リースを持っていなくてもエラーにはしない（冪等）。
	Release(ctx context.Context, taskID, ownerID string) error

	// MarkDelivered はタスクをdeliveredへ遷移させる。配信の唯一のコミットポイント。
	// state=claimedかつオーナーが一致し、リースが未失効の場合のみ成功する。
	// 成功したらtrueを返す。falseはリース喪失を意味する。
	MarkDelivered(ctx context.Context, taskID, ownerID string, now time.Time) (bool, error)

	// MarkRetrying はタスクをretryingへ遷移させ、次回実行時刻とエラー内容を記録し、
	// リースを解放する。リースガードはMarkDeliveredと同じ。
	MarkRetrying(ctx context.Context, taskID, ownerID string, nextAttemptAt time.Time, lastError string, now time.Time) (bool, error)

	// MarkFailed はタスクを終端状態failedへ遷移させる。リースガードは同上。
	MarkFailed(ctx context.Context, taskID, ownerID string, lastError string, now time.Time) (bool, error)
}

// ItemRepository は候補記事（CandidateItem）の永続化インターフェース。
// external_idでグローバルに一意化し、重複保存を防ぐ。
type ItemRepository interface {
	// UpsertArticles は取得した記事群をexternal_idをキーにUPSERTする。
	// 既存行はタイトル等の可変フィールドをlast-writer-winsで上書きし、
	// external_idとfirst_seen_atは維持する。topicにはトピックタグが追記される。
	// 戻り値は入力順の行ID列。
	UpsertArticles(ctx context.Context, topic string, articles []model.ParsedArticle) ([]string, error)

	// ListByIDs は指定ID群の記事をpublished_at降順で取得する。
	// 存在しないIDは無視される。
	ListByIDs(ctx context.Context, ids []string) ([]model.CandidateItem, error)

	// FindByExternalID はexternal_idで記事を検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.CandidateItem, error)
}

// CacheRepository は(トピック, 時間バケット)キーのキャッシュ行の永続化インターフェース。
// 権威データではなく、アップストリーム呼び出し回数を抑えるためだけに存在する。
type CacheRepository interface {
	// Get は指定バケットのキャッシュ行を取得する。見つからない場合はnilを返す。
	// 期限切れの行もそのまま返す（鮮度判定は呼び出し側が行う）。
	Get(ctx context.Context, topic string, bucket time.Time) (*model.TopicCacheEntry, error)

	// GetLatest はトピックの最新バケットのキャッシュ行を取得する。
	// レート制限時のstaleフォールバック用。見つからない場合はnilを返す。
	GetLatest(ctx context.Context, topic string) (*model.TopicCacheEntry, error)

	// Put はキャッシュ行を置き換える（同一キーは上書き）。
	Put(ctx context.Context, entry *model.TopicCacheEntry) error

	// PurgeExpired はbeforeより前に期限切れした行を削除し、削除件数を返す。
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// WatermarkRepository はスケジュール枠ごとの「最後に具現化した予定時刻」の
// 永続化インターフェース。プランニングを冪等かつ再開可能にする。
type WatermarkRepository interface {
	// Get は指定枠のウォーターマークを取得する。未記録の場合はnilを返す。
	Get(ctx context.Context, subscriberID, entryID string) (*time.Time, error)

	// Advance はウォーターマークを前進させる。後退はしない（単調性の保証）。
	Advance(ctx context.Context, subscriberID, entryID string, plannedAt time.Time) error
}
