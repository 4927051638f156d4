package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresCacheRepo はPostgreSQLを使用したトピックキャッシュリポジトリ。
// 複数のワーカーインスタンスから共有され、プロセス内シングルトンの
// キャッシュとは異なり水平スケール時も同一に振る舞う。
type PostgresCacheRepo struct {
	db *sql.DB
}

// NewPostgresCacheRepo はPostgresCacheRepoを生成する。
func NewPostgresCacheRepo(db *sql.DB) *PostgresCacheRepo {
	return &PostgresCacheRepo{db: db}
}

// Get は指定バケットのキャッシュ行を取得する。見つからない場合はnilを返す。
// 期限切れ行の扱いは呼び出し側に委ねる。
func (r *PostgresCacheRepo) Get(ctx context.Context, topic string, bucket time.Time) (*model.TopicCacheEntry, error) {
	entry := &model.TopicCacheEntry{}
	err := r.db.QueryRowContext(ctx,
		`SELECT topic, bucket, item_ids, expires_at, created_at
		 FROM topic_cache WHERE topic = $1 AND bucket = $2`,
		topic, bucket,
	).Scan(&entry.Topic, &entry.Bucket, pq.Array(&entry.ItemIDs), &entry.ExpiresAt, &entry.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キャッシュ行の取得に失敗しました: %w", err)
	}

	return entry, nil
}

// GetLatest はトピックの最新バケットのキャッシュ行を取得する。
// レート制限時のstaleフォールバックに使用される。見つからない場合はnilを返す。
func (r *PostgresCacheRepo) GetLatest(ctx context.Context, topic string) (*model.TopicCacheEntry, error) {
	entry := &model.TopicCacheEntry{}
	err := r.db.QueryRowContext(ctx,
		`SELECT topic, bucket, item_ids, expires_at, created_at
		 FROM topic_cache WHERE topic = $1
		 ORDER BY bucket DESC LIMIT 1`,
		topic,
	).Scan(&entry.Topic, &entry.Bucket, pq.Array(&entry.ItemIDs), &entry.ExpiresAt, &entry.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新キャッシュ行の取得に失敗しました: %w", err)
	}

	return entry, nil
}

// Put はキャッシュ行を置き換える。同一(topic, bucket)キーは上書きされる。
// 同時書き込みはlast-writer-winsで問題ない（権威データではないため）。
func (r *PostgresCacheRepo) Put(ctx context.Context, entry *model.TopicCacheEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO topic_cache (topic, bucket, item_ids, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (topic, bucket) DO UPDATE SET
		     item_ids = EXCLUDED.item_ids,
		     expires_at = EXCLUDED.expires_at`,
		entry.Topic, entry.Bucket, pq.Array(entry.ItemIDs), entry.ExpiresAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("キャッシュ行の保存に失敗しました: %w", err)
	}
	return nil
}

// PurgeExpired はbeforeより前に期限切れした行を削除する。
func (r *PostgresCacheRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM topic_cache WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("期限切れキャッシュの削除に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("キャッシュ削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ CacheRepository = (*PostgresCacheRepo)(nil)
