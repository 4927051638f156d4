package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用した候補記事リポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// UpsertArticles は記事群をexternal_idをキーにUPSERTする。
// 衝突時はタイトル・サマリー・公開日時などの可変フィールドを上書きし、
// first_seen_atは維持する。topicsには検索トピックが重複なしで追記される。
// 戻り値は入力順の行ID列。
func (r *PostgresItemRepo) UpsertArticles(ctx context.Context, topic string, articles []model.ParsedArticle) ([]string, error) {
	if len(articles) == 0 {
		return nil, nil
	}

	now := time.Now()
	ids := make([]string, 0, len(articles))

	for _, a := range articles {
		var id string
		err := r.db.QueryRowContext(ctx,
			`INSERT INTO candidate_items
			     (id, external_id, title, summary, url, source_name, image_url,
			      published_at, topics, first_seen_at, fetched_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $10)
			 ON CONFLICT (external_id) DO UPDATE SET
			     title = EXCLUDED.title,
			     summary = EXCLUDED.summary,
			     url = EXCLUDED.url,
			     source_name = EXCLUDED.source_name,
			     image_url = EXCLUDED.image_url,
			     published_at = EXCLUDED.published_at,
			     topics = ARRAY(SELECT DISTINCT t FROM unnest(candidate_items.topics || EXCLUDED.topics) AS t),
			     fetched_at = EXCLUDED.fetched_at,
			     updated_at = EXCLUDED.updated_at
			 RETURNING id`,
			uuid.New().String(), a.ExternalID, a.Title, a.Summary, a.URL,
			a.SourceName, a.ImageURL, a.PublishedAt, pq.Array([]string{topic}), now,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("記事のUPSERTに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// ListByIDs は指定ID群の記事をpublished_at降順で取得する。
// 存在しないIDは結果から抜けるだけでエラーにはならない。
func (r *PostgresItemRepo) ListByIDs(ctx context.Context, ids []string) ([]model.CandidateItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, external_id, title, summary, url, source_name, image_url,
		        published_at, topics, first_seen_at, fetched_at, updated_at
		 FROM candidate_items
		 WHERE id = ANY($1)
		 ORDER BY published_at DESC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []model.CandidateItem
	for rows.Next() {
		var item model.CandidateItem
		if err := rows.Scan(
			&item.ID, &item.ExternalID, &item.Title, &item.Summary, &item.URL,
			&item.SourceName, &item.ImageURL, &item.PublishedAt,
			pq.Array(&item.Topics), &item.FirstSeenAt, &item.FetchedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return items, nil
}

// FindByExternalID はexternal_idで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByExternalID(ctx context.Context, externalID string) (*model.CandidateItem, error) {
	item := &model.CandidateItem{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, title, summary, url, source_name, image_url,
		        published_at, topics, first_seen_at, fetched_at, updated_at
		 FROM candidate_items WHERE external_id = $1`,
		externalID,
	).Scan(
		&item.ID, &item.ExternalID, &item.Title, &item.Summary, &item.URL,
		&item.SourceName, &item.ImageURL, &item.PublishedAt,
		pq.Array(&item.Topics), &item.FirstSeenAt, &item.FetchedAt, &item.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("external_id による記事の検索に失敗しました: %w", err)
	}

	return item, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
