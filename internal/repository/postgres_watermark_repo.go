package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresWatermarkRepo はPostgreSQLを使用したプランニングウォーターマークリポジトリ。
type PostgresWatermarkRepo struct {
	db *sql.DB
}

// NewPostgresWatermarkRepo はPostgresWatermarkRepoを生成する。
func NewPostgresWatermarkRepo(db *sql.DB) *PostgresWatermarkRepo {
	return &PostgresWatermarkRepo{db: db}
}

// Get は指定枠のウォーターマークを取得する。未記録の場合はnilを返す。
func (r *PostgresWatermarkRepo) Get(ctx context.Context, subscriberID, entryID string) (*time.Time, error) {
	var t time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT last_planned_at FROM plan_watermarks
		 WHERE subscriber_id = $1 AND entry_id = $2`,
		subscriberID, entryID,
	).Scan(&t)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ウォーターマークの取得に失敗しました: %w", err)
	}

	return &t, nil
}

// Advance はウォーターマークを前進させる。GREATESTにより後退しない。
// 複数プランナーが同時に呼んでも単調性が保たれる。
func (r *PostgresWatermarkRepo) Advance(ctx context.Context, subscriberID, entryID string, plannedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plan_watermarks (subscriber_id, entry_id, last_planned_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (subscriber_id, entry_id) DO UPDATE SET
		     last_planned_at = GREATEST(plan_watermarks.last_planned_at, EXCLUDED.last_planned_at),
		     updated_at = now()`,
		subscriberID, entryID, plannedAt,
	)
	if err != nil {
		return fmt.Errorf("ウォーターマークの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WatermarkRepository = (*PostgresWatermarkRepo)(nil)
