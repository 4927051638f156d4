package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用した配信タスクリポジトリ。
// リースと状態遷移はすべて条件付きUPDATEで行い、複数ワーカーが
// 同一タスクを同時に処理することを防ぐ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

const taskColumns = `id, subscriber_id, entry_id, scheduled_at, state, attempts,
       lease_owner, lease_expires_at, next_attempt_at, last_error, created_at, updated_at`

// scanTask は1行分のタスクを読み取る。
func scanTask(scan func(dest ...interface{}) error) (*model.DeliveryTask, error) {
	task := &model.DeliveryTask{}
	var leaseOwner sql.NullString
	var leaseExpiresAt sql.NullTime

	err := scan(
		&task.ID, &task.SubscriberID, &task.EntryID, &task.ScheduledAt,
		&task.State, &task.Attempts,
		&leaseOwner, &leaseExpiresAt, &task.NextAttemptAt, &task.LastError,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if leaseOwner.Valid {
		task.LeaseOwner = leaseOwner.String
	}
	if leaseExpiresAt.Valid {
		task.LeaseExpiresAt = &leaseExpiresAt.Time
	}

	return task, nil
}

// CreateIfAbsent はタスクを作成する。部分一意インデックス
// (subscriber_id, scheduled_at) WHERE state <> 'failed' との衝突時は
// 何もせずfalseを返す。複数プランナーの同時実行を安全にする。
func (r *PostgresTaskRepo) CreateIfAbsent(ctx context.Context, task *model.DeliveryTask) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_tasks
		     (id, subscriber_id, entry_id, scheduled_at, state, attempts,
		      next_attempt_at, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (subscriber_id, scheduled_at) WHERE state <> 'failed'
		 DO NOTHING`,
		task.ID, task.SubscriberID, task.EntryID, task.ScheduledAt,
		task.State, task.Attempts, task.NextAttemptAt, task.LastError,
	)
	if err != nil {
		return false, fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("タスク作成結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.DeliveryTask, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM delivery_tasks WHERE id = $1`, id)

	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	return task, nil
}

// ListDue は実行期限が到来したpending/retryingタスクを取得する。
// リースなしまたは期限切れのclaimedタスクも対象に含める。保持者が
// クラッシュしたタスクはリース失効後にここから回収される。
func (r *PostgresTaskRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DeliveryTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM delivery_tasks
		 WHERE (state IN ('pending', 'retrying') AND next_attempt_at <= $1)
		    OR (state = 'claimed' AND (lease_expires_at IS NULL OR lease_expires_at < $1))
		 ORDER BY next_attempt_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象タスクの一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tasks []*model.DeliveryTask
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("タスク行の読み取りに失敗しました: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タスク一覧の走査に失敗しました: %w", err)
	}

	return tasks, nil
}

// Claim はタスクのリース取得を試みる。成功条件:
// pending/retryingでリースなしまたは期限切れかつnext_attempt_at到来済み、
// もしくはclaimedのままリースがないか失効している（保持者クラッシュや
// 中断済み試行からの回収）。
// 成功時はattemptsをインクリメントしstate=claimedにする。
func (r *PostgresTaskRepo) Claim(ctx context.Context, taskID, ownerID string, until, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_tasks
		 SET state = 'claimed', lease_owner = $2, lease_expires_at = $3,
		     attempts = attempts + 1, updated_at = $4
		 WHERE id = $1
		   AND ((state IN ('pending', 'retrying')
		         AND (lease_owner IS NULL OR lease_expires_at < $4)
		         AND next_attempt_at <= $4)
		        OR (state = 'claimed'
		            AND (lease_expires_at IS NULL OR lease_expires_at < $4)))`,
		taskID, ownerID, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("リースの取得に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("リース取得結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Renew は保持中のリースの期限を延長する。
func (r *PostgresTaskRepo) Renew(ctx context.Context, taskID, ownerID string, until, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_tasks
		 SET lease_expires_at = $3, updated_at = $4
		 WHERE id = $1 AND lease_owner = $2 AND lease_expires_at > $4`,
		taskID, ownerID, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("リースの更新に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("リース更新結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Release はオーナーが一致する場合にリースを解放する。
func (r *PostgresTaskRepo) Release(ctx context.Context, taskID, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE delivery_tasks
		 SET lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		 WHERE id = $1 AND lease_owner = $2`,
		taskID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("リースの解放に失敗しました: %w", err)
	}
	return nil
}

// MarkDelivered はタスクをdeliveredへ遷移させる。
// 有効なリースを保持している場合のみ成功する単一の条件付きUPDATE。
// これが配信の唯一のコミットポイントであり、二重配信を防ぐ。
func (r *PostgresTaskRepo) MarkDelivered(ctx context.Context, taskID, ownerID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_tasks
		 SET state = 'delivered', lease_owner = NULL, lease_expires_at = NULL,
		     last_error = '', updated_at = $3
		 WHERE id = $1 AND state = 'claimed'
		   AND lease_owner = $2 AND lease_expires_at > $3`,
		taskID, ownerID, now,
	)
	if err != nil {
		return false, fmt.Errorf("配信完了への遷移に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("配信完了遷移結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// MarkRetrying はタスクをretryingへ遷移させリースを解放する。
func (r *PostgresTaskRepo) MarkRetrying(ctx context.Context, taskID, ownerID string, nextAttemptAt time.Time, lastError string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_tasks
		 SET state = 'retrying', lease_owner = NULL, lease_expires_at = NULL,
		     next_attempt_at = $3, last_error = $4, updated_at = $5
		 WHERE id = $1 AND state = 'claimed'
		   AND lease_owner = $2 AND lease_expires_at > $5`,
		taskID, ownerID, nextAttemptAt, lastError, now,
	)
	if err != nil {
		return false, fmt.Errorf("再試行への遷移に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("再試行遷移結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// MarkFailed はタスクを終端状態failedへ遷移させる。
// last_errorは外部層からの運用可視化に使用される。
func (r *PostgresTaskRepo) MarkFailed(ctx context.Context, taskID, ownerID string, lastError string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE delivery_tasks
		 SET state = 'failed', lease_owner = NULL, lease_expires_at = NULL,
		     last_error = $3, updated_at = $4
		 WHERE id = $1 AND state = 'claimed'
		   AND lease_owner = $2 AND lease_expires_at > $4`,
		taskID, ownerID, lastError, now,
	)
	if err != nil {
		return false, fmt.Errorf("失敗状態への遷移に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("失敗遷移結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
