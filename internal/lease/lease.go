// Package lease は配信タスクの排他実行権（リース）を管理する。
// リースはタスク行のlease_owner/lease_expires_at列として永続化され、
// すべての取得・延長・解放は条件付きUPDATE（CAS）で行われる。
// クラッシュしたワーカーのリースは期限切れによってのみ回収される。
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/digestman/internal/repository"
)

var (
	// ErrAlreadyClaimed は他のオーナーがリースを保持しているか、
	// タスクが取得可能な状態にないことを示す。
	ErrAlreadyClaimed = errors.New("リースは取得できません")

	// ErrLeaseLost は保持していたはずのリースが失効または奪取されたことを示す。
	ErrLeaseLost = errors.New("リースを喪失しました")
)

// Manager はリース操作を提供するサービス。
type Manager struct {
	tasks  repository.TaskRepository
	now    func() time.Time
	logger *slog.Logger
}

// NewManager はManagerの新しいインスタンスを生成する。
func NewManager(tasks repository.TaskRepository, logger *slog.Logger) *Manager {
	return &Manager{
		tasks:  tasks,
		now:    time.Now,
		logger: logger,
	}
}

// Claim はタスクのリース取得を試みる。
// 取得可能な状態（pending/retryingかつリース未保持または期限切れ、
// かつ実行時刻到来済み）でなければErrAlreadyClaimedを返す。
// 成功時はattemptsがインクリメントされる。
func (m *Manager) Claim(ctx context.Context, taskID, ownerID string, d time.Duration) error {
	now := m.now().UTC()
	ok, err := m.tasks.Claim(ctx, taskID, ownerID, now.Add(d), now)
	if err != nil {
		return fmt.Errorf("リース取得に失敗しました: %w", err)
	}
	if !ok {
		return ErrAlreadyClaimed
	}
	return nil
}

// Renew は保持中のリースの期限をd延長する。
// オーナー不一致または既に失効している場合はErrLeaseLostを返す。
func (m *Manager) Renew(ctx context.Context, taskID, ownerID string, d time.Duration) error {
	now := m.now().UTC()
	ok, err := m.tasks.Renew(ctx, taskID, ownerID, now.Add(d), now)
	if err != nil {
		return fmt.Errorf("リース延長に失敗しました: %w", err)
	}
	if !ok {
		m.logger.Warn("リースの延長に失敗しました（喪失）",
			slog.String("task_id", taskID),
			slog.String("owner_id", ownerID),
		)
		return ErrLeaseLost
	}
	return nil
}

// Release はオーナーが一致する場合にリースを解放する。
// 既に保持していない場合も成功扱いとする（冪等）。
func (m *Manager) Release(ctx context.Context, taskID, ownerID string) error {
	if err := m.tasks.Release(ctx, taskID, ownerID); err != nil {
		return fmt.Errorf("リース解放に失敗しました: %w", err)
	}
	return nil
}
