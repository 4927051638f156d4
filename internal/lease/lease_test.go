package lease

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/logger"
	"github.com/hitoshi/digestman/internal/model"
)

// mockTaskRepo はリース操作をメモリ上で模倣するTaskRepositoryのモック。
// 条件付きUPDATEの成否判定をPostgres実装と同じ規則で再現する。
type mockTaskRepo struct {
	tasks map[string]*model.DeliveryTask
	err   error
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{tasks: make(map[string]*model.DeliveryTask)}
}

func (m *mockTaskRepo) CreateIfAbsent(_ context.Context, task *model.DeliveryTask) (bool, error) {
	m.tasks[task.ID] = task
	return true, nil
}

func (m *mockTaskRepo) FindByID(_ context.Context, id string) (*model.DeliveryTask, error) {
	return m.tasks[id], nil
}

func (m *mockTaskRepo) ListDue(_ context.Context, _ time.Time, _ int) ([]*model.DeliveryTask, error) {
	return nil, nil
}

func (m *mockTaskRepo) Claim(_ context.Context, taskID, ownerID string, until, now time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	task, ok := m.tasks[taskID]
	if !ok {
		return false, nil
	}
	leaseExpired := task.LeaseExpiresAt != nil && !task.LeaseExpiresAt.After(now)
	switch task.State {
	case model.TaskStatePending, model.TaskStateRetrying:
		if task.LeaseOwner != "" && task.LeaseExpiresAt != nil && task.LeaseExpiresAt.After(now) {
			return false, nil
		}
		if task.NextAttemptAt.After(now) {
			return false, nil
		}
	case model.TaskStateClaimed:
		// 保持者クラッシュや中断済み試行の痕跡。有効リース中は奪取できない。
		if task.LeaseExpiresAt != nil && !leaseExpired {
			return false, nil
		}
	default:
		return false, nil
	}
	task.State = model.TaskStateClaimed
	task.LeaseOwner = ownerID
	task.LeaseExpiresAt = &until
	task.Attempts++
	return true, nil
}

func (m *mockTaskRepo) Renew(_ context.Context, taskID, ownerID string, until, now time.Time) (bool, error) {
	task, ok := m.tasks[taskID]
	if !ok || task.LeaseOwner != ownerID {
		return false, nil
	}
	if task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.After(now) {
		return false, nil
	}
	task.LeaseExpiresAt = &until
	return true, nil
}

func (m *mockTaskRepo) Release(_ context.Context, taskID, ownerID string) error {
	if task, ok := m.tasks[taskID]; ok && task.LeaseOwner == ownerID {
		task.LeaseOwner = ""
		task.LeaseExpiresAt = nil
	}
	return nil
}

func (m *mockTaskRepo) MarkDelivered(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (m *mockTaskRepo) MarkRetrying(_ context.Context, _, _ string, _ time.Time, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (m *mockTaskRepo) MarkFailed(_ context.Context, _, _ string, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func pendingTask(id string, nextAttemptAt time.Time) *model.DeliveryTask {
	return &model.DeliveryTask{
		ID:            id,
		SubscriberID:  "sub1",
		State:         model.TaskStatePending,
		NextAttemptAt: nextAttemptAt,
	}
}

func newTestManager(repo *mockTaskRepo, now time.Time) *Manager {
	m := NewManager(repo, logger.Setup(io.Discard))
	m.now = func() time.Time { return now }
	return m
}

func TestManager_Claim_Success(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	repo := newMockTaskRepo()
	repo.tasks["t1"] = pendingTask("t1", now.Add(-time.Minute))
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-a", 3*time.Minute); err != nil {
		t.Fatalf("リース取得に成功すべきです: %v", err)
	}

	task := repo.tasks["t1"]
	if task.State != model.TaskStateClaimed {
		t.Errorf("状態がclaimedであるべきです: got %s", task.State)
	}
	if task.Attempts != 1 {
		t.Errorf("attemptsがインクリメントされるべきです: got %d", task.Attempts)
	}
	if task.LeaseOwner != "worker-a" {
		t.Errorf("オーナーが記録されるべきです: got %s", task.LeaseOwner)
	}
}

func TestManager_Claim_AlreadyClaimed(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	repo := newMockTaskRepo()
	repo.tasks["t1"] = pendingTask("t1", now.Add(-time.Minute))
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-a", 3*time.Minute); err != nil {
		t.Fatalf("1人目の取得は成功すべきです: %v", err)
	}
	err := m.Claim(context.Background(), "t1", "worker-b", 3*time.Minute)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("ErrAlreadyClaimedであるべきです: %v", err)
	}
}

func TestManager_Claim_ExpiredLeaseReclaimable(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)
	repo := newMockTaskRepo()
	task := pendingTask("t1", now.Add(-time.Hour))
	task.State = model.TaskStateRetrying
	task.LeaseOwner = "crashed-worker"
	task.LeaseExpiresAt = &expired
	task.Attempts = 1
	repo.tasks["t1"] = task
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-b", 3*time.Minute); err != nil {
		t.Fatalf("期限切れリースは奪取できるべきです: %v", err)
	}
	if repo.tasks["t1"].LeaseOwner != "worker-b" {
		t.Errorf("新しいオーナーに移るべきです: got %s", repo.tasks["t1"].LeaseOwner)
	}
	if repo.tasks["t1"].Attempts != 2 {
		t.Errorf("attemptsは2であるべきです: got %d", repo.tasks["t1"].Attempts)
	}
}

func TestManager_Claim_CrashedOwnerReclaimable(t *testing.T) {
	// claimedのままリースだけが失効したタスク。保持者がクラッシュすると
	// 状態遷移が走らないためこの形で残る。
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)
	repo := newMockTaskRepo()
	task := pendingTask("t1", now.Add(-time.Hour))
	task.State = model.TaskStateClaimed
	task.LeaseOwner = "crashed-worker"
	task.LeaseExpiresAt = &expired
	task.Attempts = 1
	repo.tasks["t1"] = task
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-b", 3*time.Minute); err != nil {
		t.Fatalf("クラッシュ保持者のタスクはリース失効後に奪取できるべきです: %v", err)
	}
	got := repo.tasks["t1"]
	if got.LeaseOwner != "worker-b" {
		t.Errorf("新しいオーナーに移るべきです: got %s", got.LeaseOwner)
	}
	if got.State != model.TaskStateClaimed {
		t.Errorf("状態はclaimedであるべきです: got %s", got.State)
	}
	if got.Attempts != 2 {
		t.Errorf("attemptsは2であるべきです: got %d", got.Attempts)
	}
}

func TestManager_Claim_ActiveClaimNotStealable(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Minute)
	repo := newMockTaskRepo()
	task := pendingTask("t1", now.Add(-time.Hour))
	task.State = model.TaskStateClaimed
	task.LeaseOwner = "worker-a"
	task.LeaseExpiresAt = &future
	repo.tasks["t1"] = task
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-b", 3*time.Minute); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("有効リース中のclaimedタスクは奪取できないべきです: %v", err)
	}
}

func TestManager_Claim_NotYetDue(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	repo := newMockTaskRepo()
	repo.tasks["t1"] = pendingTask("t1", now.Add(time.Hour))
	m := newTestManager(repo, now)

	err := m.Claim(context.Background(), "t1", "worker-a", 3*time.Minute)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("実行時刻前のタスクは取得できないべきです: %v", err)
	}
}

func TestManager_Renew(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	repo := newMockTaskRepo()
	repo.tasks["t1"] = pendingTask("t1", now.Add(-time.Minute))
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-a", 3*time.Minute); err != nil {
		t.Fatalf("リース取得に失敗しました: %v", err)
	}
	if err := m.Renew(context.Background(), "t1", "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("延長に成功すべきです: %v", err)
	}
	wantExpiry := now.Add(5 * time.Minute)
	if !repo.tasks["t1"].LeaseExpiresAt.Equal(wantExpiry) {
		t.Errorf("期限が延長されるべきです: got %v, want %v", repo.tasks["t1"].LeaseExpiresAt, wantExpiry)
	}

	// 他オーナーによる延長は失敗する
	if err := m.Renew(context.Background(), "t1", "worker-b", 5*time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("他オーナーの延長はErrLeaseLostであるべきです: %v", err)
	}
}

func TestManager_Renew_ExpiredLease(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Second)
	repo := newMockTaskRepo()
	task := pendingTask("t1", now.Add(-time.Minute))
	task.State = model.TaskStateClaimed
	task.LeaseOwner = "worker-a"
	task.LeaseExpiresAt = &expired
	repo.tasks["t1"] = task
	m := newTestManager(repo, now)

	if err := m.Renew(context.Background(), "t1", "worker-a", 3*time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("失効済みリースの延長はErrLeaseLostであるべきです: %v", err)
	}
}

func TestManager_Release_Idempotent(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	repo := newMockTaskRepo()
	repo.tasks["t1"] = pendingTask("t1", now.Add(-time.Minute))
	m := newTestManager(repo, now)

	if err := m.Claim(context.Background(), "t1", "worker-a", 3*time.Minute); err != nil {
		t.Fatalf("リース取得に失敗しました: %v", err)
	}
	if err := m.Release(context.Background(), "t1", "worker-a"); err != nil {
		t.Fatalf("解放に成功すべきです: %v", err)
	}
	if repo.tasks["t1"].LeaseOwner != "" {
		t.Error("オーナーがクリアされるべきです")
	}
	// 2回目の解放もエラーにならない
	if err := m.Release(context.Background(), "t1", "worker-a"); err != nil {
		t.Fatalf("解放は冪等であるべきです: %v", err)
	}
}
