// Package executor は期限到来した配信タスクの実行を担う。
// リース取得→ダイジェスト解決→配信→状態遷移の流れをワーカープールで並行処理する。
// 配信のコミットポイントはMarkDeliveredのみであり、at-most-once配信を保証する。
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/digestman/internal/lease"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// Deliverer は解決済みダイジェストを購読者へ届ける外部コラボレータの
// インターフェース。整形・テンプレート適用は実装側の責務。
// 失敗はmodel.EngineErrorのKind（DeliveryTransient/DeliveryPermanent）で分類する。
type Deliverer interface {
	Deliver(ctx context.Context, subscriberID string, items []model.DigestItem) error
}

// DigestResolver はトピック集合からダイジェストを解決するインターフェース。
// digest.Resolverがこれを満たす。
type DigestResolver interface {
	Resolve(ctx context.Context, topics []string, asOf time.Time, maxItems int) ([]model.DigestItem, error)
}

// SubscriberLookup は購読者1件の参照インターフェース。
// 見つからない場合はnilを返す。
type SubscriberLookup interface {
	Find(ctx context.Context, subscriberID string) (*model.Subscriber, error)
}

// LeaseManager はリース操作のインターフェース。lease.Managerがこれを満たす。
type LeaseManager interface {
	Claim(ctx context.Context, taskID, ownerID string, d time.Duration) error
	Renew(ctx context.Context, taskID, ownerID string, d time.Duration) error
	Release(ctx context.Context, taskID, ownerID string) error
}

// Options はExecutorの動作パラメータ。
type Options struct {
	Concurrency    int
	LeaseDuration  time.Duration
	RenewInterval  time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxDigestItems int
	CachePurgeAge  time.Duration
}

// Executor は配信タスクの実行ループを提供するサービス。
// ownerIDはプロセスごとに一意で、リースのオーナー識別に使われる。
type Executor struct {
	tasks       repository.TaskRepository
	cache       repository.CacheRepository
	leases      LeaseManager
	resolver    DigestResolver
	subscribers SubscriberLookup
	deliverer   Deliverer
	opts        Options
	ownerID     string
	now         func() time.Time
	metrics     metrics.MetricsCollector
	logger      *slog.Logger

	lastPurge time.Time
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
func NewExecutor(
	tasks repository.TaskRepository,
	cache repository.CacheRepository,
	leases LeaseManager,
	resolver DigestResolver,
	subscribers SubscriberLookup,
	deliverer Deliverer,
	opts Options,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		tasks:       tasks,
		cache:       cache,
		leases:      leases,
		resolver:    resolver,
		subscribers: subscribers,
		deliverer:   deliverer,
		opts:        opts,
		ownerID:     uuid.NewString(),
		now:         time.Now,
		metrics:     collector,
		logger:      logger,
	}
}

// OwnerID はこのエグゼキュータのリースオーナー識別子を返す。
func (e *Executor) OwnerID() string {
	return e.ownerID
}

// Start はpollInterval間隔で期限到来タスクを処理するループを開始する。
// 起動直後に1回実行し、ctxのキャンセル時は実行中のタスク完了を待って停止する。
func (e *Executor) Start(ctx context.Context, pollInterval time.Duration) {
	e.logger.Info("エグゼキュータを開始します",
		slog.String("owner_id", e.ownerID),
		slog.Duration("poll_interval", pollInterval),
		slog.Int("concurrency", e.opts.Concurrency),
	)

	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup

	e.runOnce(ctx, sem, &wg)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("エグゼキュータを停止します。実行中のタスクを待機中")
			wg.Wait()
			return
		case <-ticker.C:
			e.runOnce(ctx, sem, &wg)
		}
	}
}

// runOnce は期限到来タスクを1バッチ分ワーカープールへ投入する。
// 合わせて期限切れキャッシュの掃除を一定間隔で行う。
func (e *Executor) runOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	now := e.now().UTC()

	e.purgeCacheIfDue(ctx, now)

	due, err := e.tasks.ListDue(ctx, now, e.opts.Concurrency*2)
	if err != nil {
		e.logger.Error("期限到来タスクの取得に失敗しました", slog.String("error", err.Error()))
		return
	}

	for _, task := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func(taskID string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			e.ProcessTask(ctx, taskID)
		}(task.ID)
	}
}

// purgeCacheIfDue はCachePurgeAge間隔で期限切れキャッシュ行を削除する。
func (e *Executor) purgeCacheIfDue(ctx context.Context, now time.Time) {
	if e.opts.CachePurgeAge <= 0 || now.Sub(e.lastPurge) < e.opts.CachePurgeAge {
		return
	}
	e.lastPurge = now

	purged, err := e.cache.PurgeExpired(ctx, now)
	if err != nil {
		e.logger.Warn("キャッシュの掃除に失敗しました", slog.String("error", err.Error()))
		return
	}
	if purged > 0 {
		e.logger.Info("期限切れキャッシュを削除しました", slog.Int64("purged", purged))
	}
}

// ProcessTask は単一タスクの取得から終端遷移までを実行する。
//
// リース取得後はハートビートで定期延長し、延長に失敗した時点で試行を中断する。
// 中断時や遷移のCAS失敗時はタスク行に触れず、リース期限切れによる
// 他ワーカーの回収に委ねる。
func (e *Executor) ProcessTask(ctx context.Context, taskID string) {
	if err := e.leases.Claim(ctx, taskID, e.ownerID, e.opts.LeaseDuration); err != nil {
		if errors.Is(err, lease.ErrAlreadyClaimed) {
			e.metrics.RecordClaim(false)
			return
		}
		e.logger.Error("リース取得に失敗しました",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.metrics.RecordClaim(true)

	task, err := e.tasks.FindByID(ctx, taskID)
	if err != nil || task == nil {
		e.logger.Error("取得済みタスクの読み込みに失敗しました", slog.String("task_id", taskID))
		// 保持したままではリース失効まで他ワーカーが触れない
		if releaseErr := e.leases.Release(ctx, taskID, e.ownerID); releaseErr != nil {
			e.logger.Warn("リースの解放に失敗しました",
				slog.String("task_id", taskID),
				slog.String("error", releaseErr.Error()),
			)
		}
		return
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go e.heartbeat(attemptCtx, taskID, cancel, heartbeatDone)

	deliverErr := e.attempt(attemptCtx, task)
	heartbeatLost := attemptCtx.Err() != nil && ctx.Err() == nil

	cancel()
	<-heartbeatDone

	if heartbeatLost && deliverErr != nil && !model.IsLeaseLost(deliverErr) {
		// ハートビート喪失による中断
		deliverErr = model.NewLeaseLostError(taskID)
	}

	e.transition(ctx, task, deliverErr)
}

// heartbeat はリースをRenewIntervalごとに延長する。
// 延長に失敗したらcancelを呼び出して実行中の試行を中断させる。
func (e *Executor) heartbeat(ctx context.Context, taskID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.leases.Renew(ctx, taskID, e.ownerID, e.opts.LeaseDuration); err != nil {
				e.logger.Warn("ハートビートに失敗しました。試行を中断します",
					slog.String("task_id", taskID),
					slog.String("error", err.Error()),
				)
				cancel()
				return
			}
		}
	}
}

// attempt はダイジェストの解決と配信を1回試行する。
func (e *Executor) attempt(ctx context.Context, task *model.DeliveryTask) error {
	sub, err := e.subscribers.Find(ctx, task.SubscriberID)
	if err != nil {
		return fmt.Errorf("購読者の参照に失敗しました: %w", err)
	}
	if sub == nil || !sub.Active {
		// 購読者が消えた・無効化されたタスクは恒久的に失敗させる
		return model.NewDeliveryPermanentError(fmt.Errorf("購読者が存在しないか無効です: %s", task.SubscriberID))
	}

	started := e.now()
	items, err := e.resolver.Resolve(ctx, sub.Topics, e.now().UTC(), e.opts.MaxDigestItems)
	if err != nil {
		return err
	}

	if err := e.deliverer.Deliver(ctx, task.SubscriberID, items); err != nil {
		return err
	}

	e.metrics.RecordDeliveryLatency(e.now().Sub(started))
	return nil
}

// transition は試行結果に応じてタスクを終端または再試行へ遷移させる。
// すべての遷移はリースガード付きCASで行い、0行更新はリース喪失として扱う。
func (e *Executor) transition(ctx context.Context, task *model.DeliveryTask, deliverErr error) {
	now := e.now().UTC()

	if deliverErr == nil {
		ok, err := e.tasks.MarkDelivered(ctx, task.ID, e.ownerID, now)
		if err != nil {
			e.logger.Error("delivered遷移に失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !ok {
			e.metrics.RecordDelivery("lease_lost")
			e.logger.Warn("delivered遷移がリース喪失で棄却されました", slog.String("task_id", task.ID))
			return
		}
		e.metrics.RecordDelivery("delivered")
		e.logger.Info("配信が完了しました",
			slog.String("task_id", task.ID),
			slog.String("subscriber_id", task.SubscriberID),
			slog.Int("attempts", task.Attempts),
		)
		return
	}

	if model.IsLeaseLost(deliverErr) || ctx.Err() != nil {
		// リース喪失・シャットダウン時はタスクをclaimedのまま残し、
		// 期限切れ後の再取得に委ねる
		e.metrics.RecordDelivery("abandoned")
		e.logger.Warn("試行を放棄しました",
			slog.String("task_id", task.ID),
			slog.String("reason", deliverErr.Error()),
		)
		return
	}

	if model.IsDeliveryPermanent(deliverErr) {
		e.markFailed(ctx, task, deliverErr, now)
		return
	}

	// DeliveryTransient・Throttled・Unavailable・BadUpstreamDataは
	// いずれも時間を置けば解消しうるため再試行の対象とする
	if task.Attempts >= e.opts.MaxAttempts {
		e.markFailed(ctx, task, fmt.Errorf("試行回数を使い切りました (%d回): %w", task.Attempts, deliverErr), now)
		return
	}

	delay := CalculateBackoff(e.opts.RetryBaseDelay, e.opts.RetryMaxDelay, task.Attempts)
	if retryAfter := model.RetryAfterOf(deliverErr); retryAfter > delay {
		delay = retryAfter
	}

	ok, err := e.tasks.MarkRetrying(ctx, task.ID, e.ownerID, now.Add(delay), deliverErr.Error(), now)
	if err != nil {
		e.logger.Error("retrying遷移に失敗しました",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		e.metrics.RecordDelivery("lease_lost")
		return
	}
	e.metrics.RecordDelivery("retrying")
	e.logger.Warn("配信に失敗しました。再試行します",
		slog.String("task_id", task.ID),
		slog.Int("attempts", task.Attempts),
		slog.Duration("delay", delay),
		slog.String("error", deliverErr.Error()),
	)
}

func (e *Executor) markFailed(ctx context.Context, task *model.DeliveryTask, cause error, now time.Time) {
	ok, err := e.tasks.MarkFailed(ctx, task.ID, e.ownerID, cause.Error(), now)
	if err != nil {
		e.logger.Error("failed遷移に失敗しました",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		e.metrics.RecordDelivery("lease_lost")
		return
	}
	e.metrics.RecordDelivery("failed")
	e.logger.Error("配信タスクが終端失敗しました",
		slog.String("task_id", task.ID),
		slog.String("subscriber_id", task.SubscriberID),
		slog.Int("attempts", task.Attempts),
		slog.String("error", cause.Error()),
	)
}

// CalculateBackoff はattempt回目（1始まり）の失敗後の再試行待機時間を計算する。
// base * 2^(attempt-1) をmaxで頭打ちにする。
func CalculateBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
