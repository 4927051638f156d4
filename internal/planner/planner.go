// Package planner はスケジュール枠を配信タスクとして具現化する。
// 壁時計時刻そのものではなくタスク行の存在を配信のトリガーとすることで、
// 多重プランナーでも二重発火しない。
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// SubscriberSource は購読者のスナップショットを提供するインターフェース。
// 購読者の管理（登録・変更）はこのエンジンの責務外であり、
// プランナーは読み取り専用のスナップショットだけを必要とする。
type SubscriberSource interface {
	// Snapshot は現在の購読者全員を返す。
	Snapshot(ctx context.Context) ([]model.Subscriber, error)
}

// Planner はスケジュール枠の具現化を行うサービス。
type Planner struct {
	source     SubscriberSource
	tasks      repository.TaskRepository
	watermarks repository.WatermarkRepository
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewPlanner はPlannerの新しいインスタンスを生成する。
func NewPlanner(
	source SubscriberSource,
	tasks repository.TaskRepository,
	watermarks repository.WatermarkRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Planner {
	return &Planner{
		source:     source,
		tasks:      tasks,
		watermarks: watermarks,
		metrics:    collector,
		logger:     logger,
	}
}

// Start はinterval間隔でPlanDueを実行するループを開始する。
// 起動直後に1回実行し、以降はティッカーで繰り返す。ctxのキャンセルで停止する。
func (p *Planner) Start(ctx context.Context, interval time.Duration) {
	p.logger.Info("プランナーを開始します", slog.Duration("interval", interval))

	p.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("プランナーを停止します")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Planner) runOnce(ctx context.Context) {
	created, err := p.PlanDue(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("プランニングに失敗しました", slog.String("error", err.Error()))
		return
	}
	if len(created) > 0 {
		p.logger.Info("配信タスクを具現化しました", slog.Int("created", len(created)))
	}
}

// PlanDue は全購読者のスケジュール枠を評価し、期限到来した枠の配信タスクを作成する。
//
// 各有効エントリについて「エントリのタイムゾーンでHH:MMが直近に発生したUTC時刻」を
// 計算し、ウォーターマーク以前なら具現化済みとしてスキップする。
// タスク作成は(subscriber_id, scheduled_at)の部分一意インデックスに対する
// ON CONFLICT DO NOTHINGなので、並行するプランナー間でも高々1行しか作られない。
// 戻り値はこの呼び出しで新規作成されたタスク。
func (p *Planner) PlanDue(ctx context.Context, now time.Time) ([]*model.DeliveryTask, error) {
	subscribers, err := p.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("購読者スナップショットの取得に失敗しました: %w", err)
	}

	var created []*model.DeliveryTask

	for _, sub := range subscribers {
		if !sub.Active {
			continue
		}

		for _, entry := range p.validEntries(sub) {
			slot, err := MostRecentOccurrence(entry.TimeOfDay, entry.Timezone, now)
			if err != nil {
				p.logger.Warn("スケジュールエントリを解釈できません",
					slog.String("subscriber_id", sub.ID),
					slog.String("entry_id", entry.ID),
					slog.String("error", err.Error()),
				)
				continue
			}

			watermark, err := p.watermarks.Get(ctx, sub.ID, entry.ID)
			if err != nil {
				return created, fmt.Errorf("ウォーターマークの取得に失敗しました: %w", err)
			}
			if watermark != nil && !slot.After(*watermark) {
				continue
			}

			task := &model.DeliveryTask{
				ID:            uuid.NewString(),
				SubscriberID:  sub.ID,
				EntryID:       entry.ID,
				ScheduledAt:   slot,
				State:         model.TaskStatePending,
				NextAttemptAt: slot,
			}

			inserted, err := p.tasks.CreateIfAbsent(ctx, task)
			if err != nil {
				return created, fmt.Errorf("タスクの作成に失敗しました: %w", err)
			}
			if inserted {
				p.metrics.RecordTaskPlanned()
				created = append(created, task)
			}

			// 重複挿入が弾かれた場合も枠自体は具現化済みなので前進させる
			if err := p.watermarks.Advance(ctx, sub.ID, entry.ID, slot); err != nil {
				return created, fmt.Errorf("ウォーターマークの前進に失敗しました: %w", err)
			}
		}
	}

	return created, nil
}

// validEntries は購読者の有効なスケジュールエントリを検証して返す。
// 上限超過分と時刻重複分はログを残して無視する。
func (p *Planner) validEntries(sub model.Subscriber) []model.ScheduleEntry {
	var (
		entries   []model.ScheduleEntry
		seenTimes = make(map[string]struct{})
	)

	for _, entry := range sub.Schedules {
		if !entry.Enabled {
			continue
		}
		if len(entries) >= model.MaxScheduleEntries {
			p.logger.Warn("スケジュールエントリが上限を超えています",
				slog.String("subscriber_id", sub.ID),
				slog.String("entry_id", entry.ID),
				slog.Int("max", model.MaxScheduleEntries),
			)
			continue
		}
		if _, dup := seenTimes[entry.TimeOfDay]; dup {
			p.logger.Warn("同一時刻のスケジュールエントリが重複しています",
				slog.String("subscriber_id", sub.ID),
				slog.String("entry_id", entry.ID),
				slog.String("time_of_day", entry.TimeOfDay),
			)
			continue
		}
		seenTimes[entry.TimeOfDay] = struct{}{}
		entries = append(entries, entry)
	}

	return entries
}

// MostRecentOccurrence はtimezoneにおけるtimeOfDay（HH:MM）がnow以前に
// 直近で発生したUTC時刻を返す。当日の発生時刻がまだ未来の場合は前日に遡る。
// 夏時間の切り替えはタイムゾーン変換に委ねる。
func MostRecentOccurrence(timeOfDay, timezone string, now time.Time) (time.Time, error) {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("時刻表記が不正です (%s): %w", timeOfDay, err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("タイムゾーンが不正です (%s): %w", timezone, err)
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc)
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -1)
	}

	return candidate.UTC(), nil
}
