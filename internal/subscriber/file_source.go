// Package subscriber は購読者スナップショットの読み込みを提供する。
// 購読者の登録・変更はこのエンジンの責務外であり、外部システムが
// 出力したスナップショットファイルを読み取り専用で参照する。
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/hitoshi/digestman/internal/model"
)

// fileSubscriber はスナップショットファイル内の購読者1件分の表現。
type fileSubscriber struct {
	ID        string      `json:"id"`
	Topics    []string    `json:"topics"`
	Active    bool        `json:"active"`
	Schedules []fileEntry `json:"schedules"`
}

// fileEntry はスナップショットファイル内のスケジュールエントリの表現。
type fileEntry struct {
	ID        string `json:"id"`
	TimeOfDay string `json:"time_of_day"`
	Timezone  string `json:"timezone"`
	Enabled   bool   `json:"enabled"`
}

// FileSource はJSONスナップショットファイルから購読者を読み込むソース。
// 毎回ファイルを読み直すため、ファイルの差し替えが次のプランニングから反映される。
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource はFileSourceの新しいインスタンスを生成する。
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

// Snapshot はスナップショットファイルを読み込んで購読者全員を返す。
func (s *FileSource) Snapshot(_ context.Context) ([]model.Subscriber, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("購読者ファイルの読み込みに失敗しました: %w", err)
	}

	var raw []fileSubscriber
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("購読者ファイルのパースに失敗しました: %w", err)
	}

	subscribers := make([]model.Subscriber, 0, len(raw))
	for _, fs := range raw {
		if fs.ID == "" {
			s.logger.Warn("IDのない購読者エントリをスキップします")
			continue
		}

		entries := make([]model.ScheduleEntry, 0, len(fs.Schedules))
		for _, fe := range fs.Schedules {
			entries = append(entries, model.ScheduleEntry{
				ID:        fe.ID,
				TimeOfDay: fe.TimeOfDay,
				Timezone:  fe.Timezone,
				Enabled:   fe.Enabled,
			})
		}

		subscribers = append(subscribers, model.Subscriber{
			ID:        fs.ID,
			Topics:    fs.Topics,
			Active:    fs.Active,
			Schedules: entries,
		})
	}

	return subscribers, nil
}

// Find は指定IDの購読者を返す。見つからない場合はnilを返す。
func (s *FileSource) Find(ctx context.Context, subscriberID string) (*model.Subscriber, error) {
	subscribers, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subscribers {
		if subscribers[i].ID == subscriberID {
			return &subscribers[i], nil
		}
	}
	return nil, nil
}
