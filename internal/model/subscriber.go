// Package model はドメインモデルを定義する。
package model

// MaxScheduleEntries は購読者1人あたりのスケジュール枠の上限。
const MaxScheduleEntries = 3

// Subscriber は外部のアカウント管理層から渡される購読者スナップショット。
// エンジンからは読み取り専用で、プランニングサイクルごとに取得し直す。
type Subscriber struct {
	ID        string
	Topics    []string
	Schedules []ScheduleEntry
	Active    bool
}

// ScheduleEntry は購読者の定期配信枠（1日のうちの配信時刻とタイムゾーン）を表す。
// 作成・編集は外部層が行い、エンジンは読み取りのみ。
type ScheduleEntry struct {
	ID        string
	TimeOfDay string // "HH:MM" 形式のローカル時刻
	Timezone  string // IANAタイムゾーン名（例: "Europe/Moscow"）
	Enabled   bool
}
