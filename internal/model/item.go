package model

import "time"

// CandidateItem はニュースプロバイダから取得した記事の正規レコードを表す。
// external_idでグローバルに一意化され、複数のトピックから参照されても1行だけ保存される。
// external_idとfirst_seen_atはイミュータブル、その他の内容フィールドは
// 再取得時にlast-writer-winsで上書きされる。
type CandidateItem struct {
	ID          string
	ExternalID  string
	Title       string // サニタイズ済み
	Summary     string // サニタイズ済み
	URL         string
	SourceName  string
	ImageURL    string
	PublishedAt time.Time
	Topics      []string
	FirstSeenAt time.Time
	FetchedAt   time.Time
	UpdatedAt   time.Time
}

// ParsedArticle はプロバイダ応答から変換された未保存の記事データを表す。
// ソースアダプタが生成し、Dedup/Cache層でCandidateItemにUPSERTされる。
type ParsedArticle struct {
	ExternalID  string
	Title       string // 未サニタイズ
	Summary     string // 未サニタイズ
	URL         string
	SourceName  string
	ImageURL    string
	PublishedAt time.Time
}

// DigestItem は配信コラボレータに渡すダイジェスト1件分のペイロード。
// 整形・テンプレート適用は外部層の責務のため、構造化データのみを持つ。
type DigestItem struct {
	Title       string
	URL         string
	Summary     string
	PublishedAt time.Time
}

// DigestItemFromCandidate はCandidateItemを配信ペイロードに変換する。
func DigestItemFromCandidate(item CandidateItem) DigestItem {
	return DigestItem{
		Title:       item.Title,
		URL:         item.URL,
		Summary:     item.Summary,
		PublishedAt: item.PublishedAt,
	}
}

// TopicCacheEntry は(トピック, 時間バケット)をキーとするキャッシュ行を表す。
// アップストリーム呼び出し回数を抑えるためだけに存在し、権威データではない。
type TopicCacheEntry struct {
	Topic     string
	Bucket    time.Time // UTCで時間単位に切り詰めた値
	ItemIDs   []string  // published_at降順のCandidateItem ID列
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired はエントリがasOf時点で期限切れかどうかを返す。
func (e *TopicCacheEntry) Expired(asOf time.Time) bool {
	return !e.ExpiresAt.After(asOf)
}
