// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はニュースプロバイダから取得した記事のタイトルと
// サマリーをサニタイズする。プロバイダ応答にはHTML断片が混入することがあり、
// ダイジェストのペイロードはプレーンテキストであるべきため、
// bluemondayのStrictPolicyで全タグを除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はテキストコンテンツのサニタイズ機能のインターフェースを定義する。
// 候補記事の保存前にソースアダプタから使用される。
type ContentSanitizerService interface {
	// Sanitize は入力からHTMLタグを全て除去し、エンティティをデコードした
	// プレーンテキストを返す。前後の空白は取り除かれる。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicy（全タグ除去）を使用する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は入力からHTMLタグを除去したプレーンテキストを返す。
// bluemondayはテキストをHTMLエスケープして返すため、
// エンティティをデコードして元のテキスト表現に戻す。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
