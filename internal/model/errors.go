package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind はエンジン内のエラー分類を表す。
type ErrorKind string

const (
	// KindThrottled はアップストリームのレート制限。バックオフしキャッシュを優先する。
	KindThrottled ErrorKind = "throttled"
	// KindUnavailable は一時的なネットワーク/タイムアウト障害。回数制限付きでリトライする。
	KindUnavailable ErrorKind = "unavailable"
	// KindBadUpstreamData は不正な応答。該当トピックは空結果として扱い、無限リトライしない。
	KindBadUpstreamData ErrorKind = "bad_upstream_data"
	// KindLeaseLost は他のオーナーにリースを奪われた状態。現在の試行を破棄し、タスクは変更しない。
	KindLeaseLost ErrorKind = "lease_lost"
	// KindDeliveryTransient は配信コラボレータの一時的失敗。タスクはretryingへ遷移する。
	KindDeliveryTransient ErrorKind = "delivery_transient"
	// KindDeliveryPermanent は配信コラボレータの恒久的失敗。タスクは直接failedへ遷移する。
	KindDeliveryPermanent ErrorKind = "delivery_permanent"
)

// EngineError はエンジンの統一エラー型。
// 分類Kindと、Throttledの場合の再試行ヒントRetryAfterを保持する。
type EngineError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // Throttledのときのみ有効（0は不明）
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap はラップされたエラーを返す。
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewThrottledError はレート制限エラーを生成する。
// retryAfterはアップストリームが示した再試行までの待ち時間（不明なら0）。
func NewThrottledError(retryAfter time.Duration) *EngineError {
	return &EngineError{
		Kind:       KindThrottled,
		Message:    "アップストリームのレート制限に達しました",
		RetryAfter: retryAfter,
	}
}

// NewUnavailableError は一時的なアップストリーム障害エラーを生成する。
func NewUnavailableError(err error) *EngineError {
	return &EngineError{
		Kind:    KindUnavailable,
		Message: "アップストリームに到達できません",
		Err:     err,
	}
}

// NewBadUpstreamDataError は不正応答エラーを生成する。
func NewBadUpstreamDataError(reason string, err error) *EngineError {
	return &EngineError{
		Kind:    KindBadUpstreamData,
		Message: fmt.Sprintf("アップストリーム応答が不正です: %s", reason),
		Err:     err,
	}
}

// NewLeaseLostError はリース喪失エラーを生成する。
func NewLeaseLostError(taskID string) *EngineError {
	return &EngineError{
		Kind:    KindLeaseLost,
		Message: fmt.Sprintf("タスクのリースを失いました: %s", taskID),
	}
}

// NewDeliveryTransientError は配信の一時的失敗エラーを生成する。
func NewDeliveryTransientError(err error) *EngineError {
	return &EngineError{
		Kind:    KindDeliveryTransient,
		Message: "配信に一時的に失敗しました",
		Err:     err,
	}
}

// NewDeliveryPermanentError は配信の恒久的失敗エラーを生成する。
func NewDeliveryPermanentError(err error) *EngineError {
	return &EngineError{
		Kind:    KindDeliveryPermanent,
		Message: "配信に恒久的に失敗しました",
		Err:     err,
	}
}

// KindOf はエラーチェーンからErrorKindを取り出す。
// EngineErrorでない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// RetryAfterOf はエラーチェーンからRetryAfterヒントを取り出す。
// ラップされたThrottledのヒントを拾えるよう、チェーン中で最初の
// 非ゼロのRetryAfterを返す。
func RetryAfterOf(err error) time.Duration {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ee, ok := e.(*EngineError); ok && ee.RetryAfter > 0 {
			return ee.RetryAfter
		}
	}
	return 0
}

// IsThrottled はレート制限エラーかどうかを返す。
func IsThrottled(err error) bool { return KindOf(err) == KindThrottled }

// IsUnavailable は一時的なアップストリーム障害かどうかを返す。
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }

// IsBadUpstreamData は不正応答エラーかどうかを返す。
func IsBadUpstreamData(err error) bool { return KindOf(err) == KindBadUpstreamData }

// IsLeaseLost はリース喪失エラーかどうかを返す。
func IsLeaseLost(err error) bool { return KindOf(err) == KindLeaseLost }

// IsDeliveryTransient は配信の一時的失敗かどうかを返す。
func IsDeliveryTransient(err error) bool { return KindOf(err) == KindDeliveryTransient }

// IsDeliveryPermanent は配信の恒久的失敗かどうかを返す。
func IsDeliveryPermanent(err error) bool { return KindOf(err) == KindDeliveryPermanent }
