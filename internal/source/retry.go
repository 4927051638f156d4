package source

import (
	"math/rand"
	"time"
)

// FetchResult はHTTP応答の分類結果を表す。
type FetchResult int

const (
	// FetchResultOK は正常応答
	FetchResultOK FetchResult = iota
	// FetchResultThrottled はレート制限・クォータ超過（リトライ不可、待機が必要）
	FetchResultThrottled
	// FetchResultUnavailable は一時的なサーバ障害（リトライ可能）
	FetchResultUnavailable
	// FetchResultBadData はリクエスト・データ不正（リトライ不能）
	FetchResultBadData
)

// ClassifyHTTPStatus はHTTPステータスコードを障害クラスに分類する。
// GNewsは日次クォータ超過を403で返すため、403もスロットリング扱いとする。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 429 || statusCode == 403:
		return FetchResultThrottled
	case statusCode >= 500:
		return FetchResultUnavailable
	default:
		return FetchResultBadData
	}
}

// CalculateRetryDelay はattempt回目（0始まり）のリトライ待機時間を計算する。
// base * 2^attempt に±50%のジッタを加える。
func CalculateRetryDelay(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	// ±50%ジッタ: 同時リトライの集中を避ける
	jitter := time.Duration(rand.Int63n(int64(delay))) - delay/2
	return delay + jitter
}
