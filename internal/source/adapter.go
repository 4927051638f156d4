package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/security"
)

const (
	// maxFetchAttempts はUnavailable時のリトライを含む最大試行回数
	maxFetchAttempts = 3
	// retryBaseDelay はリトライバックオフの基準待機時間
	retryBaseDelay = 500 * time.Millisecond
	// maxTitleLength はサニタイズ後のタイトル最大文字数
	maxTitleLength = 300
	// maxSummaryLength はサニタイズ後のサマリー最大文字数
	maxSummaryLength = 1000
)

// Adapter はProviderをレート制御・リトライ・サニタイズでラップする。
// ダイジェスト解決層はAdapter経由でのみプロバイダにアクセスする。
type Adapter struct {
	provider  Provider
	limiter   *rate.Limiter
	sanitizer security.ContentSanitizerService
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewAdapter はAdapterの新しいインスタンスを生成する。
// rateLimitは秒あたりの許可リクエスト数、burstはバースト許容量。
func NewAdapter(
	provider Provider,
	rateLimit float64,
	burst int,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Adapter {
	return &Adapter{
		provider:  provider,
		limiter:   rate.NewLimiter(rate.Limit(rateLimit), burst),
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
	}
}

// Fetch はレートリミッタの許可を待ってからプロバイダに問い合わせる。
// Unavailableのみ指数バックオフ付きでリトライし、Throttled・BadUpstreamDataは
// 即座に呼び出し元へ返す（リトライしてもクォータや不正データは解消しないため）。
// 成功時は全記事のタイトル・サマリーをサニタイズして返す。
func (a *Adapter) Fetch(ctx context.Context, topic string, maxItems int) ([]model.ParsedArticle, error) {
	var lastErr error

	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("レートリミッタの待機に失敗しました: %w", err)
		}

		articles, err := a.provider.Fetch(ctx, topic, maxItems)
		if err == nil {
			a.metrics.RecordUpstreamCall("ok")
			sanitized := a.sanitizeAll(articles)
			// プロバイダがmaxパラメータを無視しても上限を超えない
			if len(sanitized) > maxItems {
				sanitized = sanitized[:maxItems]
			}
			return sanitized, nil
		}

		switch model.KindOf(err) {
		case model.KindThrottled:
			a.metrics.RecordUpstreamCall("throttled")
			a.logger.Warn("プロバイダがスロットリング中です",
				slog.String("topic", topic),
				slog.Duration("retry_after", model.RetryAfterOf(err)),
			)
			return nil, err
		case model.KindBadUpstreamData:
			a.metrics.RecordUpstreamCall("bad_data")
			a.logger.Error("プロバイダ応答が不正です",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			return nil, err
		case model.KindUnavailable:
			a.metrics.RecordUpstreamCall("unavailable")
			lastErr = err
			if attempt < maxFetchAttempts-1 {
				delay := CalculateRetryDelay(retryBaseDelay, attempt)
				a.logger.Warn("プロバイダが一時的に利用できません。リトライします",
					slog.String("topic", topic),
					slog.Int("attempt", attempt+1),
					slog.Duration("delay", delay),
				)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		default:
			a.metrics.RecordUpstreamCall("error")
			return nil, err
		}
	}

	return nil, lastErr
}

// sanitizeAll は記事のタイトルとサマリーをサニタイズし、長さを制限する。
func (a *Adapter) sanitizeAll(articles []model.ParsedArticle) []model.ParsedArticle {
	out := make([]model.ParsedArticle, 0, len(articles))
	for _, article := range articles {
		article.Title = truncate(a.sanitizer.Sanitize(article.Title), maxTitleLength)
		article.Summary = truncate(a.sanitizer.Sanitize(article.Summary), maxSummaryLength)
		if article.Title == "" {
			// サニタイズ後にタイトルが空になった記事は配信価値がない
			continue
		}
		out = append(out, article)
	}
	return out
}

// truncate はルーン単位で文字列をlimit文字に切り詰める。
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
