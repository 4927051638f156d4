// Package digest はトピック集合からダイジェストアイテム列を解決する。
// キャッシュ参照、プロバイダ取得、重複排除、staleフォールバックを担う
// Dedup/Cache層の中核。
package digest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/repository"
)

// Fetcher はニュースプロバイダへの取得操作のインターフェース。
// source.Adapterがこれを満たす。
type Fetcher interface {
	Fetch(ctx context.Context, topic string, maxItems int) ([]model.ParsedArticle, error)
}

// Resolver はトピック集合をダイジェストアイテム列へ解決するサービス。
// 同一(トピック, 時間バケット)への問い合わせはキャッシュTTL内で1回に抑えられる。
type Resolver struct {
	fetcher     Fetcher
	items       repository.ItemRepository
	cache       repository.CacheRepository
	cacheTTL    time.Duration
	perTopicMax int
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
// perTopicMaxはトピックあたりのプロバイダ取得件数の上限。
func NewResolver(
	fetcher Fetcher,
	items repository.ItemRepository,
	cache repository.CacheRepository,
	cacheTTL time.Duration,
	perTopicMax int,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		fetcher:     fetcher,
		items:       items,
		cache:       cache,
		cacheTTL:    cacheTTL,
		perTopicMax: perTopicMax,
		metrics:     collector,
		logger:      logger,
	}
}

// NormalizeTopic はトピックを正規化する（前後空白の除去と小文字化）。
// キャッシュキーと記事のトピックタグはすべて正規化後の値を使う。
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// HourBucket はasOfをUTCの時間単位に切り詰めたキャッシュバケットを返す。
func HourBucket(asOf time.Time) time.Time {
	return asOf.UTC().Truncate(time.Hour)
}

// Resolve はトピック集合からmaxItems件以下のダイジェストアイテム列を解決する。
//
// トピックごとに現在バケットのキャッシュを参照し、ミス時のみプロバイダから取得する。
// 取得結果はexternal_idでUPSERTされ、IDリストがキャッシュに保存される。
// プロバイダがThrottled/Unavailableの場合は最新の期限切れキャッシュへ
// フォールバックする（古いニュースは無いよりまし）。
//
// 全トピックで記事ゼロかつ少なくとも1トピックでエラーが発生した場合のみ
// エラーを返す。一部のトピックが失敗しても他で記事が得られれば成功とする。
func (r *Resolver) Resolve(ctx context.Context, topics []string, asOf time.Time, maxItems int) ([]model.DigestItem, error) {
	bucket := HourBucket(asOf)

	var (
		allIDs   []string
		seen     = make(map[string]struct{})
		firstErr error
	)

	for _, rawTopic := range topics {
		topic := NormalizeTopic(rawTopic)
		if topic == "" {
			continue
		}

		ids, err := r.resolveTopic(ctx, topic, bucket, asOf)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("トピックの解決に失敗しました",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			continue
		}

		// トピック横断の重複排除: 先に解決したトピックが優先
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			allIDs = append(allIDs, id)
		}
	}

	if len(allIDs) == 0 {
		if firstErr != nil {
			// 1件も解決できなかった場合は分類をBadUpstreamDataに揃える。
			// 元エラーをラップして返すためRetry-Afterのヒントは失われない。
			return nil, model.NewBadUpstreamDataError("全トピックの解決に失敗しました", firstErr)
		}
		return []model.DigestItem{}, nil
	}

	// published_at降順で取得されるため、新しい記事が先頭に来る
	candidates, err := r.items.ListByIDs(ctx, allIDs)
	if err != nil {
		return nil, err
	}

	if len(candidates) > maxItems {
		candidates = candidates[:maxItems]
	}

	digestItems := make([]model.DigestItem, 0, len(candidates))
	for _, c := range candidates {
		digestItems = append(digestItems, model.DigestItemFromCandidate(c))
	}

	return digestItems, nil
}

// resolveTopic は単一トピックの記事IDリストを解決する。
func (r *Resolver) resolveTopic(ctx context.Context, topic string, bucket, asOf time.Time) ([]string, error) {
	entry, err := r.cache.Get(ctx, topic, bucket)
	if err != nil {
		return nil, err
	}
	if entry != nil && !entry.Expired(asOf) {
		r.metrics.RecordCacheHit()
		return entry.ItemIDs, nil
	}

	r.metrics.RecordCacheMiss()

	articles, err := r.fetcher.Fetch(ctx, topic, r.perTopicMax)
	if err != nil {
		// クォータ超過や一時障害の間は古いキャッシュで代替する
		if model.IsThrottled(err) || model.IsUnavailable(err) {
			stale, serr := r.cache.GetLatest(ctx, topic)
			if serr == nil && stale != nil && len(stale.ItemIDs) > 0 {
				r.metrics.RecordStaleFallback()
				r.logger.Warn("期限切れキャッシュへフォールバックします",
					slog.String("topic", topic),
					slog.Time("stale_bucket", stale.Bucket),
				)
				return stale.ItemIDs, nil
			}
		}
		return nil, err
	}

	ids, err := r.items.UpsertArticles(ctx, topic, articles)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Put(ctx, &model.TopicCacheEntry{
		Topic:     topic,
		Bucket:    bucket,
		ItemIDs:   ids,
		ExpiresAt: asOf.Add(r.cacheTTL),
		CreatedAt: asOf,
	}); err != nil {
		// キャッシュ保存の失敗は解決結果には影響させない
		r.logger.Warn("キャッシュの保存に失敗しました",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}

	return ids, nil
}
