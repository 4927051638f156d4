// Package source はニュースプロバイダへのアクセスを提供する。
// プロバイダクライアント、リトライ/バックオフ戦略、レート制御付きアダプタを含む。
package source

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// Provider はニュースプロバイダへの単一のクエリ操作のインターフェース。
// 冪等であり、外部への問い合わせ以外の副作用を持たない。
type Provider interface {
	// Fetch は正規化済みトピックで記事を検索し、最大maxItems件を返す。
	// 失敗はmodel.EngineErrorのKind（Throttled/Unavailable/BadUpstreamData）で分類される。
	Fetch(ctx context.Context, topic string, maxItems int) ([]model.ParsedArticle, error)
}

// GNewsClient はGNews互換のJSON検索APIクライアント。
type GNewsClient struct {
	baseURL     string
	apiKey      string
	lang        string
	client      *http.Client
	maxBodySize int64
	logger      *slog.Logger
}

// NewGNewsClient はGNewsClientの新しいインスタンスを生成する。
// clientにはSSRFガードが生成したHTTPクライアントを渡すことを想定している。
func NewGNewsClient(baseURL, apiKey, lang string, client *http.Client, maxBodySize int64, logger *slog.Logger) *GNewsClient {
	return &GNewsClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		lang:        lang,
		client:      client,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// gnewsResponse はGNews検索APIの応答ボディ。
type gnewsResponse struct {
	Articles []gnewsArticle `json:"articles"`
}

// gnewsArticle はGNews応答の記事1件分。
type gnewsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Image       string `json:"image"`
	PublishedAt string `json:"publishedAt"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
}

// Fetch はGNewsの /search エンドポイントでトピック検索を行う。
// 429/403はThrottled（GNewsは日次クォータ超過を403で返す）、
// 5xx・トランスポートエラーはUnavailable、不正なJSONはBadUpstreamDataとして分類する。
func (c *GNewsClient) Fetch(ctx context.Context, topic string, maxItems int) ([]model.ParsedArticle, error) {
	q := url.Values{}
	q.Set("q", topic)
	q.Set("lang", c.lang)
	q.Set("max", strconv.Itoa(maxItems))
	q.Set("apikey", c.apiKey)

	reqURL := fmt.Sprintf("%s/search?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Digestman/1.0 News Digest Engine")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultThrottled:
		return nil, model.NewThrottledError(parseRetryAfter(resp.Header.Get("Retry-After")))
	case FetchResultUnavailable:
		return nil, model.NewUnavailableError(fmt.Errorf("http status %d", resp.StatusCode))
	case FetchResultBadData:
		return nil, model.NewBadUpstreamDataError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode), nil)
	case FetchResultOK:
		// 200: 以下で処理を続行
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, model.NewUnavailableError(fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}

	var parsed gnewsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.NewBadUpstreamDataError("JSONのデコードに失敗", err)
	}

	articles := make([]model.ParsedArticle, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		if a.URL == "" {
			// URLのない記事は同一性判定ができないためスキップ
			continue
		}

		publishedAt, perr := time.Parse(time.RFC3339, a.PublishedAt)
		if perr != nil {
			publishedAt = time.Now().UTC()
		}

		articles = append(articles, model.ParsedArticle{
			ExternalID:  ExternalID(a.URL),
			Title:       a.Title,
			Summary:     a.Description,
			URL:         a.URL,
			SourceName:  a.Source.Name,
			ImageURL:    a.Image,
			PublishedAt: publishedAt,
		})
	}

	c.logger.Info("プロバイダ検索が完了しました",
		slog.String("topic", topic),
		slog.Int("article_count", len(articles)),
	)

	return articles, nil
}

// ExternalID は記事URLからプロバイダ非依存の外部識別子を導出する。
// 同一URLの記事はプロバイダやトピックをまたいでも同じIDになる。
func ExternalID(articleURL string) string {
	hash := sha256.Sum256([]byte(articleURL))
	return fmt.Sprintf("%x", hash)
}

// parseRetryAfter はRetry-Afterヘッダーをパースする。
// 秒数形式とHTTP日付形式の両方を受け付け、不正または未設定の場合は
// 0（不明）を返す。
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if sec, err := strconv.Atoi(header); err == nil {
		if sec < 0 {
			return 0
		}
		return time.Duration(sec) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// compile-time interface check
var _ Provider = (*GNewsClient)(nil)
