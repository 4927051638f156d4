package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/digestman/internal/model"
)

// RSSClient はGoogle News互換のRSS検索エンドポイントを使うプロバイダ。
// APIキー不要の代替経路として利用する。
type RSSClient struct {
	baseURL     string
	lang        string
	client      *http.Client
	maxBodySize int64
	parser      *gofeed.Parser
	logger      *slog.Logger
}

// NewRSSClient はRSSClientの新しいインスタンスを生成する。
func NewRSSClient(baseURL, lang string, client *http.Client, maxBodySize int64, logger *slog.Logger) *RSSClient {
	return &RSSClient{
		baseURL:     baseURL,
		lang:        lang,
		client:      client,
		maxBodySize: maxBodySize,
		parser:      gofeed.NewParser(),
		logger:      logger,
	}
}

// Fetch はRSS検索フィードを取得し記事リストへ変換する。
// HTTPステータスの分類はGNewsClientと共通。フィードのパース失敗はBadUpstreamData。
func (c *RSSClient) Fetch(ctx context.Context, topic string, maxItems int) ([]model.ParsedArticle, error) {
	q := url.Values{}
	q.Set("q", topic)
	q.Set("hl", c.lang)

	reqURL := fmt.Sprintf("%s/rss/search?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Digestman/1.0 News Digest Engine")
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

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
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, model.NewUnavailableError(fmt.Errorf("レスポンス読み取り失敗: %w", err))
	}

	feed, err := c.parser.ParseString(string(body))
	if err != nil {
		return nil, model.NewBadUpstreamDataError("フィードのパースに失敗", err)
	}

	articles := make([]model.ParsedArticle, 0, maxItems)
	for _, item := range feed.Items {
		if len(articles) >= maxItems {
			break
		}
		if item.Link == "" {
			continue
		}

		publishedAt := time.Now().UTC()
		if item.PublishedParsed != nil {
			publishedAt = item.PublishedParsed.UTC()
		}

		sourceName := feed.Title
		if item.Custom != nil {
			if s, ok := item.Custom["source"]; ok && s != "" {
				sourceName = s
			}
		}

		imageURL := ""
		if item.Image != nil {
			imageURL = item.Image.URL
		}

		articles = append(articles, model.ParsedArticle{
			ExternalID:  ExternalID(item.Link),
			Title:       strings.TrimSpace(item.Title),
			Summary:     item.Description,
			URL:         item.Link,
			SourceName:  sourceName,
			ImageURL:    imageURL,
			PublishedAt: publishedAt,
		})
	}

	c.logger.Info("RSS検索が完了しました",
		slog.String("topic", topic),
		slog.Int("article_count", len(articles)),
	)

	return articles, nil
}

// compile-time interface check
var _ Provider = (*RSSClient)(nil)
