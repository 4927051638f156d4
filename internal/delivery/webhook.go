// Package delivery は解決済みダイジェストを外部コラボレータへ届ける実装を提供する。
// 整形・テンプレート適用は受信側の責務のため、構造化JSONのみを送る。
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

// WebhookDeliverer はダイジェストをHTTP POSTで配信するDeliverer実装。
// 応答ステータスで一時的失敗と恒久的失敗を区別する。
type WebhookDeliverer struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhookDeliverer はWebhookDelivererの新しいインスタンスを生成する。
// clientにはSSRFガードが生成したHTTPクライアントを渡すことを想定している。
func NewWebhookDeliverer(endpoint string, client *http.Client, logger *slog.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
	}
}

// webhookPayload はWebhook配信のリクエストボディ。
type webhookPayload struct {
	SubscriberID string        `json:"subscriber_id"`
	DeliveredAt  time.Time     `json:"delivered_at"`
	Items        []webhookItem `json:"items"`
}

// webhookItem はダイジェストアイテム1件分の表現。
type webhookItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Deliver はダイジェストをエンドポイントへPOSTする。
// 2xxで成功。408/429/5xx・トランスポートエラーはDeliveryTransient、
// その他の4xxはDeliveryPermanentとして分類する。
func (d *WebhookDeliverer) Deliver(ctx context.Context, subscriberID string, items []model.DigestItem) error {
	payload := webhookPayload{
		SubscriberID: subscriberID,
		DeliveredAt:  time.Now().UTC(),
		Items:        make([]webhookItem, 0, len(items)),
	}
	for _, item := range items {
		payload.Items = append(payload.Items, webhookItem{
			Title:       item.Title,
			URL:         item.URL,
			Summary:     item.Summary,
			PublishedAt: item.PublishedAt,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return model.NewDeliveryPermanentError(fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.NewDeliveryPermanentError(fmt.Errorf("リクエスト作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return model.NewDeliveryTransientError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.logger.Info("Webhook配信に成功しました",
			slog.String("subscriber_id", subscriberID),
			slog.Int("item_count", len(items)),
		)
		return nil
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		return model.NewDeliveryTransientError(fmt.Errorf("http status %d", resp.StatusCode))
	default:
		return model.NewDeliveryPermanentError(fmt.Errorf("http status %d", resp.StatusCode))
	}
}

// LogDeliverer はダイジェストを構造化ログに書き出すDeliverer実装。
// Webhookエンドポイント未設定時のフォールバックと動作確認用。
type LogDeliverer struct {
	logger *slog.Logger
}

// NewLogDeliverer はLogDelivererの新しいインスタンスを生成する。
func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

// Deliver はダイジェストの内容をログに出力する。常に成功する。
func (d *LogDeliverer) Deliver(_ context.Context, subscriberID string, items []model.DigestItem) error {
	titles := make([]string, 0, len(items))
	for _, item := range items {
		titles = append(titles, item.Title)
	}
	d.logger.Info("ダイジェストを配信しました（ログ出力）",
		slog.String("subscriber_id", subscriberID),
		slog.Int("item_count", len(items)),
		slog.Any("titles", titles),
	)
	return nil
}
