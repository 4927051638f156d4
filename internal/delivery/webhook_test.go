package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/logger"
	"github.com/hitoshi/digestman/internal/model"
)

func testItems() []model.DigestItem {
	return []model.DigestItem{
		{
			Title:       "記事タイトル",
			URL:         "https://example.com/article",
			Summary:     "概要",
			PublishedAt: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		},
	}
}

func TestWebhookDeliverer_Deliver_Success(t *testing.T) {
	var received webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("POSTであるべきです: got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Typeが一致しません: got %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("ボディのデコードに失敗しました: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhookDeliverer(server.URL, server.Client(), logger.Setup(io.Discard))
	if err := d.Deliver(context.Background(), "sub1", testItems()); err != nil {
		t.Fatalf("エラーが発生しました: %v", err)
	}

	if received.SubscriberID != "sub1" {
		t.Errorf("購読者IDが一致しません: got %s", received.SubscriberID)
	}
	if len(received.Items) != 1 || received.Items[0].Title != "記事タイトル" {
		t.Errorf("アイテムが一致しません: got %+v", received.Items)
	}
}

func TestWebhookDeliverer_Deliver_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		wantTransient bool
		wantPermanent bool
	}{
		{"503はtransient", http.StatusServiceUnavailable, true, false},
		{"429はtransient", http.StatusTooManyRequests, true, false},
		{"408はtransient", http.StatusRequestTimeout, true, false},
		{"400はpermanent", http.StatusBadRequest, false, true},
		{"404はpermanent", http.StatusNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			d := NewWebhookDeliverer(server.URL, server.Client(), logger.Setup(io.Discard))
			err := d.Deliver(context.Background(), "sub1", testItems())

			if model.IsDeliveryTransient(err) != tt.wantTransient {
				t.Errorf("transient判定が一致しません: err=%v", err)
			}
			if model.IsDeliveryPermanent(err) != tt.wantPermanent {
				t.Errorf("permanent判定が一致しません: err=%v", err)
			}
		})
	}
}

func TestWebhookDeliverer_Deliver_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // 接続エラーを発生させる

	d := NewWebhookDeliverer(server.URL, http.DefaultClient, logger.Setup(io.Discard))
	err := d.Deliver(context.Background(), "sub1", testItems())
	if !model.IsDeliveryTransient(err) {
		t.Fatalf("トランスポートエラーはtransientであるべきです: %v", err)
	}
}

func TestLogDeliverer_Deliver(t *testing.T) {
	d := NewLogDeliverer(logger.Setup(io.Discard))
	if err := d.Deliver(context.Background(), "sub1", testItems()); err != nil {
		t.Fatalf("ログ配信は常に成功すべきです: %v", err)
	}
	if err := d.Deliver(context.Background(), "sub1", nil); err != nil {
		t.Fatalf("空ダイジェストでも成功すべきです: %v", err)
	}
}
