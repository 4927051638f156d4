package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/logger"
	"github.com/hitoshi/digestman/internal/model"
)

func TestGNewsClient_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "technology" {
			t.Errorf("クエリパラメータqが一致しません: got %s", got)
		}
		if got := r.URL.Query().Get("apikey"); got != "test-key" {
			t.Errorf("APIキーが一致しません: got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"articles": [
				{
					"title": "記事タイトル1",
					"description": "概要1",
					"url": "https://example.com/article1",
					"image": "https://example.com/image1.jpg",
					"publishedAt": "2026-08-30T10:00:00Z",
					"source": {"name": "Example News"}
				},
				{
					"title": "URLなし記事",
					"description": "スキップされるべき",
					"url": "",
					"publishedAt": "2026-08-30T11:00:00Z",
					"source": {"name": "Example News"}
				}
			]
		}`))
	}))
	defer server.Close()

	client := NewGNewsClient(server.URL, "test-key", "en", server.Client(), 1024*1024, logger.Setup(io.Discard))

	articles, err := client.Fetch(context.Background(), "technology", 5)
	if err != nil {
		t.Fatalf("エラーが発生しました: %v", err)
	}

	if len(articles) != 1 {
		t.Fatalf("記事数が一致しません: got %d, want 1", len(articles))
	}

	a := articles[0]
	if a.Title != "記事タイトル1" {
		t.Errorf("タイトルが一致しません: got %s", a.Title)
	}
	if a.URL != "https://example.com/article1" {
		t.Errorf("URLが一致しません: got %s", a.URL)
	}
	if a.SourceName != "Example News" {
		t.Errorf("ソース名が一致しません: got %s", a.SourceName)
	}
	if a.ExternalID != ExternalID("https://example.com/article1") {
		t.Errorf("外部IDがURLハッシュと一致しません: got %s", a.ExternalID)
	}
	want := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if !a.PublishedAt.Equal(want) {
		t.Errorf("公開日時が一致しません: got %v, want %v", a.PublishedAt, want)
	}
}

func TestGNewsClient_Fetch_Throttled(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		retryAfter     string
		wantRetryAfter time.Duration
	}{
		{
			name:           "429レート制限（Retry-Afterあり）",
			statusCode:     http.StatusTooManyRequests,
			retryAfter:     "120",
			wantRetryAfter: 120 * time.Second,
		},
		{
			name:           "403クォータ超過（Retry-Afterなし）",
			statusCode:     http.StatusForbidden,
			retryAfter:     "",
			wantRetryAfter: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client := NewGNewsClient(server.URL, "test-key", "en", server.Client(), 1024*1024, logger.Setup(io.Discard))

			_, err := client.Fetch(context.Background(), "technology", 5)
			if !model.IsThrottled(err) {
				t.Fatalf("Throttledエラーであるべきです: %v", err)
			}
			if got := model.RetryAfterOf(err); got != tt.wantRetryAfter {
				t.Errorf("RetryAfterが一致しません: got %v, want %v", got, tt.wantRetryAfter)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("90"); got != 90*time.Second {
		t.Errorf("秒数形式が一致しません: got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("未設定は0であるべきです: got %v", got)
	}
	if got := parseRetryAfter("-5"); got != 0 {
		t.Errorf("負の秒数は0であるべきです: got %v", got)
	}
	if got := parseRetryAfter("後で"); got != 0 {
		t.Errorf("不正な値は0であるべきです: got %v", got)
	}

	// HTTP日付形式は現在時刻からの残り時間になる
	future := time.Now().Add(10 * time.Minute).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got < 9*time.Minute || got > 10*time.Minute {
		t.Errorf("HTTP日付形式の残り時間が範囲外です: got %v", got)
	}

	past := time.Now().Add(-10 * time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("過去の日付は0であるべきです: got %v", got)
	}
}

func TestGNewsClient_Fetch_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewGNewsClient(server.URL, "test-key", "en", server.Client(), 1024*1024, logger.Setup(io.Discard))

	_, err := client.Fetch(context.Background(), "technology", 5)
	if !model.IsUnavailable(err) {
		t.Fatalf("Unavailableエラーであるべきです: %v", err)
	}
}

func TestGNewsClient_Fetch_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"articles": [broken`))
	}))
	defer server.Close()

	client := NewGNewsClient(server.URL, "test-key", "en", server.Client(), 1024*1024, logger.Setup(io.Discard))

	_, err := client.Fetch(context.Background(), "technology", 5)
	if !model.IsBadUpstreamData(err) {
		t.Fatalf("BadUpstreamDataエラーであるべきです: %v", err)
	}
}

func TestExternalID_Deterministic(t *testing.T) {
	a := ExternalID("https://example.com/article")
	b := ExternalID("https://example.com/article")
	c := ExternalID("https://example.com/other")

	if a != b {
		t.Error("同一URLから同一の外部IDが導出されるべきです")
	}
	if a == c {
		t.Error("異なるURLから異なる外部IDが導出されるべきです")
	}
	if len(a) != 64 {
		t.Errorf("外部IDはSHA-256の16進表現（64文字）であるべきです: got %d文字", len(a))
	}
}
