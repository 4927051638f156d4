// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ProviderGNews はGNews互換のJSON APIプロバイダを示す。
const ProviderGNews = "gnews"

// ProviderRSS はRSS検索エンドポイントのプロバイダを示す。
const ProviderRSS = "rss"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// News provider
	NewsProvider    string
	NewsAPIKey      string
	NewsBaseURL     string
	NewsLang        string
	NewsMaxPerTopic int
	NewsRateLimit   float64 // req/sec
	NewsRateBurst   int

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Digest
	CacheTTL       time.Duration
	DigestMaxItems int

	// Planner
	PlanInterval    time.Duration
	SubscribersFile string

	// Delivery
	DeliveryWebhookURL string // 未設定時はログ配信にフォールバック

	// Executor
	PollInterval        time.Duration
	ExecutorConcurrency int
	LeaseDuration       time.Duration
	LeaseRenewInterval  time.Duration
	MaxAttempts         int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration

	// Ops server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.NewsProvider = getEnvString("NEWS_PROVIDER", ProviderGNews)
	if cfg.NewsProvider != ProviderGNews && cfg.NewsProvider != ProviderRSS {
		return nil, fmt.Errorf("unsupported NEWS_PROVIDER: %q", cfg.NewsProvider)
	}

	// APIキーはgnewsプロバイダでのみ必須
	cfg.NewsAPIKey = os.Getenv("NEWS_API_KEY")
	if cfg.NewsProvider == ProviderGNews && cfg.NewsAPIKey == "" {
		missing = append(missing, "NEWS_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.NewsBaseURL = getEnvString("NEWS_BASE_URL", defaultBaseURL(cfg.NewsProvider))
	cfg.NewsLang = getEnvString("NEWS_LANG", "en")
	cfg.NewsMaxPerTopic = getEnvInt("NEWS_MAX_PER_TOPIC", 5)
	cfg.NewsRateLimit = getEnvFloat("NEWS_RATE_LIMIT", 1.0)
	cfg.NewsRateBurst = getEnvInt("NEWS_RATE_BURST", 3)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", time.Hour)
	cfg.DigestMaxItems = getEnvInt("DIGEST_MAX_ITEMS", 10)
	cfg.PlanInterval = getEnvDuration("PLAN_INTERVAL", time.Minute)
	cfg.SubscribersFile = getEnvString("SUBSCRIBERS_FILE", "subscribers.json")
	cfg.DeliveryWebhookURL = os.Getenv("DELIVERY_WEBHOOK_URL")
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 15*time.Second)
	cfg.ExecutorConcurrency = getEnvInt("EXECUTOR_CONCURRENCY", 10)
	cfg.LeaseDuration = getEnvDuration("LEASE_DURATION", 3*time.Minute)
	cfg.LeaseRenewInterval = getEnvDuration("LEASE_RENEW_INTERVAL", time.Minute)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", 5)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", time.Minute)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", 30*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// defaultBaseURL はプロバイダ種別に応じたデフォルトのベースURLを返す。
func defaultBaseURL(provider string) string {
	if provider == ProviderRSS {
		return "https://news.google.com"
	}
	return "https://gnews.io/api/v4"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
