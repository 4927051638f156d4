// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/digestman/internal/config"
	"github.com/hitoshi/digestman/internal/database"
	"github.com/hitoshi/digestman/internal/delivery"
	"github.com/hitoshi/digestman/internal/digest"
	"github.com/hitoshi/digestman/internal/executor"
	"github.com/hitoshi/digestman/internal/lease"
	"github.com/hitoshi/digestman/internal/logger"
	"github.com/hitoshi/digestman/internal/metrics"
	"github.com/hitoshi/digestman/internal/ops"
	"github.com/hitoshi/digestman/internal/planner"
	"github.com/hitoshi/digestman/internal/repository"
	"github.com/hitoshi/digestman/internal/security"
	"github.com/hitoshi/digestman/internal/source"
	"github.com/hitoshi/digestman/internal/subscriber"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("provider", cfg.NewsProvider),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runWorker(cfg)
	}
}

// newProvider は設定に応じたニュースプロバイダクライアントを生成する。
func newProvider(cfg *config.Config, ssrfGuard security.SSRFGuardService) (source.Provider, error) {
	if err := ssrfGuard.ValidateURL(cfg.NewsBaseURL); err != nil {
		return nil, fmt.Errorf("unsafe NEWS_BASE_URL: %w", err)
	}

	client := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)

	switch cfg.NewsProvider {
	case config.ProviderRSS:
		return source.NewRSSClient(cfg.NewsBaseURL, cfg.NewsLang, client, cfg.FetchMaxSize, slog.Default()), nil
	default:
		return source.NewGNewsClient(cfg.NewsBaseURL, cfg.NewsAPIKey, cfg.NewsLang, client, cfg.FetchMaxSize, slog.Default()), nil
	}
}

// newDeliverer は設定に応じた配信コラボレータを生成する。
// Webhookエンドポイント未設定時はログ配信にフォールバックする。
func newDeliverer(cfg *config.Config, ssrfGuard security.SSRFGuardService) (executor.Deliverer, error) {
	if cfg.DeliveryWebhookURL == "" {
		slog.Warn("DELIVERY_WEBHOOK_URL is not set, falling back to log deliverer")
		return delivery.NewLogDeliverer(slog.Default()), nil
	}

	if err := ssrfGuard.ValidateURL(cfg.DeliveryWebhookURL); err != nil {
		return nil, fmt.Errorf("unsafe DELIVERY_WEBHOOK_URL: %w", err)
	}

	client := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)
	return delivery.NewWebhookDeliverer(cfg.DeliveryWebhookURL, client, slog.Default()), nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、プランナーとエグゼキュータと運用エンドポイントを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	taskRepo := repository.NewPostgresTaskRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)
	cacheRepo := repository.NewPostgresCacheRepo(db)
	watermarkRepo := repository.NewPostgresWatermarkRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 5. ソースアダプタの初期化
	provider, err := newProvider(cfg, ssrfGuard)
	if err != nil {
		return err
	}
	adapter := source.NewAdapter(
		provider, cfg.NewsRateLimit, cfg.NewsRateBurst,
		sanitizer, collector, slog.Default(),
	)

	// 6. ダイジェストリゾルバの初期化
	resolver := digest.NewResolver(
		adapter, itemRepo, cacheRepo,
		cfg.CacheTTL, cfg.NewsMaxPerTopic, collector, slog.Default(),
	)

	// 7. 購読者ソースと配信コラボレータの初期化
	subSource := subscriber.NewFileSource(cfg.SubscribersFile, slog.Default())
	deliverer, err := newDeliverer(cfg, ssrfGuard)
	if err != nil {
		return err
	}

	// 8. プランナーとエグゼキュータの初期化
	plan := planner.NewPlanner(subSource, taskRepo, watermarkRepo, collector, slog.Default())

	leaseMgr := lease.NewManager(taskRepo, slog.Default())
	exec := executor.NewExecutor(
		taskRepo, cacheRepo, leaseMgr, resolver, subSource, deliverer,
		executor.Options{
			Concurrency:    cfg.ExecutorConcurrency,
			LeaseDuration:  cfg.LeaseDuration,
			RenewInterval:  cfg.LeaseRenewInterval,
			MaxAttempts:    cfg.MaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			MaxDigestItems: cfg.DigestMaxItems,
			CachePurgeAge:  cfg.CacheTTL,
		},
		collector, slog.Default(),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.String("owner_id", exec.OwnerID()),
		slog.Duration("plan_interval", cfg.PlanInterval),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Int("concurrency", cfg.ExecutorConcurrency),
	)

	var wg sync.WaitGroup

	// 運用エンドポイントをバックグラウンドで起動
	router := ops.NewRouter(db, registry, slog.Default())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ops.Serve(ctx, cfg.ServerPort, router, slog.Default()); err != nil {
			slog.Error("ops server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	// プランナーをバックグラウンドで起動
	wg.Add(1)
	go func() {
		defer wg.Done()
		plan.Start(ctx, cfg.PlanInterval)
	}()

	// エグゼキュータをメインgoroutineで実行（ブロッキング）
	exec.Start(ctx, cfg.PollInterval)

	wg.Wait()
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
