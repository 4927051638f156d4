// Package ops はワーカーの運用エンドポイント（ヘルスチェックとメトリクス）を提供する。
package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/digestman/internal/metrics"
)

// healthResponse は/healthエンドポイントの応答ボディ。
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// NewRouter は運用エンドポイントのルーターを生成する。
// /health はDB疎通を確認し、/metrics はPrometheus形式でメトリクスを公開する。
func NewRouter(db *sql.DB, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok"}
		status := http.StatusOK

		if err := db.PingContext(ctx); err != nil {
			logger.Error("ヘルスチェックでDB疎通に失敗しました", slog.String("error", err.Error()))
			resp = healthResponse{Status: "degraded", Database: "unreachable"}
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))

	return r
}

// Serve は運用エンドポイントのHTTPサーバーを起動する。
// ctxのキャンセルでグレースフルシャットダウンする。
func Serve(ctx context.Context, port string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("運用エンドポイントを開始します", slog.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("運用エンドポイントの起動に失敗しました: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("運用エンドポイントの停止に失敗しました: %w", err)
		}
		return nil
	}
}
