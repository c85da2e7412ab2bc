// Package reaper は失効したセッションを定期的に削除するバックグラウンドジョブを提供する。
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/idgate/internal/metrics"
)

// DefaultInterval は失効セッション削除のデフォルト実行間隔。
const DefaultInterval = 10 * time.Minute

// ExpiredSessionDeleter は失効セッションの削除を行う。repository.SessionRepositoryが実装する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Reaper は失効したセッションの削除ジョブ。
// 検証時にも失効セッションは拒否されるため、削除はストレージの掃除のみを目的とする。
// 冪等であり、複数プロセスから同時に実行しても問題ない。
type Reaper struct {
	sessions ExpiredSessionDeleter
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
}

// NewReaper は新しいReaperを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewReaper(sessions ExpiredSessionDeleter, clock clockwork.Clock, logger *slog.Logger, collector metrics.MetricsCollector) *Reaper {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Reaper{
		sessions: sessions,
		clock:    clock,
		logger:   logger,
		metrics:  collector,
	}
}

// Start は起動直後に1回、その後interval間隔で削除を実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("session reaper started", slog.Duration("interval", interval))

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reaper stopped")
			return
		case <-ticker.Chan():
			r.runLogged(ctx)
		}
	}
}

func (r *Reaper) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("session reaper run failed", slog.String("error", err.Error()))
	}
}

// RunOnce は現在時刻で失効しているセッションを削除し、削除件数を返す。
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	start := r.clock.Now()

	n, err := r.sessions.DeleteExpired(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	r.metrics.RecordSessionsReaped(n)

	r.logger.Info("expired sessions reaped",
		slog.Int64("deleted_count", n),
		slog.Float64("duration_ms", float64(r.clock.Since(start).Milliseconds())),
	)
	return n, nil
}
