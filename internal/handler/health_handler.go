package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthTimeout はヘルスチェックのDB問い合わせのタイムアウト。
const healthTimeout = 3 * time.Second

// Pinger はデータベースの疎通確認を行う。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health はデータベースに問い合わせてサービスの状態を返す。
// GET /health
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "ERROR"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}
}
