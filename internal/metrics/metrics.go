// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン結果のラベル値。
const (
	LoginSuccess  = "success"
	LoginRejected = "rejected" // プロトコル違反・検証失敗
	LoginDenied   = "denied"   // 許可条件・issuer不一致
	LoginError    = "error"    // 永続化・内部エラー
)

// ログアウト種別のラベル値。
const (
	LogoutRP          = "rp"
	LogoutBackchannel = "backchannel"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordLogout(kind string, sessions int64)
	RecordReconcileLatency(duration time.Duration)
	RecordSessionsReaped(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	logouts          *prometheus.CounterVec
	sessionsRevoked  *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	sessionsReaped   prometheus.Counter
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idgate_logins_total",
			Help: "ログインコールバックの結果別件数",
		}, []string{"outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idgate_logouts_total",
			Help: "ログアウト要求の種別ごとの件数",
		}, []string{"kind"}),
		sessionsRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idgate_sessions_revoked_total",
			Help: "ログアウトで削除されたセッション数",
		}, []string{"kind"}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idgate_reconcile_latency_seconds",
			Help:    "アイデンティティ同期のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idgate_sessions_reaped_total",
			Help: "期限切れで削除されたセッション数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.logouts,
		c.sessionsRevoked,
		c.reconcileLatency,
		c.sessionsReaped,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログインの結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordLogout はログアウト要求と削除したセッション数を記録する。
func (c *Collector) RecordLogout(kind string, sessions int64) {
	c.logouts.WithLabelValues(kind).Inc()
	c.sessionsRevoked.WithLabelValues(kind).Add(float64(sessions))
}

// RecordReconcileLatency は同期のレイテンシを記録する。
func (c *Collector) RecordReconcileLatency(duration time.Duration) {
	c.reconcileLatency.Observe(duration.Seconds())
}

// RecordSessionsReaped は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsReaped(count int64) {
	c.sessionsReaped.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string)                   {}
func (Nop) RecordLogout(string, int64)           {}
func (Nop) RecordReconcileLatency(time.Duration) {}
func (Nop) RecordSessionsReaped(int64)           {}
func (Nop) RecordHTTPStatus(int)                 {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
