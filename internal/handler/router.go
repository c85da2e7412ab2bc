package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/idgate/internal/metrics"
	"github.com/hitoshi/idgate/internal/middleware"
)

// ManagePermission はグループのロール変更に必要な権限。
const ManagePermission = "manage"

// SessionService はルーターが必要とするセッション操作。session.Managerが実装する。
type SessionService interface {
	middleware.SessionAuthenticator
	SessionCookies
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	Sessions    SessionService
	Origin      middleware.OriginChecker
	RateLimiter *middleware.RateLimiter
	Metrics     metrics.MetricsCollector
	Gatherer    prometheus.Gatherer

	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	GroupRoles  GroupRoleSetter
	DB          Pinger

	TrustProxy bool // X-Forwarded-For等からクライアントIPを復元する
	HSTS       bool // Strict-Transport-Securityを付与する
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Session → Logging
//
// ブラウザが辿るログイン・ログアウトのルートにはクライアントIPごとのレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.HSTS}))
	r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.Origin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.Origin, deps.AuthConfig)
	groupHandler := NewGroupHandler(deps.GroupRoles)

	r.Get("/health", Health(deps.DB))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 認証フロー ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/login", authHandler.Login)
		r.Get("/login/callback", authHandler.Callback)
		r.Get("/logout", authHandler.Logout)
	})

	// IdPからのサーバー間通知。署名付きログアウトトークンで認証するためレート制限しない。
	r.Post("/logout/backchannel", authHandler.Backchannel)

	// --- 認証が必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireSession)
		r.Get("/me", Me)
		r.With(middleware.RequirePermission(ManagePermission)).Put("/groups/{id}/roles", groupHandler.SetRoles)
	})

	return r
}
