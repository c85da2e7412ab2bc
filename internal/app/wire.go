package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/idgate/internal/auth"
	"github.com/hitoshi/idgate/internal/claims"
	"github.com/hitoshi/idgate/internal/config"
	"github.com/hitoshi/idgate/internal/handler"
	"github.com/hitoshi/idgate/internal/identity"
	"github.com/hitoshi/idgate/internal/metrics"
	"github.com/hitoshi/idgate/internal/middleware"
	"github.com/hitoshi/idgate/internal/oidc"
	"github.com/hitoshi/idgate/internal/repository"
	"github.com/hitoshi/idgate/internal/security"
	"github.com/hitoshi/idgate/internal/session"
)

// Backend はサービスが利用する永続化層。repository.PostgresStoreが実装する。
type Backend interface {
	repository.Store
	repository.Transactor
	PingContext(ctx context.Context) error
}

// Server は構築済みのHTTPハンドラーと、停止時に解放するリソース。
type Server struct {
	Handler     http.Handler
	rateLimiter *middleware.RateLimiter
}

// Close はバックグラウンドのリソースを解放する。
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

// idpClientConfig はIdPへのHTTPクライアント設定を組み立てる。
func idpClientConfig(cfg *config.Config) security.IdPClientConfig {
	return security.IdPClientConfig{
		Timeout:             cfg.OIDC.HTTPTimeout,
		EnforceHTTPS:        cfg.OIDC.EnforceHTTPS,
		AllowPrivateNetwork: cfg.OIDC.AllowPrivateNetwork,
		Ports: security.EndpointPorts(
			cfg.OIDC.Issuer,
			cfg.OIDC.AuthorizationEndpoint,
			cfg.OIDC.TokenEndpoint,
			cfg.OIDC.UserInfoEndpoint,
			cfg.OIDC.EndSessionEndpoint,
			cfg.OIDC.JWKSURI,
		),
	}
}

// validateIdPEndpoints は設定されたIdPエンドポイントを起動時に検証する。
func validateIdPEndpoints(cfg *config.Config) error {
	idpCfg := idpClientConfig(cfg)
	endpoints := map[string]string{
		"OIDC_ISSUER":                 cfg.OIDC.Issuer,
		"OIDC_AUTHORIZATION_ENDPOINT": cfg.OIDC.AuthorizationEndpoint,
		"OIDC_TOKEN_ENDPOINT":         cfg.OIDC.TokenEndpoint,
		"OIDC_USERINFO_ENDPOINT":      cfg.OIDC.UserInfoEndpoint,
		"OIDC_END_SESSION_ENDPOINT":   cfg.OIDC.EndSessionEndpoint,
		"OIDC_JWKS_URI":               cfg.OIDC.JWKSURI,
	}
	for name, value := range endpoints {
		if value == "" && name != "OIDC_ISSUER" {
			continue
		}
		if err := security.ValidateEndpoint(value, idpCfg); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// NewServer は設定と永続化層から全依存関係をワイヤリングし、HTTPハンドラーを構築する。
// IdPのエンドポイントが不足している場合はディスカバリを行う。
func NewServer(ctx context.Context, cfg *config.Config, backend Backend, reg *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	// 1. IdPクライアント
	if err := validateIdPEndpoints(cfg); err != nil {
		return nil, fmt.Errorf("invalid identity provider endpoint: %w", err)
	}
	provider, err := oidc.NewClient(ctx, oidc.Config{
		Issuer:                cfg.OIDC.Issuer,
		ClientID:              cfg.OIDC.ClientID,
		ClientSecret:          cfg.OIDC.ClientSecret,
		RedirectURL:           cfg.RedirectURL(),
		Scopes:                cfg.OIDC.Scopes,
		Prompt:                cfg.OIDC.Prompt,
		AuthorizationEndpoint: cfg.OIDC.AuthorizationEndpoint,
		TokenEndpoint:         cfg.OIDC.TokenEndpoint,
		UserInfoEndpoint:      cfg.OIDC.UserInfoEndpoint,
		EndSessionEndpoint:    cfg.OIDC.EndSessionEndpoint,
		JWKSURI:               cfg.OIDC.JWKSURI,
		HTTPClient:            security.NewIdPClient(idpClientConfig(cfg)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity provider client: %w", err)
	}

	// 2. ドメインサービス
	extractor, err := claims.NewExtractor(claims.JMESPathEvaluator{}, claims.Paths{
		Username: cfg.Claims.UsernamePath,
		Fullname: cfg.Claims.FullnamePath,
		Email:    cfg.Claims.EmailPath,
		Roles:    cfg.Claims.RolesPath,
		Groups:   cfg.Claims.GroupsPath,
		Allowed:  cfg.Claims.AllowedPath,
	}, security.NewProfileSanitizer())
	if err != nil {
		return nil, fmt.Errorf("invalid claim path: %w", err)
	}

	origin, err := security.NewOrigin(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BASE_URL: %w", err)
	}

	reconciler := identity.NewReconciler(backend, identity.Config{LinkByEmail: cfg.OIDC.LinkByEmail})
	sessions := session.NewManager(backend.Sessions(), backend.Principals(), nil, session.Config{
		CookieName: cfg.Session.CookieName,
		MaxAge:     cfg.Session.MaxAge,
		Secure:     cfg.CookieSecure(),
	})
	collector := metrics.NewCollector(reg)
	authService := auth.NewService(provider, extractor, reconciler, sessions, backend.Accounts(), origin, collector)

	// 3. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      logger,
		Sessions:    sessions,
		Origin:      origin,
		RateLimiter: rateLimiter,
		Metrics:     collector,
		Gatherer:    reg,
		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CodeVerifierCookie: cfg.OIDC.CodeVerifierCookie,
			StateCookie:        cfg.OIDC.StateCookie,
			NonceCookie:        cfg.OIDC.NonceCookie,
			CookieSecure:       cfg.CookieSecure(),
		},
		GroupRoles: reconciler,
		DB:         backend,
		TrustProxy: cfg.TrustProxy,
		HSTS:       cfg.CookieSecure(),
	})

	slog.Info("identity provider configured",
		slog.String("issuer", provider.Issuer()),
		slog.Bool("userinfo", provider.HasUserInfo()),
		slog.Bool("end_session", provider.Endpoints().EndSession != ""),
	)

	return &Server{Handler: router, rateLimiter: rateLimiter}, nil
}
