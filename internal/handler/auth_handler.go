// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/idgate/internal/auth"
	"github.com/hitoshi/idgate/internal/middleware"
	"github.com/hitoshi/idgate/internal/model"
)

// flowCookieMaxAge はログインフロー用クッキーの有効期間（秒）。
const flowCookieMaxAge = 600

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(redirect string) (*auth.LoginRequest, error)
	CompleteLogin(ctx context.Context, params auth.CallbackParams) (*auth.LoginResult, error)
	Logout(ctx context.Context, token string) (string, error)
	BackchannelLogout(ctx context.Context, rawToken string) (int64, error)
}

// SessionCookies はセッションクッキーの名前と生成を提供する。session.Managerが実装する。
type SessionCookies interface {
	CookieName() string
	SessionCookie(s *model.Session) *http.Cookie
	DeleteSessionCookie() *http.Cookie
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CodeVerifierCookie string
	StateCookie        string
	NonceCookie        string
	CookieSecure       bool // trueの場合フロー用クッキーにSecureとPartitionedを付ける
}

// AuthHandler はOIDCログイン・ログアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies SessionCookies
	origin  middleware.OriginChecker
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookies SessionCookies, origin middleware.OriginChecker, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookies: cookies,
		origin:  origin,
		config:  config,
	}
}

// Login は認可コードフローを開始する。
// GET /login?redirect=<path>
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.BeginLogin(r.URL.Query().Get("redirect"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	http.SetCookie(w, h.flowCookie(h.config.CodeVerifierCookie, req.CodeVerifier))
	http.SetCookie(w, h.flowCookie(h.config.StateCookie, req.State))
	http.SetCookie(w, h.flowCookie(h.config.NonceCookie, req.Nonce))
	http.Redirect(w, r, req.AuthURL, http.StatusFound)
}

// Callback はIdPからのリダイレクトを処理し、セッションを発行する。
// GET /login/callback?code=...&state=...
// フロー用クッキーは結果にかかわらず削除する。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := auth.CallbackParams{
		Code:          q.Get("code"),
		State:         q.Get("state"),
		Issuer:        q.Get("iss"),
		Error:         q.Get("error"),
		ExpectedState: cookieValue(r, h.config.StateCookie),
		Nonce:         cookieValue(r, h.config.NonceCookie),
		CodeVerifier:  cookieValue(r, h.config.CodeVerifierCookie),
	}

	for _, name := range []string{h.config.CodeVerifierCookie, h.config.StateCookie, h.config.NonceCookie} {
		http.SetCookie(w, h.expiredFlowCookie(name))
	}

	res, err := h.service.CompleteLogin(r.Context(), params)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	http.SetCookie(w, h.cookies.SessionCookie(res.Session))
	http.Redirect(w, r, res.Redirect, http.StatusFound)
}

// Logout はセッションを破棄し、IdPのend-sessionエンドポイントへリダイレクトする。
// GET /logout
// 同一オリジンからのリクエストのみ受け付ける。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.origin.RequestIsSameOrigin(r) {
		middleware.WriteError(w, r, fmt.Errorf("%w: logout must be requested from the same origin", model.ErrValidation))
		return
	}

	target, err := h.service.Logout(r.Context(), cookieValue(r, h.cookies.CookieName()))
	// 失敗時もクッキーは削除する
	http.SetCookie(w, h.cookies.DeleteSessionCookie())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Backchannel はIdPからのバックチャネルログアウト通知を処理する。
// POST /logout/backchannel (application/x-www-form-urlencoded, logout_token)
func (h *AuthHandler) Backchannel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if err := r.ParseForm(); err != nil {
		middleware.WriteError(w, r, fmt.Errorf("%w: %w", model.ErrValidation, err))
		return
	}
	if _, err := h.service.BackchannelLogout(r.Context(), r.PostForm.Get("logout_token")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) flowCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:        name,
		Value:       value,
		Path:        "/",
		MaxAge:      flowCookieMaxAge,
		HttpOnly:    true,
		SameSite:    http.SameSiteLaxMode,
		Secure:      h.config.CookieSecure,
		Partitioned: h.config.CookieSecure,
	}
}

func (h *AuthHandler) expiredFlowCookie(name string) *http.Cookie {
	c := h.flowCookie(name, "")
	c.MaxAge = -1
	return c
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// compile-time interface check
var _ AuthServiceInterface = (*auth.Service)(nil)
