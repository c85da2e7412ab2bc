// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/idgate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストに認証済みセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// SessionAuthenticator はセッションクッキーの検証と発行に必要なインターフェース。
// session.Managerが実装する。
type SessionAuthenticator interface {
	CookieName() string
	Authenticate(ctx context.Context, token string) (*model.AuthenticatedSession, bool, error)
	SessionCookie(s *model.Session) *http.Cookie
	DeleteSessionCookie() *http.Cookie
}

// OriginChecker はリクエストが同一オリジンから送られたかを判定する。
// security.Originが実装する。
type OriginChecker interface {
	RequestIsSameOrigin(r *http.Request) bool
}

// NewSessionMiddleware はセッションクッキーを検証し、認証済みセッションをコンテキストに注入する
// ミドルウェアを返す。未認証のリクエストもそのまま次に渡す（拒否はRequireSessionで行う）。
//
// 有効期限を延長した場合はクッキーを再発行し、無効なクッキーは削除する。
// GET・HEAD以外のリクエストではOrigin/Refererが同一オリジンの場合のみセッションを注入する。
func NewSessionMiddleware(auth SessionAuthenticator, origin OriginChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.CookieName())
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !isSafeMethod(r.Method) && !origin.RequestIsSameOrigin(r) {
				slog.Warn("session ignored for cross-origin request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				next.ServeHTTP(w, r)
				return
			}

			as, fresh, err := auth.Authenticate(r.Context(), cookie.Value)
			switch {
			case errors.Is(err, model.ErrUnauthenticated):
				http.SetCookie(w, auth.DeleteSessionCookie())
				next.ServeHTTP(w, r)
				return
			case err != nil:
				slog.Error("failed to authenticate session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			if fresh {
				http.SetCookie(w, auth.SessionCookie(&as.Session))
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), as)))
		})
	}
}

// RequireSession は認証済みセッションが無いリクエストに401を返すミドルウェア。
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission は指定した権限を持たないユーザーに403を返すミドルウェアを生成する。
// 未認証の場合は401を返す。
func RequirePermission(permission string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			as, ok := SessionFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}
			if !as.Principal.HasPermission(permission) {
				slog.Warn("permission denied",
					slog.String("user_id", as.Principal.User.ID),
					slog.String("permission", permission),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError(permission))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionFromContext はリクエストコンテキストから認証済みセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.AuthenticatedSession, bool) {
	as, ok := ctx.Value(sessionContextKey).(*model.AuthenticatedSession)
	return as, ok && as != nil
}

// ContextWithSession はコンテキストに認証済みセッションを注入する。
func ContextWithSession(ctx context.Context, as *model.AuthenticatedSession) context.Context {
	return context.WithValue(ctx, sessionContextKey, as)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過した認証済みリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	as, ok := SessionFromContext(ctx)
	if !ok || as.Principal.User.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return as.Principal.User.ID, nil
}

// isSafeMethod はHTTPメソッドが読み取り専用かどうかを判定する。
func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
