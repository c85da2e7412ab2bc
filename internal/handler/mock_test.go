package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/hitoshi/idgate/internal/auth"
	"github.com/hitoshi/idgate/internal/identity"
	"github.com/hitoshi/idgate/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	beginLoginFn        func(redirect string) (*auth.LoginRequest, error)
	completeLoginFn     func(ctx context.Context, params auth.CallbackParams) (*auth.LoginResult, error)
	logoutFn            func(ctx context.Context, token string) (string, error)
	backchannelLogoutFn func(ctx context.Context, rawToken string) (int64, error)
}

func (m *mockAuthService) BeginLogin(redirect string) (*auth.LoginRequest, error) {
	return m.beginLoginFn(redirect)
}

func (m *mockAuthService) CompleteLogin(ctx context.Context, params auth.CallbackParams) (*auth.LoginResult, error) {
	return m.completeLoginFn(ctx, params)
}

func (m *mockAuthService) Logout(ctx context.Context, token string) (string, error) {
	return m.logoutFn(ctx, token)
}

func (m *mockAuthService) BackchannelLogout(ctx context.Context, rawToken string) (int64, error) {
	return m.backchannelLogoutFn(ctx, rawToken)
}

type mockSessions struct {
	authenticateFn func(ctx context.Context, token string) (*model.AuthenticatedSession, bool, error)
}

func (m *mockSessions) CookieName() string { return "idgate_session" }

func (m *mockSessions) Authenticate(ctx context.Context, token string) (*model.AuthenticatedSession, bool, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, token)
	}
	return nil, false, model.ErrUnauthenticated
}

func (m *mockSessions) SessionCookie(s *model.Session) *http.Cookie {
	return &http.Cookie{Name: "idgate_session", Value: s.Token, Path: "/", Expires: s.ExpiresAt, HttpOnly: true}
}

func (m *mockSessions) DeleteSessionCookie() *http.Cookie {
	return &http.Cookie{Name: "idgate_session", Path: "/", MaxAge: -1}
}

type mockOrigin struct {
	sameOrigin bool
}

func (m mockOrigin) RequestIsSameOrigin(r *http.Request) bool { return m.sameOrigin }

type mockGroupRoles struct {
	setGroupRolesFn func(ctx context.Context, groupID string, roleNames []string) (identity.Diff, error)
}

func (m *mockGroupRoles) SetGroupRoles(ctx context.Context, groupID string, roleNames []string) (identity.Diff, error) {
	return m.setGroupRolesFn(ctx, groupID, roleNames)
}

type mockPinger struct {
	err error
}

func (m mockPinger) PingContext(ctx context.Context) error { return m.err }

var testAuthConfig = AuthHandlerConfig{
	CodeVerifierCookie: "idgate_verifier",
	StateCookie:        "idgate_state",
	NonceCookie:        "idgate_nonce",
	CookieSecure:       true,
}

func authenticatedSession(permissions ...string) *model.AuthenticatedSession {
	return &model.AuthenticatedSession{
		Session: model.Session{ID: "s-1", Token: "tok", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)},
		Principal: model.Principal{
			User:        model.User{ID: "user-1", Username: "alice", Fullname: "Alice Example", Email: "alice@example.com"},
			Roles:       []string{"admin"},
			Groups:      []string{"ops"},
			Permissions: permissions,
		},
	}
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
