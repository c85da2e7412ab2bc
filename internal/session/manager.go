// Package session はサーバーサイドセッションの発行・検証・失効とセッションクッキーを扱う。
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/idgate/internal/model"
	"github.com/hitoshi/idgate/internal/repository"
)

// tokenBytes はセッショントークンの乱数バイト数。
const tokenBytes = 32

// Config はセッションマネージャーの設定。
type Config struct {
	CookieName string
	MaxAge     time.Duration
	Secure     bool // trueの場合クッキーにSecureとPartitionedを付ける
}

// Manager はセッションのライフサイクルを管理する。
// セッションは平文トークンではなくそのSHA-256ハッシュで永続化する。
type Manager struct {
	sessions   repository.SessionRepository
	principals repository.PrincipalRepository
	clock      clockwork.Clock
	config     Config
}

// NewManager はManagerを生成する。clockがnilの場合は実時計を使う。
func NewManager(
	sessions repository.SessionRepository,
	principals repository.PrincipalRepository,
	clock clockwork.Clock,
	config Config,
) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		sessions:   sessions,
		principals: principals,
		clock:      clock,
		config:     config,
	}
}

// CreateSession は新しいセッションを発行し、所有ユーザーのロール・グループ・権限と合わせて返す。
// 返り値のSession.Tokenはクッキーに載せる平文トークンで、これ以降は取得できない。
// ユーザーが存在しない場合は発行したセッションを削除してErrUnauthenticatedを返す。
func (m *Manager) CreateSession(ctx context.Context, userID, sid, idToken string) (*model.AuthenticatedSession, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := m.clock.Now()
	s := &model.Session{
		Token:     token,
		UserID:    userID,
		SID:       sid,
		IDToken:   idToken,
		ExpiresAt: now.Add(m.config.MaxAge),
		CreatedAt: now,
	}
	if err := m.sessions.Create(ctx, s, HashToken(token)); err != nil {
		return nil, fmt.Errorf("save session: %w: %w", model.ErrPersistence, err)
	}

	p, err := m.principals.LoadPrincipal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load principal: %w: %w", model.ErrPersistence, err)
	}
	if p == nil {
		if err := m.sessions.DeleteByID(ctx, s.ID); err != nil {
			slog.Warn("failed to delete orphan session",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, model.ErrUnauthenticated
	}
	return &model.AuthenticatedSession{Session: *s, Principal: *p}, nil
}

// ValidateSession はトークンに対応する有効なセッションを返す。
// 有効期間の後半に入ったセッションは期限を延長し、freshにtrueを返す。
// 失効済みのセッションは削除してErrUnauthenticatedを返す。
func (m *Manager) ValidateSession(ctx context.Context, token string) (*model.Session, bool, error) {
	if token == "" {
		return nil, false, model.ErrUnauthenticated
	}

	s, err := m.sessions.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, false, fmt.Errorf("find session: %w: %w", model.ErrPersistence, err)
	}
	if s == nil {
		return nil, false, model.ErrUnauthenticated
	}
	s.Token = token

	now := m.clock.Now()
	if s.IsExpired(now) {
		if err := m.sessions.DeleteByID(ctx, s.ID); err != nil {
			slog.Warn("failed to delete expired session",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, false, model.ErrUnauthenticated
	}

	if !now.Before(s.ExpiresAt.Add(-m.config.MaxAge / 2)) {
		expiresAt := now.Add(m.config.MaxAge)
		if err := m.sessions.UpdateExpiresAt(ctx, s.ID, expiresAt); err != nil {
			return nil, false, fmt.Errorf("extend session: %w: %w", model.ErrPersistence, err)
		}
		s.ExpiresAt = expiresAt
		return s, true, nil
	}
	return s, false, nil
}

// Authenticate はセッションを検証し、所有ユーザーのPrincipalと合わせて返す。
// ユーザーが削除済みの場合はErrUnauthenticatedを返す。
func (m *Manager) Authenticate(ctx context.Context, token string) (*model.AuthenticatedSession, bool, error) {
	s, fresh, err := m.ValidateSession(ctx, token)
	if err != nil {
		return nil, false, err
	}

	p, err := m.principals.LoadPrincipal(ctx, s.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("load principal: %w: %w", model.ErrPersistence, err)
	}
	if p == nil {
		return nil, false, model.ErrUnauthenticated
	}
	return &model.AuthenticatedSession{Session: *s, Principal: *p}, fresh, nil
}

// InvalidateSession はトークンに対応するセッションを削除する。存在しなくてもエラーにしない。
func (m *Manager) InvalidateSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := m.sessions.DeleteByTokenHash(ctx, HashToken(token)); err != nil {
		return fmt.Errorf("delete session: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

// InvalidateAllSessions はユーザーの全セッションを削除し、削除件数を返す。
func (m *Manager) InvalidateAllSessions(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w: %w", model.ErrPersistence, err)
	}
	return n, nil
}

// InvalidateBySID はIdPセッションIDに紐づく全セッションを削除し、削除件数を返す。
func (m *Manager) InvalidateBySID(ctx context.Context, sid string) (int64, error) {
	if sid == "" {
		return 0, nil
	}
	n, err := m.sessions.DeleteBySID(ctx, sid)
	if err != nil {
		return 0, fmt.Errorf("delete sid sessions: %w: %w", model.ErrPersistence, err)
	}
	return n, nil
}

// CookieName はセッションクッキー名を返す。
func (m *Manager) CookieName() string {
	return m.config.CookieName
}

// SessionCookie はセッションをクライアントに渡すクッキーを生成する。
func (m *Manager) SessionCookie(s *model.Session) *http.Cookie {
	return &http.Cookie{
		Name:        m.config.CookieName,
		Value:       s.Token,
		Path:        "/",
		Expires:     s.ExpiresAt,
		HttpOnly:    true,
		SameSite:    http.SameSiteLaxMode,
		Secure:      m.config.Secure,
		Partitioned: m.config.Secure,
	}
}

// DeleteSessionCookie はセッションクッキーを削除するためのクッキーを生成する。
func (m *Manager) DeleteSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:        m.config.CookieName,
		Value:       "",
		Path:        "/",
		MaxAge:      -1,
		HttpOnly:    true,
		SameSite:    http.SameSiteLaxMode,
		Secure:      m.config.Secure,
		Partitioned: m.config.Secure,
	}
}

// HashToken はセッショントークンの保存用ハッシュ（SHA-256の16進表現）を返す。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// generateToken は暗号的に安全なセッショントークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
