// Package auth はOIDCのログインフロー、ログアウト、バックチャネルログアウトを提供する。
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/idgate/internal/claims"
	"github.com/hitoshi/idgate/internal/identity"
	"github.com/hitoshi/idgate/internal/metrics"
	"github.com/hitoshi/idgate/internal/model"
	"github.com/hitoshi/idgate/internal/oidc"
	"github.com/hitoshi/idgate/internal/repository"
	"github.com/hitoshi/idgate/internal/security"
	"github.com/hitoshi/idgate/internal/session"
)

// Provider はサービスが利用するIdPとの通信。oidc.Clientが実装する。
type Provider interface {
	Issuer() string
	HasUserInfo() bool
	AuthCodeURL(state, nonce, codeVerifier string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*oidc.Tokens, error)
	VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (*oidc.IDToken, error)
	UserInfo(ctx context.Context, token *oauth2.Token) (map[string]any, error)
	EndSessionURL(idTokenHint, postLogoutRedirectURI string) string
	VerifyLogoutToken(ctx context.Context, rawToken string) (*oidc.LogoutClaims, error)
}

// statePayload はstateに埋め込むログイン後の遷移先。
type statePayload struct {
	Redirect string `json:"redirect"`
}

// LoginRequest はログイン開始時に生成されるフロー情報。
// State、Nonce、CodeVerifierはコールバックまでクッキーで保持する。
type LoginRequest struct {
	AuthURL      string
	State        string
	Nonce        string
	CodeVerifier string
}

// CallbackParams はコールバックで受け取った値と、ログイン開始時に保存した値。
type CallbackParams struct {
	Code   string
	State  string
	Issuer string // issパラメータ（RFC 9207）。省略可
	Error  string // IdPが返したerrorパラメータ

	ExpectedState string
	Nonce         string
	CodeVerifier  string
}

// LoginResult はログイン完了時に発行されたセッションと遷移先。
type LoginResult struct {
	Session   *model.Session
	Principal *model.Principal
	UserID    string
	Redirect  string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	provider   Provider
	extractor  *claims.Extractor
	reconciler *identity.Reconciler
	sessions   *session.Manager
	accounts   repository.AccountRepository
	origin     *security.Origin
	metrics    metrics.MetricsCollector
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	provider Provider,
	extractor *claims.Extractor,
	reconciler *identity.Reconciler,
	sessions *session.Manager,
	accounts repository.AccountRepository,
	origin *security.Origin,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		provider:   provider,
		extractor:  extractor,
		reconciler: reconciler,
		sessions:   sessions,
		accounts:   accounts,
		origin:     origin,
		metrics:    collector,
	}
}

// BeginLogin はログイン後の遷移先を検証し、PKCE・state・nonceを生成して認可URLを組み立てる。
// 遷移先が同一オリジンでない場合はErrValidationを返す。
func (s *Service) BeginLogin(redirect string) (*LoginRequest, error) {
	target, ok := s.origin.ResolveRedirect(redirect)
	if !ok {
		return nil, fmt.Errorf("%w: redirect must be same-origin", model.ErrValidation)
	}

	state, err := oidc.EncodeState(statePayload{Redirect: target})
	if err != nil {
		return nil, err
	}
	nonce, err := oidc.NewNonce()
	if err != nil {
		return nil, err
	}
	verifier := oidc.NewCodeVerifier()

	return &LoginRequest{
		AuthURL:      s.provider.AuthCodeURL(state, nonce, verifier),
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
	}, nil
}

// CompleteLogin はコールバックを処理し、ユーザーを同期してセッションを発行する。
//
// フロー情報の欠落はErrValidation、IdPのエラー・state不一致・iss不一致・
// コード交換やIDトークンの検証失敗はErrProtocolViolation、IDトークンのissuer不一致は
// ErrIssuerMismatch、許可条件を満たさない場合はErrPolicyDenied、同期の失敗は
// ErrPersistenceを返す。
func (s *Service) CompleteLogin(ctx context.Context, p CallbackParams) (*LoginResult, error) {
	res, err := s.completeLogin(ctx, p)
	s.metrics.RecordLogin(loginOutcome(err))
	return res, err
}

func (s *Service) completeLogin(ctx context.Context, p CallbackParams) (*LoginResult, error) {
	if p.ExpectedState == "" || p.Nonce == "" || p.CodeVerifier == "" {
		return nil, fmt.Errorf("%w: login flow cookies are missing", model.ErrValidation)
	}
	if p.Error != "" {
		return nil, fmt.Errorf("%w: identity provider returned error %q", model.ErrProtocolViolation, p.Error)
	}
	if p.State == "" || subtle.ConstantTimeCompare([]byte(p.State), []byte(p.ExpectedState)) != 1 {
		return nil, fmt.Errorf("%w: state mismatch", model.ErrProtocolViolation)
	}
	if p.Issuer != "" && p.Issuer != s.provider.Issuer() {
		return nil, fmt.Errorf("%w: iss parameter %q does not match", model.ErrProtocolViolation, p.Issuer)
	}
	if p.Code == "" {
		return nil, fmt.Errorf("%w: authorization code is missing", model.ErrProtocolViolation)
	}

	tokens, err := s.provider.Exchange(ctx, p.Code, p.CodeVerifier)
	if err != nil {
		return nil, err
	}
	idToken, err := s.provider.VerifyIDToken(ctx, tokens.RawIDToken, p.Nonce)
	if err != nil {
		return nil, err
	}

	var userinfo claims.UserInfoSource
	if s.provider.HasUserInfo() {
		userinfo = userInfoFunc(func(ctx context.Context) (map[string]any, error) {
			return s.provider.UserInfo(ctx, tokens.OAuth2)
		})
	}
	profile, err := s.extractor.Extract(ctx, idToken.Claims, userinfo)
	if err != nil {
		return nil, fmt.Errorf("extract profile: %w", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: identity is not allowed or profile is incomplete", model.ErrPolicyDenied)
	}

	started := time.Now()
	reconciled, err := s.reconciler.Reconcile(ctx, idToken.Issuer, idToken.Subject, profile)
	s.metrics.RecordReconcileLatency(time.Since(started))
	if err != nil {
		return nil, err
	}

	authed, err := s.sessions.CreateSession(ctx, reconciled.UserID, idToken.SID, tokens.RawIDToken)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "user logged in",
		slog.String("user_id", reconciled.UserID),
		slog.Bool("created", reconciled.Created),
		slog.Bool("linked", reconciled.Linked),
		slog.Int("permissions", len(authed.Principal.Permissions)),
	)
	return &LoginResult{
		Session:   &authed.Session,
		Principal: &authed.Principal,
		UserID:    reconciled.UserID,
		Redirect:  s.redirectFromState(p.State),
	}, nil
}

// redirectFromState はstateに埋め込んだ遷移先を取り出し、同一オリジンであることを再検証する。
func (s *Service) redirectFromState(state string) string {
	var payload statePayload
	if oidc.DecodeState(state, &payload) {
		if target, ok := s.origin.ResolveRedirect(payload.Redirect); ok {
			return target
		}
	}
	return s.origin.RootURL()
}

// Logout はセッションを失効させ、IdPのend-sessionエンドポイント（無ければルートURL）を返す。
// 有効なセッションが無い場合はErrUnauthenticatedを返す。
func (s *Service) Logout(ctx context.Context, token string) (string, error) {
	sess, _, err := s.sessions.ValidateSession(ctx, token)
	if err != nil {
		return "", err
	}
	if err := s.sessions.InvalidateSession(ctx, token); err != nil {
		return "", err
	}
	s.metrics.RecordLogout(metrics.LogoutRP, 1)
	slog.InfoContext(ctx, "user logged out", slog.String("user_id", sess.UserID))

	root := s.origin.RootURL()
	if u := s.provider.EndSessionURL(sess.IDToken, root); u != "" {
		return u, nil
	}
	return root, nil
}

// BackchannelLogout はログアウトトークンを検証し、対応するセッションを削除して件数を返す。
// sidがあればそのIdPセッションのみ、無ければ(iss, sub)のユーザーの全セッションを削除する。
// 一致するセッションが無くてもエラーにしない。
func (s *Service) BackchannelLogout(ctx context.Context, rawToken string) (int64, error) {
	lc, err := s.provider.VerifyLogoutToken(ctx, rawToken)
	if err != nil {
		return 0, err
	}

	var n int64
	if lc.SID != "" {
		n, err = s.sessions.InvalidateBySID(ctx, lc.SID)
	} else {
		n, err = s.invalidateSubject(ctx, lc.Issuer, lc.Subject)
	}
	if err != nil {
		return 0, err
	}

	s.metrics.RecordLogout(metrics.LogoutBackchannel, n)
	slog.InfoContext(ctx, "back-channel logout processed",
		slog.Bool("by_sid", lc.SID != ""),
		slog.Int64("sessions", n),
	)
	return n, nil
}

func (s *Service) invalidateSubject(ctx context.Context, issuer, subject string) (int64, error) {
	account, err := s.accounts.FindByIssuerAndSubject(ctx, issuer, subject)
	if err != nil {
		return 0, fmt.Errorf("find account: %w: %w", model.ErrPersistence, err)
	}
	if account == nil {
		return 0, nil
	}
	return s.sessions.InvalidateAllSessions(ctx, account.UserID)
}

// userInfoFunc は関数をclaims.UserInfoSourceとして扱うアダプター。
type userInfoFunc func(ctx context.Context) (map[string]any, error)

func (f userInfoFunc) UserInfo(ctx context.Context) (map[string]any, error) {
	return f(ctx)
}

func loginOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.LoginSuccess
	case errors.Is(err, model.ErrPolicyDenied), errors.Is(err, model.ErrIssuerMismatch):
		return metrics.LoginDenied
	case errors.Is(err, model.ErrProtocolViolation), errors.Is(err, model.ErrValidation):
		return metrics.LoginRejected
	default:
		return metrics.LoginError
	}
}
