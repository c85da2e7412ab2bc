package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// 既定のクレームパス。構造体タグにバッククォートを書けないため、
// envDefaultではなく読み込み前の初期値として与える。
const (
	DefaultRolesPath   = "type(roles) == 'array' && (contains(roles, 'admin') && 'admin' || 'user')"
	DefaultGroupsPath  = "type(groups) == 'array' && (groups || `[]`)"
	DefaultAllowedPath = "email_verified == `true`"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,notEmpty"`

	// Server
	BaseURL    string `env:"BASE_URL,notEmpty"`
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	DevMode    bool   `env:"DEV_MODE" envDefault:"false"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	TrustProxy bool   `env:"TRUST_PROXY" envDefault:"false"` // X-Forwarded-ForからクライアントIPを復元する

	OIDC    OIDCConfig
	Claims  ClaimsConfig
	Session SessionConfig

	// Rate Limit（クライアントIPごと、1分あたり）
	RateLimitAuth int `env:"RATE_LIMIT_AUTH" envDefault:"30"`
}

// OIDCConfig はIdPとの接続設定。
// 認可・トークン・JWKSのエンドポイントが未設定の場合はissuerのディスカバリで補う。
type OIDCConfig struct {
	Issuer                string        `env:"OIDC_ISSUER,notEmpty"`
	ClientID              string        `env:"OIDC_CLIENT_ID,notEmpty"`
	ClientSecret          string        `env:"OIDC_CLIENT_SECRET,notEmpty"`
	AuthorizationEndpoint string        `env:"OIDC_AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string        `env:"OIDC_TOKEN_ENDPOINT"`
	UserInfoEndpoint      string        `env:"OIDC_USERINFO_ENDPOINT"`
	EndSessionEndpoint    string        `env:"OIDC_END_SESSION_ENDPOINT"`
	JWKSURI               string        `env:"OIDC_JWKS_URI"`
	Scopes                []string      `env:"OIDC_SCOPES" envDefault:"openid profile email" envSeparator:" "`
	Prompt                string        `env:"OIDC_PROMPT" envDefault:"select_account"`
	EnforceHTTPS          bool          `env:"OIDC_ENFORCE_HTTPS" envDefault:"true"`
	AllowPrivateNetwork   bool          `env:"OIDC_ALLOW_PRIVATE_NETWORK" envDefault:"false"`
	HTTPTimeout           time.Duration `env:"OIDC_HTTP_TIMEOUT" envDefault:"10s"`
	LinkByEmail           bool          `env:"OIDC_LINK_BY_EMAIL" envDefault:"true"`

	CodeVerifierCookie string `env:"OIDC_CODE_VERIFIER_COOKIE" envDefault:"oidc_code_verifier"`
	StateCookie        string `env:"OIDC_STATE_COOKIE" envDefault:"oidc_state"`
	NonceCookie        string `env:"OIDC_NONCE_COOKIE" envDefault:"oidc_nonce"`
}

// ClaimsConfig はクレームからプロフィールを抽出するJMESPath式。
type ClaimsConfig struct {
	UsernamePath string `env:"OIDC_USERNAME_PATH" envDefault:"preferred_username || email"`
	FullnamePath string `env:"OIDC_FULLNAME_PATH" envDefault:"name || preferred_username"`
	EmailPath    string `env:"OIDC_EMAIL_PATH" envDefault:"email"`
	RolesPath    string `env:"OIDC_ROLES_PATH"`
	GroupsPath   string `env:"OIDC_GROUPS_PATH"`
	AllowedPath  string `env:"OIDC_ALLOWED_PATH"`
}

// SessionConfig はセッションクッキーと失効セッション掃除の設定。
type SessionConfig struct {
	CookieName   string        `env:"SESSION_COOKIE_NAME" envDefault:"session"`
	MaxAge       time.Duration `env:"SESSION_MAX_AGE" envDefault:"720h"`
	ReapInterval time.Duration `env:"SESSION_REAP_INTERVAL" envDefault:"10m"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{
		Claims: ClaimsConfig{
			RolesPath:   DefaultRolesPath,
			GroupsPath:  DefaultGroupsPath,
			AllowedPath: DefaultAllowedPath,
		},
	}

	if err := env.Parse(cfg); err != nil {
		if missing := missingVars(err); len(missing) > 0 {
			return nil, fmt.Errorf("required environment variables are not set: %v", missing)
		}
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// CookieSecure はクッキーにSecure/Partitioned属性を付けるかを返す。
func (c *Config) CookieSecure() bool {
	return !c.DevMode
}

// RedirectURL はIdPに登録するコールバックURLを返す。
func (c *Config) RedirectURL() string {
	return c.BaseURL + "/login/callback"
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASE_URL must be an absolute URL: %q", c.BaseURL)
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive: %v", c.Session.MaxAge)
	}
	if c.Session.ReapInterval <= 0 {
		return fmt.Errorf("SESSION_REAP_INTERVAL must be positive: %v", c.Session.ReapInterval)
	}
	if c.RateLimitAuth <= 0 {
		return fmt.Errorf("RATE_LIMIT_AUTH must be positive: %d", c.RateLimitAuth)
	}
	return nil
}

// missingVars はenvの集約エラーから未設定・空の必須変数名を取り出す。
func missingVars(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil
	}
	var missing []string
	for _, e := range agg.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			missing = append(missing, notSet.Key)
		case errors.As(e, &empty):
			missing = append(missing, empty.Key)
		}
	}
	return missing
}
