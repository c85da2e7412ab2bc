// Package oidc はOpenID Connectプロバイダーとの通信（認可URL生成、コード交換、
// IDトークン検証、UserInfo取得、バックチャネルログアウトトークン検証）を提供する。
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/hitoshi/idgate/internal/model"
)

// Config はOIDCクライアントの設定。
// AuthorizationEndpoint、TokenEndpoint、JWKSURIのいずれかが空の場合はディスカバリで補う。
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Prompt       string

	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string

	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Endpoints は解決済みのIdPエンドポイント。
type Endpoints struct {
	Authorization string
	Token         string
	UserInfo      string
	EndSession    string
	JWKS          string
}

// Client はIdPとの通信を担う。
type Client struct {
	issuer     string
	clientID   string
	endpoints  Endpoints
	oauth2     oauth2.Config
	prompt     string
	provider   *gooidc.Provider
	verifier   *gooidc.IDTokenVerifier
	keySet     gooidc.KeySet
	httpClient *http.Client
	clock      clockwork.Clock
}

// NewClient はOIDCクライアントを生成する。
// 必要なエンドポイントが設定されていない場合は、issuerの/.well-known/openid-configurationを取得する。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("issuer and client id are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	ep := Endpoints{
		Authorization: cfg.AuthorizationEndpoint,
		Token:         cfg.TokenEndpoint,
		UserInfo:      cfg.UserInfoEndpoint,
		EndSession:    cfg.EndSessionEndpoint,
		JWKS:          cfg.JWKSURI,
	}

	clientCtx := gooidc.ClientContext(ctx, cfg.HTTPClient)
	var algorithms []string
	if ep.Authorization == "" || ep.Token == "" || ep.JWKS == "" {
		discovered, err := gooidc.NewProvider(clientCtx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", cfg.Issuer, err)
		}
		// go-oidcのProviderが公開しない項目
		var doc struct {
			EndSession string   `json:"end_session_endpoint"`
			JWKS       string   `json:"jwks_uri"`
			Algorithms []string `json:"id_token_signing_alg_values_supported"`
		}
		if err := discovered.Claims(&doc); err != nil {
			return nil, fmt.Errorf("decode discovery document: %w", err)
		}
		endpoint := discovered.Endpoint()
		ep.Authorization = firstNonEmpty(ep.Authorization, endpoint.AuthURL)
		ep.Token = firstNonEmpty(ep.Token, endpoint.TokenURL)
		ep.UserInfo = firstNonEmpty(ep.UserInfo, discovered.UserInfoEndpoint())
		ep.EndSession = firstNonEmpty(ep.EndSession, doc.EndSession)
		ep.JWKS = firstNonEmpty(ep.JWKS, doc.JWKS)
		algorithms = doc.Algorithms
	}
	if ep.Authorization == "" || ep.Token == "" || ep.JWKS == "" {
		return nil, fmt.Errorf("provider %s does not advertise authorization, token and jwks endpoints", cfg.Issuer)
	}

	provider := (&gooidc.ProviderConfig{
		IssuerURL:   cfg.Issuer,
		AuthURL:     ep.Authorization,
		TokenURL:    ep.Token,
		UserInfoURL: ep.UserInfo,
		JWKSURL:     ep.JWKS,
		Algorithms:  algorithms,
	}).NewProvider(clientCtx)

	c := &Client{
		issuer:    cfg.Issuer,
		clientID:  cfg.ClientID,
		endpoints: ep,
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		prompt:   cfg.Prompt,
		provider: provider,
		// issuerは呼び出し側で比較し、不一致を他の検証失敗と区別する
		verifier: provider.VerifierContext(clientCtx, &gooidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: true,
			Now:             cfg.Clock.Now,
		}),
		keySet:     gooidc.NewRemoteKeySet(clientCtx, ep.JWKS),
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
	}
	return c, nil
}

// Issuer は設定されたissuerを返す。
func (c *Client) Issuer() string {
	return c.issuer
}

// Endpoints は解決済みのエンドポイントを返す。
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// HasUserInfo はUserInfoエンドポイントが利用可能かを返す。
func (c *Client) HasUserInfo() bool {
	return c.endpoints.UserInfo != ""
}

// NewCodeVerifier はPKCEのcode_verifierを生成する。
func NewCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL は認可エンドポイントへのリダイレクトURLを生成する。
// code_challenge_method=S256、nonce、promptを含む。
func (c *Client) AuthCodeURL(state, nonce, codeVerifier string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(codeVerifier),
		gooidc.Nonce(nonce),
	}
	if c.prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", c.prompt))
	}
	return c.oauth2.AuthCodeURL(state, opts...)
}

// Tokens はコード交換の結果。
type Tokens struct {
	OAuth2     *oauth2.Token
	RawIDToken string
}

// Exchange は認可コードとcode_verifierをトークンに交換する。
// 交換失敗やid_tokenの欠落はErrProtocolViolationとして返す。
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	ctx = gooidc.ClientContext(ctx, c.httpClient)
	tok, err := c.oauth2.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %w", model.ErrProtocolViolation, err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", model.ErrProtocolViolation)
	}
	return &Tokens{OAuth2: tok, RawIDToken: raw}, nil
}

// IDToken は検証済みIDトークンの内容。
type IDToken struct {
	Issuer  string
	Subject string
	SID     string
	Claims  map[string]any
}

// VerifyIDToken はIDトークンの署名・audience・有効期限を検証し、issuerとnonceを照合する。
// issuerが設定値と異なる場合はErrIssuerMismatch、その他の検証失敗はErrProtocolViolationを返す。
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken, nonce string) (*IDToken, error) {
	tok, err := c.verifier.Verify(gooidc.ClientContext(ctx, c.httpClient), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verify id token: %w", model.ErrProtocolViolation, err)
	}
	if tok.Issuer != c.issuer {
		return nil, fmt.Errorf("%w: got %q", model.ErrIssuerMismatch, tok.Issuer)
	}
	if nonce == "" || tok.Nonce != nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", model.ErrProtocolViolation)
	}

	claims := map[string]any{}
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode id token claims: %w", model.ErrProtocolViolation, err)
	}
	sid, _ := claims["sid"].(string)
	return &IDToken{Issuer: tok.Issuer, Subject: tok.Subject, SID: sid, Claims: claims}, nil
}

// UserInfo はアクセストークンでUserInfoエンドポイントからクレームを取得する。
func (c *Client) UserInfo(ctx context.Context, token *oauth2.Token) (map[string]any, error) {
	ctx = gooidc.ClientContext(ctx, c.httpClient)
	info, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return claims, nil
}

// EndSessionURL はRP起点ログアウトのリダイレクト先を返す。
// end_session_endpointが無い場合は空文字列を返す。
func (c *Client) EndSessionURL(idTokenHint, postLogoutRedirectURI string) string {
	if c.endpoints.EndSession == "" {
		return ""
	}
	u, err := url.Parse(c.endpoints.EndSession)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("client_id", c.clientID)
	q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// now は現在時刻を返す。
func (c *Client) now() time.Time {
	return c.clock.Now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
