// Package oidctest はテスト用のOpenID Connectプロバイダーを提供する。
// ディスカバリ、トークン、UserInfo、JWKSの各エンドポイントをhttptestで公開し、
// golang-jwtで署名したトークンを発行する。
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultSubject はIDトークンの既定のsub。
	DefaultSubject = "subject-1"
	// DefaultSID はIDトークンの既定のsid。
	DefaultSID = "sid-1"

	keyID = "test-key"
)

// Options はプロバイダーの公開エンドポイントを制御する。
type Options struct {
	NoUserInfo   bool
	NoEndSession bool
}

// Provider はテスト用IdP。
type Provider struct {
	Server       *httptest.Server
	ClientID     string
	ClientSecret string

	key  *rsa.PrivateKey
	opts Options

	mu             sync.Mutex
	now            func() time.Time
	grants         map[string]grant
	accessTokens   map[string]string
	idTokenClaims  map[string]any
	userInfoClaims map[string]any
	tokenStatus    int
	omitIDToken    bool
	tokenRequests  int
}

type grant struct {
	challenge   string
	nonce       string
	redirectURI string
}

// New はテスト用IdPを起動する。テスト終了時に停止する。
func New(t testing.TB, opts Options) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	p := &Provider{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		key:          key,
		opts:         opts,
		now:          time.Now,
		grants:       map[string]grant{},
		accessTokens: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)
	mux.HandleFunc("GET /jwks", p.handleJWKS)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer はプロバイダーのissuer（サーバーURL）を返す。
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// SetNow はトークンのiat/expの基準時刻を差し替える。
func (p *Provider) SetNow(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetIDTokenClaims は発行するIDトークンのクレームを上書きする。nilの値はクレームを削除する。
func (p *Provider) SetIDTokenClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idTokenClaims = claims
}

// SetUserInfoClaims はUserInfoが返すクレームを設定する。subは既定でDefaultSubject。
func (p *Provider) SetUserInfoClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoClaims = claims
}

// FailToken はトークンエンドポイントが指定ステータスで失敗するようにする。
func (p *Provider) FailToken(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// OmitIDToken はトークン応答からid_tokenを省く。
func (p *Provider) OmitIDToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// TokenRequests はトークンエンドポイントへのリクエスト数を返す。
func (p *Provider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// Authorize は認可エンドポイントへのリダイレクトURLを受け取り、
// ユーザーが同意したものとして認可コードとstateを返す。
func (p *Provider) Authorize(t testing.TB, authURL string) (code, state string) {
	t.Helper()

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != p.ClientID {
		t.Fatalf("unexpected authorization request: %s", authURL)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("authorization request lacks S256 PKCE: %s", authURL)
	}

	code = uuid.NewString()
	p.mu.Lock()
	p.grants[code] = grant{
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		redirectURI: q.Get("redirect_uri"),
	}
	p.mu.Unlock()
	return code, q.Get("state")
}

// Sign はクレームをプロバイダーの鍵でRS256署名する。
func (p *Provider) Sign(claims jwt.MapClaims) string {
	return sign(p.key, keyID, claims)
}

// SignWithForeignKey はJWKSに公開されていない鍵で署名する。
func (p *Provider) SignWithForeignKey(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return sign(other, keyID, claims)
}

// LogoutClaims は妥当なバックチャネルログアウトトークンのクレームにoverridesを適用して返す。
func (p *Provider) LogoutClaims(overrides map[string]any) jwt.MapClaims {
	p.mu.Lock()
	now := p.now()
	p.mu.Unlock()

	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": uuid.NewString(),
		"sub": DefaultSubject,
		"sid": DefaultSID,
		"events": map[string]any{
			"http://schemas.openid.net/event/backchannel-logout": map[string]any{},
		},
	}
	apply(claims, overrides)
	return claims
}

// LogoutToken は署名済みのバックチャネルログアウトトークンを返す。
func (p *Provider) LogoutToken(overrides map[string]any) string {
	return p.Sign(p.LogoutClaims(overrides))
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"jwks_uri":                              p.Issuer() + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if !p.opts.NoUserInfo {
		doc["userinfo_endpoint"] = p.Issuer() + "/userinfo"
	}
	if !p.opts.NoEndSession {
		doc["end_session_endpoint"] = p.Issuer() + "/logout"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests++

	if p.tokenStatus != 0 {
		writeJSON(w, p.tokenStatus, map[string]string{"error": "server_error"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	} else {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	}
	if id != p.ClientID || secret != p.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	code := r.PostForm.Get("code")
	g, ok := p.grants[code]
	if !ok || r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	delete(p.grants, code)

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
		return
	}
	if r.PostForm.Get("redirect_uri") != g.redirectURI {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "redirect_uri"})
		return
	}

	now := p.now()
	claims := jwt.MapClaims{
		"iss":                p.Issuer(),
		"sub":                DefaultSubject,
		"aud":                p.ClientID,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"nonce":              g.nonce,
		"sid":                DefaultSID,
		"preferred_username": "alice",
		"name":               "Alice Example",
		"email":              "alice@example.com",
		"email_verified":     true,
		"roles":              []string{"admin"},
		"groups":             []string{"ops"},
	}
	apply(claims, p.idTokenClaims)

	accessToken := uuid.NewString()
	sub, _ := claims["sub"].(string)
	p.accessTokens[accessToken] = sub

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !p.omitIDToken {
		resp["id_token"] = sign(p.key, keyID, claims)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.NoUserInfo {
		http.NotFound(w, r)
		return
	}
	sub, ok := p.accessTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	claims := map[string]any{"sub": sub}
	apply(claims, p.userInfoClaims)
	writeJSON(w, http.StatusOK, claims)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func sign(key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		panic(fmt.Sprintf("sign token: %v", err))
	}
	return signed
}

// apply はoverridesをclaimsに適用する。nilの値はキーを削除する。
func apply(claims map[string]any, overrides map[string]any) {
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
