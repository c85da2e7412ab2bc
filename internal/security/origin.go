package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Origin はアプリケーションのルートURLと、それに対する同一オリジン判定を提供する。
// ホストはIDNA(Punycode)正規化し、大文字小文字と既定ポートの違いを無視して比較する。
type Origin struct {
	root   *url.URL
	scheme string
	host   string
}

// NewOrigin はルートURL(BASE_URL)からOriginを生成する。
func NewOrigin(rootURL string) (*Origin, error) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("root url %q must be absolute", rootURL)
	}
	scheme, host, ok := normalizeOrigin(u)
	if !ok {
		return nil, fmt.Errorf("root url %q has an invalid host", rootURL)
	}

	root := *u
	if !strings.HasSuffix(root.Path, "/") {
		root.Path += "/"
	}
	root.RawQuery, root.Fragment = "", ""
	return &Origin{root: &root, scheme: scheme, host: host}, nil
}

// RootURL は末尾スラッシュ付きのルートURLを返す。
func (o *Origin) RootURL() string {
	return o.root.String()
}

// Matches はrawURLがルートURLと同一オリジン（スキーム・ホスト・ポート）かを返す。
func (o *Origin) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	scheme, host, ok := normalizeOrigin(u)
	return ok && scheme == o.scheme && host == o.host
}

// ResolveRedirect はログイン後のリダイレクト先をルートURL基準で解決する。
// 空の場合はルートURLを返し、同一オリジンでない場合はfalseを返す。
func (o *Origin) ResolveRedirect(ref string) (string, bool) {
	if ref == "" {
		return o.RootURL(), true
	}
	// "/\evil.example"のようにブラウザがプロトコル相対URLとして扱う形を拒否する
	if strings.ContainsAny(ref, "\\\r\n\t") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	resolved := o.root.ResolveReference(u)
	if !o.Matches(resolved.String()) {
		return "", false
	}
	return resolved.String(), true
}

// RequestIsSameOrigin はリクエストのOriginヘッダー（無ければReferer）がルートURLと
// 同一オリジンかを返す。どちらも無い場合はfalse。
func (o *Origin) RequestIsSameOrigin(r *http.Request) bool {
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		return o.Matches(origin)
	}
	if referer := r.Referer(); referer != "" {
		return o.Matches(referer)
	}
	return false
}

func normalizeOrigin(u *url.URL) (scheme, host string, ok bool) {
	scheme = strings.ToLower(u.Scheme)
	hostname := strings.TrimSuffix(u.Hostname(), ".")
	if hostname == "" {
		return "", "", false
	}

	if ip := net.ParseIP(hostname); ip != nil {
		hostname = ip.String()
	} else {
		ascii, err := idna.Lookup.ToASCII(hostname)
		if err != nil {
			return "", "", false
		}
		hostname = strings.ToLower(ascii)
	}

	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		return scheme, net.JoinHostPort(hostname, port), true
	}
	if strings.Contains(hostname, ":") {
		return scheme, "[" + hostname + "]", true
	}
	return scheme, hostname, true
}
