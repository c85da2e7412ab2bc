package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/hashicorp/go-cleanhttp"
)

// IdPClientConfig はIdPへのHTTPクライアントの設定。
type IdPClientConfig struct {
	Timeout             time.Duration
	EnforceHTTPS        bool  // trueの場合httpsスキームのみ許可する
	AllowPrivateNetwork bool  // trueの場合プライベートアドレス上のIdPへの接続を許可する
	Ports               []int // 80/443以外に接続を許可するポート。EndpointPortsで設定URLから導出する
}

// blockedNetworks はIdPエンドポイントとして拒否するネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateEndpointでの検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// NewIdPClient はディスカバリ、トークン交換、UserInfo、JWKS取得に使うHTTPクライアントを生成する。
//
// AllowPrivateNetworkがfalseの場合はsafeurlのクライアントを使い、DNS解決後の
// プライベート・ループバック・リンクローカルアドレスへの接続をDialerレベルで拒否する。
// trueの場合（社内IdPや開発環境）はcleanhttpのプール済みTransportを使う。
func NewIdPClient(cfg IdPClientConfig) *http.Client {
	if cfg.AllowPrivateNetwork {
		return &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   cfg.Timeout,
		}
	}

	schemes := []string{"https"}
	ports := []int{443}
	if !cfg.EnforceHTTPS {
		schemes = append(schemes, "http")
		ports = append(ports, 80)
	}
	for _, port := range cfg.Ports {
		if !slices.Contains(ports, port) {
			ports = append(ports, port)
		}
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(cfg.Timeout).
		SetAllowedSchemes(schemes...).
		SetAllowedPorts(ports...).
		Build()

	return safeurl.Client(config).Client
}

// EndpointPorts はURLに明示されたポート番号を重複なく返す。
// 空のURL、ポート指定のないURL、範囲外のポートは無視する。
func EndpointPorts(rawURLs ...string) []int {
	var ports []int
	for _, rawURL := range rawURLs {
		if rawURL == "" {
			continue
		}
		parsed, err := url.Parse(rawURL)
		if err != nil || parsed.Port() == "" {
			continue
		}
		port, err := strconv.Atoi(parsed.Port())
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		if !slices.Contains(ports, port) {
			ports = append(ports, port)
		}
	}
	return ports
}

// ValidateEndpoint はIdPエンドポイントURLを起動時に静的検証する。
// DNS解決を伴わないため、解決後のアドレス検証はNewIdPClientのクライアント側で行われる。
func ValidateEndpoint(rawURL string, cfg IdPClientConfig) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && !cfg.EnforceHTTPS:
	default:
		return fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if cfg.AllowPrivateNetwork {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
