package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/idgate/internal/model"
)

const (
	// BackchannelLogoutEvent はログアウトトークンのeventsに含まれるべきキー。
	BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

	// logoutTokenMaxAge はiatから受け入れるまでの最大経過時間。
	logoutTokenMaxAge = 2 * time.Minute

	// logoutTokenLeeway はIdPとの時計のずれの許容幅。
	logoutTokenLeeway = 30 * time.Second
)

// LogoutClaims はバックチャネルログアウトトークンのクレーム。
type LogoutClaims struct {
	jwt.RegisteredClaims
	SID    string         `json:"sid,omitempty"`
	Events map[string]any `json:"events"`
	Nonce  *string        `json:"nonce,omitempty"`

	now time.Time
}

// Validate はjwt.Validatorから呼ばれ、ログアウトトークン固有の条件を検証する。
func (c *LogoutClaims) Validate() error {
	if c.IssuedAt == nil {
		return errors.New("iat is required")
	}
	if c.now.Sub(c.IssuedAt.Time) > logoutTokenMaxAge {
		return fmt.Errorf("iat %v is older than %v", c.IssuedAt.Time, logoutTokenMaxAge)
	}
	if c.SID == "" && c.Subject == "" {
		return errors.New("sid or sub is required")
	}
	if _, ok := c.Events[BackchannelLogoutEvent]; !ok {
		return errors.New("events does not contain the back-channel logout event")
	}
	if c.Nonce != nil {
		return errors.New("nonce must not be present")
	}
	return nil
}

// VerifyLogoutToken はバックチャネルログアウトトークンの署名をJWKSで検証し、クレームを検証する。
// 不正なトークンはErrValidationとして返す。
func (c *Client) VerifyLogoutToken(ctx context.Context, rawToken string) (*LogoutClaims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: logout_token is missing", model.ErrValidation)
	}

	payload, err := c.keySet.VerifySignature(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: logout token signature: %w", model.ErrValidation, err)
	}

	claims := &LogoutClaims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, fmt.Errorf("%w: decode logout token: %w", model.ErrValidation, err)
	}
	claims.now = c.now()

	validator := jwt.NewValidator(
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.clientID),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(logoutTokenLeeway),
		jwt.WithTimeFunc(c.now),
	)
	if err := validator.Validate(claims); err != nil {
		return nil, fmt.Errorf("%w: logout token claims: %w", model.ErrValidation, err)
	}
	return claims, nil
}
