package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/idgate/internal/model"
)

// ErrExtraction は属性パスの評価結果が期待する型でないことを示す。
var ErrExtraction = errors.New("claim extraction failed")

// Paths はプロフィールの各属性を取り出す式。Groupsは空の場合評価しない。
type Paths struct {
	Username string
	Fullname string
	Email    string
	Roles    string
	Groups   string
	Allowed  string
}

// UserInfoSource はUserInfoエンドポイントからクレームを取得する。
type UserInfoSource interface {
	UserInfo(ctx context.Context) (map[string]any, error)
}

// Sanitizer はユーザー名・表示名に含まれるマークアップを取り除く。
type Sanitizer interface {
	Sanitize(value string) string
}

// Extractor はIDトークンとUserInfoのクレームからプロフィールを組み立てる。
type Extractor struct {
	username  Expression
	fullname  Expression
	email     Expression
	roles     Expression
	groups    Expression
	allowed   Expression
	sanitizer Sanitizer
}

// NewExtractor は各パスをコンパイルしてExtractorを生成する。
// sanitizerがnilの場合は値をそのまま使う。
func NewExtractor(ev Evaluator, paths Paths, sanitizer Sanitizer) (*Extractor, error) {
	e := &Extractor{sanitizer: sanitizer}

	required := []struct {
		name string
		expr string
		dst  *Expression
	}{
		{"username", paths.Username, &e.username},
		{"fullname", paths.Fullname, &e.fullname},
		{"email", paths.Email, &e.email},
		{"roles", paths.Roles, &e.roles},
		{"allowed", paths.Allowed, &e.allowed},
	}
	for _, p := range required {
		if p.expr == "" {
			return nil, fmt.Errorf("%s path is empty", p.name)
		}
		compiled, err := ev.Compile(p.expr)
		if err != nil {
			return nil, fmt.Errorf("%s path: %w", p.name, err)
		}
		*p.dst = compiled
	}

	if paths.Groups != "" {
		compiled, err := ev.Compile(paths.Groups)
		if err != nil {
			return nil, fmt.Errorf("groups path: %w", err)
		}
		e.groups = compiled
	}
	return e, nil
}

// fields は抽出途中の属性。各値は未取得の場合nil。
type fields struct {
	username *string
	fullname *string
	email    *string
	roles    []string
	groups   []string
}

func (f *fields) complete() bool {
	return f.username != nil && f.fullname != nil && f.email != nil && f.roles != nil
}

// Extract はプロフィールを抽出する。
// 許可条件を満たさない場合、または必須属性が揃わない場合はnilを返す。
// 必須属性が欠けていてuserinfoがnilでなければUserInfoで不足分のみ補う。
// UserInfoのsubがIDトークンと一致しない場合はErrProtocolViolationを返す。
func (e *Extractor) Extract(ctx context.Context, idClaims map[string]any, userinfo UserInfoSource) (*model.Profile, error) {
	allowed, err := e.isAllowed(idClaims)
	if err != nil || !allowed {
		return nil, err
	}

	var f fields
	if err := e.fill(&f, idClaims); err != nil {
		return nil, err
	}

	if !f.complete() {
		if userinfo == nil {
			slog.Debug("profile incomplete and no userinfo endpoint")
			return nil, nil
		}
		uiClaims, err := userinfo.UserInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch userinfo: %w", err)
		}
		if sub, _ := uiClaims["sub"].(string); sub == "" || sub != idClaims["sub"] {
			return nil, fmt.Errorf("%w: userinfo subject does not match id token", model.ErrProtocolViolation)
		}
		allowed, err := e.isAllowed(uiClaims)
		if err != nil || !allowed {
			return nil, err
		}
		if err := e.fill(&f, uiClaims); err != nil {
			return nil, err
		}
		if !f.complete() {
			slog.Debug("profile incomplete after userinfo")
			return nil, nil
		}
	}

	return &model.Profile{
		PreferredUsername: e.sanitize(*f.username),
		Name:              e.sanitize(*f.fullname),
		Email:             *f.email,
		Roles:             f.roles,
		Groups:            f.groups,
	}, nil
}

// isAllowed は許可条件式を評価する。結果が真偽値のtrueの場合のみ許可する。
func (e *Extractor) isAllowed(claims map[string]any) (bool, error) {
	v, err := e.allowed.Evaluate(claims)
	if err != nil {
		return false, fmt.Errorf("%w: allowed: %w", ErrExtraction, err)
	}
	b, ok := v.(bool)
	return ok && b, nil
}

// fill はまだ取得していない属性だけをclaimsから埋める。
func (e *Extractor) fill(f *fields, claims map[string]any) error {
	var err error
	if f.username == nil {
		if f.username, err = e.stringField("username", e.username, claims); err != nil {
			return err
		}
	}
	if f.fullname == nil {
		if f.fullname, err = e.stringField("fullname", e.fullname, claims); err != nil {
			return err
		}
	}
	if f.email == nil {
		if f.email, err = e.stringField("email", e.email, claims); err != nil {
			return err
		}
	}
	if f.roles == nil {
		if f.roles, err = e.listField("roles", e.roles, claims); err != nil {
			return err
		}
	}
	if f.groups == nil && e.groups != nil {
		if f.groups, err = e.listField("groups", e.groups, claims); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) stringField(name string, expr Expression, claims map[string]any) (*string, error) {
	v, err := expr.Evaluate(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExtraction, name, err)
	}
	if isMissing(v) {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a string, got %T", ErrExtraction, name, v)
	}
	return &s, nil
}

// listField は文字列または文字列配列を返す式を評価する。
// 文字列は1要素のリストとして扱い、空配列は「何も持たない」として空スライスを返す。
func (e *Extractor) listField(name string, expr Expression, claims map[string]any) ([]string, error) {
	v, err := expr.Evaluate(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExtraction, name, err)
	}
	if isMissing(v) {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain only strings, got %T", ErrExtraction, name, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or list of strings, got %T", ErrExtraction, name, v)
	}
}

func (e *Extractor) sanitize(s string) string {
	if e.sanitizer == nil {
		return s
	}
	return e.sanitizer.Sanitize(s)
}

// isMissing はnull、false、空文字列、0を未取得として扱う。
func isMissing(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case float64:
		return t == 0
	case int:
		return t == 0
	}
	return false
}
