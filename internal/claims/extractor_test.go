package claims

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hitoshi/idgate/internal/model"
	"github.com/hitoshi/idgate/internal/security"
)

var defaultPaths = Paths{
	Username: "preferred_username || email",
	Fullname: "name || preferred_username",
	Email:    "email",
	Roles:    "type(roles) == 'array' && (contains(roles, 'admin') && 'admin' || 'user')",
	Groups:   "type(groups) == 'array' && (groups || `[]`)",
	Allowed:  "email_verified == `true`",
}

// mockUserInfo はUserInfoSourceのテスト用モック。
type mockUserInfo struct {
	claims map[string]any
	err    error
	calls  int
}

func (m *mockUserInfo) UserInfo(ctx context.Context) (map[string]any, error) {
	m.calls++
	return m.claims, m.err
}

func newTestExtractor(t *testing.T, paths Paths) *Extractor {
	t.Helper()
	e, err := NewExtractor(JMESPathEvaluator{}, paths, security.NewProfileSanitizer())
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	return e
}

func fullClaims() map[string]any {
	return map[string]any{
		"sub":                "user-1",
		"preferred_username": "alice",
		"name":               "Alice Example",
		"email":              "alice@example.com",
		"email_verified":     true,
		"roles":              []any{"admin", "dev"},
		"groups":             []any{"ops", "dev"},
	}
}

func TestExtract_FullIDToken(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	ui := &mockUserInfo{}

	p, err := e.Extract(context.Background(), fullClaims(), ui)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	want := &model.Profile{
		PreferredUsername: "alice",
		Name:              "Alice Example",
		Email:             "alice@example.com",
		Roles:             []string{"admin"},
		Groups:            []string{"ops", "dev"},
	}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("profile = %+v, want %+v", p, want)
	}
	if ui.calls != 0 {
		t.Error("userinfo should not be fetched when the id token is complete")
	}
}

func TestExtract_NotAllowed(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)

	tests := []struct {
		name  string
		value any
	}{
		{"unverified", false},
		{"string true", "true"},
		{"missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fullClaims()
			if tt.value == nil {
				delete(c, "email_verified")
			} else {
				c["email_verified"] = tt.value
			}
			p, err := e.Extract(context.Background(), c, nil)
			if err != nil || p != nil {
				t.Errorf("Extract = %+v, %v; want nil, nil", p, err)
			}
		})
	}
}

func TestExtract_FallbackUsernameAndFullname(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)

	c := fullClaims()
	delete(c, "preferred_username")
	p, err := e.Extract(context.Background(), c, nil)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if p.PreferredUsername != "alice@example.com" {
		t.Errorf("username = %q, want email fallback", p.PreferredUsername)
	}

	c = fullClaims()
	c["name"] = ""
	p, err = e.Extract(context.Background(), c, nil)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if p.Name != "alice" {
		t.Errorf("fullname = %q, want preferred_username fallback", p.Name)
	}
}

func TestExtract_RoleDefaults(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)

	c := fullClaims()
	c["roles"] = []any{"dev"}
	p, _ := e.Extract(context.Background(), c, nil)
	if p == nil || !reflect.DeepEqual(p.Roles, []string{"user"}) {
		t.Errorf("roles = %v, want [user]", p)
	}
}

func TestExtract_GroupsOptional(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)

	c := fullClaims()
	delete(c, "groups")
	p, err := e.Extract(context.Background(), c, nil)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if p.Groups != nil {
		t.Errorf("groups = %v, want nil (not asserted)", p.Groups)
	}

	c["groups"] = []any{}
	p, _ = e.Extract(context.Background(), c, nil)
	if p.Groups == nil || len(p.Groups) != 0 {
		t.Errorf("groups = %#v, want empty non-nil slice", p.Groups)
	}
}

func TestExtract_IncompleteWithoutUserInfo(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	delete(c, "roles")

	p, err := e.Extract(context.Background(), c, nil)
	if err != nil || p != nil {
		t.Errorf("Extract = %+v, %v; want nil, nil", p, err)
	}
}

func TestExtract_UserInfoFillsOnlyMissing(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	delete(c, "roles")
	ui := &mockUserInfo{claims: map[string]any{
		"sub":                "user-1",
		"preferred_username": "someone-else",
		"email_verified":     true,
		"roles":              []any{"admin"},
	}}

	p, err := e.Extract(context.Background(), c, ui)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if ui.calls != 1 {
		t.Errorf("userinfo calls = %d, want 1", ui.calls)
	}
	if p.PreferredUsername != "alice" {
		t.Errorf("username = %q, id token value must win", p.PreferredUsername)
	}
	if !reflect.DeepEqual(p.Roles, []string{"admin"}) {
		t.Errorf("roles = %v, want [admin]", p.Roles)
	}
}

func TestExtract_UserInfoStillIncomplete(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	delete(c, "roles")
	ui := &mockUserInfo{claims: map[string]any{"sub": "user-1", "email_verified": true}}

	p, err := e.Extract(context.Background(), c, ui)
	if err != nil || p != nil {
		t.Errorf("Extract = %+v, %v; want nil, nil", p, err)
	}
}

func TestExtract_UserInfoDeniesAllow(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	delete(c, "roles")
	ui := &mockUserInfo{claims: map[string]any{"sub": "user-1", "email_verified": false, "roles": []any{"admin"}}}

	p, err := e.Extract(context.Background(), c, ui)
	if err != nil || p != nil {
		t.Errorf("Extract = %+v, %v; want nil, nil", p, err)
	}
}

func TestExtract_UserInfoSubjectMismatch(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	delete(c, "roles")
	ui := &mockUserInfo{claims: map[string]any{"sub": "user-2", "email_verified": true, "roles": []any{"admin"}}}

	_, err := e.Extract(context.Background(), c, ui)
	if !errors.Is(err, model.ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestExtract_UserInfoError(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	delete(c, "roles")
	fetchErr := errors.New("userinfo unavailable")

	_, err := e.Extract(context.Background(), c, &mockUserInfo{err: fetchErr})
	if !errors.Is(err, fetchErr) {
		t.Errorf("expected fetch error, got %v", err)
	}
}

func TestExtract_StringRoleBecomesList(t *testing.T) {
	paths := defaultPaths
	paths.Roles = "role"
	e := newTestExtractor(t, paths)
	c := fullClaims()
	c["role"] = "editor"

	p, err := e.Extract(context.Background(), c, nil)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if !reflect.DeepEqual(p.Roles, []string{"editor"}) {
		t.Errorf("roles = %v, want [editor]", p.Roles)
	}
}

func TestExtract_WrongTypesFail(t *testing.T) {
	tests := []struct {
		name  string
		paths func(Paths) Paths
		claim string
		value any
	}{
		{"numeric username", func(p Paths) Paths { p.Username = "uid"; return p }, "uid", float64(42)},
		{"object email", func(p Paths) Paths { p.Email = "mail"; return p }, "mail", map[string]any{"a": "b"}},
		{"numeric role list", func(p Paths) Paths { p.Roles = "rs"; return p }, "rs", []any{float64(1)}},
		{"numeric role", func(p Paths) Paths { p.Roles = "rs"; return p }, "rs", float64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExtractor(t, tt.paths(defaultPaths))
			c := fullClaims()
			c[tt.claim] = tt.value
			_, err := e.Extract(context.Background(), c, nil)
			if !errors.Is(err, ErrExtraction) {
				t.Errorf("expected ErrExtraction, got %v", err)
			}
		})
	}
}

func TestExtract_FalsyValuesAreMissing(t *testing.T) {
	paths := defaultPaths
	paths.Email = "mail"
	e := newTestExtractor(t, paths)

	for _, v := range []any{nil, false, "", float64(0)} {
		c := fullClaims()
		c["mail"] = v
		p, err := e.Extract(context.Background(), c, nil)
		if err != nil || p != nil {
			t.Errorf("mail=%#v: Extract = %+v, %v; want nil, nil", v, p, err)
		}
	}
}

func TestExtract_SanitizesDisplayAttributes(t *testing.T) {
	e := newTestExtractor(t, defaultPaths)
	c := fullClaims()
	c["name"] = "<b>Alice</b><script>x()</script>"

	p, err := e.Extract(context.Background(), c, nil)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if p.Name != "Alice" {
		t.Errorf("name = %q, want Alice", p.Name)
	}
}

func TestNewExtractor_InvalidPaths(t *testing.T) {
	bad := defaultPaths
	bad.Roles = "roles[?"
	if _, err := NewExtractor(JMESPathEvaluator{}, bad, nil); err == nil {
		t.Error("expected compile error")
	}

	empty := defaultPaths
	empty.Allowed = ""
	if _, err := NewExtractor(JMESPathEvaluator{}, empty, nil); err == nil {
		t.Error("expected error for empty allowed path")
	}

	noGroups := defaultPaths
	noGroups.Groups = ""
	e, err := NewExtractor(JMESPathEvaluator{}, noGroups, nil)
	if err != nil {
		t.Fatalf("groups path should be optional: %v", err)
	}
	p, _ := e.Extract(context.Background(), fullClaims(), nil)
	if p == nil || p.Groups != nil {
		t.Errorf("groups = %v, want nil when no groups path", p)
	}
}

// stubEvaluator はEvaluatorが差し替え可能であることを確認するためのモック。
type stubEvaluator struct {
	values map[string]any
}

type stubExpression struct{ v any }

func (s stubExpression) Evaluate(map[string]any) (any, error) { return s.v, nil }

func (s stubEvaluator) Compile(expr string) (Expression, error) {
	return stubExpression{v: s.values[expr]}, nil
}

func TestExtract_PluggableEvaluator(t *testing.T) {
	ev := stubEvaluator{values: map[string]any{
		"u": "user", "f": "Full", "e": "e@example.com", "r": []any{"x"}, "a": true,
	}}
	e, err := NewExtractor(ev, Paths{Username: "u", Fullname: "f", Email: "e", Roles: "r", Allowed: "a"}, nil)
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	p, err := e.Extract(context.Background(), map[string]any{}, nil)
	if err != nil || p == nil {
		t.Fatalf("Extract = %v, %v", p, err)
	}
	if p.PreferredUsername != "user" || p.Email != "e@example.com" || !reflect.DeepEqual(p.Roles, []string{"x"}) {
		t.Errorf("profile = %+v", p)
	}
}
