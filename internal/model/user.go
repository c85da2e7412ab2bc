// Package model はドメインモデルを定義する。
package model

import "time"

// User はアプリケーションの利用ユーザーを表す。
// ログイン成功のたびにIdPが主張する属性で更新される。
type User struct {
	ID        string
	Username  string
	Fullname  string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Account は外部IdPのアイデンティティとユーザーの紐付けを表す。
// (Issuer, Subject) の組はシステム全体で一意。
type Account struct {
	ID        string
	UserID    string
	Issuer    string
	Subject   string
	CreatedAt time.Time
}

// Session はサーバーサイドのログインセッションを表す。
// Tokenは発行時とクッキーからの検証時のみ保持され、永続化されるのはハッシュのみ。
type Session struct {
	ID        string
	Token     string
	UserID    string
	SID       string // IdP側のセッションID（sidクレーム）。空の場合あり
	IDToken   string // end-sessionのヒント用に保持する生のIDトークン。空の場合あり
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired はnow時点でセッションが失効しているかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// NamedEntity は名前で識別される認可エンティティ（Role, Group, Permission）の共通表現。
type NamedEntity struct {
	ID   string
	Name string
}

// Role はPermissionの集合を持つロール。
type Role struct {
	NamedEntity
	Permissions []string
}

// Group はRoleの集合を持つグループ。
type Group struct {
	NamedEntity
	Roles []string
}

// Principal はセッションに紐づくユーザーと、その実効的な認可情報を表す。
// Rolesは直接付与されたロールとグループ経由のロールの和集合。
type Principal struct {
	User        User
	Roles       []string
	Groups      []string
	Permissions []string
}

// HasPermission は指定した権限を持つかを返す。
func (p *Principal) HasPermission(name string) bool {
	for _, perm := range p.Permissions {
		if perm == name {
			return true
		}
	}
	return false
}

// HasRole は指定したロールを持つかを返す。
func (p *Principal) HasRole(name string) bool {
	for _, role := range p.Roles {
		if role == name {
			return true
		}
	}
	return false
}

// AuthenticatedSession はセッションと、その所有ユーザーのPrincipalをまとめたもの。
type AuthenticatedSession struct {
	Session   Session
	Principal Principal
}

// Profile はIDトークンまたはUserInfoから抽出した外部プロフィール。永続化されない。
// Roles/Groupsはnilの場合「主張なし」（同期しない）、空スライスの場合「何も持たない」を意味する。
type Profile struct {
	PreferredUsername string
	Name              string
	Email             string
	Roles             []string
	Groups            []string
}
