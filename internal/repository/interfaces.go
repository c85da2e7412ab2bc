// Package repository はデータ永続化のインターフェースとPostgreSQL実装を定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/idgate/internal/model"
)

// DBTX は*sql.DBと*sql.Txの共通インターフェース。
// リポジトリはトランザクションの内外どちらでも同じ実装で動作する。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスが一致するユーザーのうち最も古いものを返す。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。IDが空の場合は採番する。
	Create(ctx context.Context, user *model.User) error

	// Update はユーザー属性（username, fullname, email）を更新する。
	Update(ctx context.Context, user *model.User) error
}

// AccountRepository は外部IdPアカウントの紐付け情報の永続化インターフェース。
type AccountRepository interface {
	// FindByIssuerAndSubject は(issuer, subject)でアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByIssuerAndSubject(ctx context.Context, issuer, subject string) (*model.Account, error)

	// Create はアカウントを作成する。
	Create(ctx context.Context, account *model.Account) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// トークンは平文で保存せず、呼び出し側が計算したハッシュで検索する。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session, tokenHash string) error

	// FindByTokenHash はトークンハッシュでセッションを取得する。
	// 有効期限の判定は呼び出し側が行う。見つからない場合はnilを返す。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)

	// UpdateExpiresAt はセッションの有効期限を更新する。
	UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error

	// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByID(ctx context.Context, id string) error

	// DeleteByTokenHash はトークンハッシュに一致するセッションを削除する。
	DeleteByTokenHash(ctx context.Context, tokenHash string) (int64, error)

	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)

	// DeleteBySID はIdPセッションIDが一致する全セッションを削除する。
	DeleteBySID(ctx context.Context, sid string) (int64, error)

	// DeleteExpired はbefore時点で失効しているセッションを削除する。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Catalog は名前で一意な認可エンティティ（roles, groups, permissions）の操作。
type Catalog interface {
	// FindByID は指定IDのエンティティを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.NamedEntity, error)

	// FindByNames は名前が一致する既存エンティティを返す。存在しない名前は無視する。
	FindByNames(ctx context.Context, names []string) ([]model.NamedEntity, error)

	// EnsureNames は存在しない名前のエンティティを作成し、全名前分のエンティティを返す。
	EnsureNames(ctx context.Context, names []string) ([]model.NamedEntity, error)
}

// Association は所有者とターゲットの多対多関連（結合テーブル）の操作。
type Association interface {
	// Current は所有者に現在紐づくターゲットを返す。
	Current(ctx context.Context, ownerID string) ([]model.NamedEntity, error)

	// Targets は関連先エンティティのCatalogを返す。
	Targets() Catalog

	// Apply はremoveIDsの関連を削除し、addIDsの関連を追加する。
	Apply(ctx context.Context, ownerID string, removeIDs, addIDs []string) error
}

// PrincipalRepository はセッション所有者の実効的な認可情報を読み出す。
type PrincipalRepository interface {
	// LoadPrincipal はユーザーと、直接およびグループ経由のロール、グループ、権限を返す。
	// ユーザーが存在しない場合はnilを返す。
	LoadPrincipal(ctx context.Context, userID string) (*model.Principal, error)
}

// Store はリポジトリ群への入口。トランザクション内外で同じ形で扱える。
type Store interface {
	Users() UserRepository
	Accounts() AccountRepository
	Sessions() SessionRepository
	Roles() Catalog
	Groups() Catalog
	Permissions() Catalog
	UserRoles() Association
	UserGroups() Association
	GroupRoles() Association
	RolePermissions() Association
	Principals() PrincipalRepository
}

// Transactor はシリアライザブルトランザクションの実行を提供する。
type Transactor interface {
	// WithinTx はシリアライザブル分離レベルのトランザクション内でfnを実行する。
	// 直列化失敗・デッドロックの場合はfnごと再試行する。fnがエラーを返すとロールバックする。
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
