package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/idgate/internal/model"
)

// JoinTable は多対多の結合テーブルの定義。
type JoinTable struct {
	Table        string // 結合テーブル名
	OwnerColumn  string // 所有者側の外部キー列
	TargetColumn string // 関連先の外部キー列
	TargetTable  string // 関連先エンティティのテーブル
}

// 結合テーブルの定義一覧。
var (
	UserRolesTable       = JoinTable{Table: "user_roles", OwnerColumn: "user_id", TargetColumn: "role_id", TargetTable: tableRoles}
	UserGroupsTable      = JoinTable{Table: "user_groups", OwnerColumn: "user_id", TargetColumn: "group_id", TargetTable: tableGroups}
	GroupRolesTable      = JoinTable{Table: "group_roles", OwnerColumn: "group_id", TargetColumn: "role_id", TargetTable: tableRoles}
	RolePermissionsTable = JoinTable{Table: "role_permissions", OwnerColumn: "role_id", TargetColumn: "permission_id", TargetTable: tablePermissions}
)

// PostgresAssociation はJoinTableで定義された結合テーブルのリポジトリ。
type PostgresAssociation struct {
	db      DBTX
	join    JoinTable
	targets *PostgresCatalog
}

// NewPostgresAssociation はPostgresAssociationを生成する。
func NewPostgresAssociation(db DBTX, join JoinTable) *PostgresAssociation {
	return &PostgresAssociation{
		db:      db,
		join:    join,
		targets: NewPostgresCatalog(db, join.TargetTable),
	}
}

// Current は所有者に現在紐づくターゲットを名前順で返す。
func (a *PostgresAssociation) Current(ctx context.Context, ownerID string) ([]model.NamedEntity, error) {
	query := fmt.Sprintf(
		`SELECT t.id, t.name FROM %s j JOIN %s t ON t.id = j.%s WHERE j.%s = $1 ORDER BY t.name`,
		a.join.Table, a.join.TargetTable, a.join.TargetColumn, a.join.OwnerColumn,
	)
	rows, err := a.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", a.join.Table, err)
	}
	return scanNamedEntities(rows)
}

// Targets は関連先エンティティのCatalogを返す。
func (a *PostgresAssociation) Targets() Catalog {
	return a.targets
}

// Apply はremoveIDsの関連を削除し、addIDsの関連を追加する。
func (a *PostgresAssociation) Apply(ctx context.Context, ownerID string, removeIDs, addIDs []string) error {
	if len(removeIDs) > 0 {
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = ANY($2::uuid[])`,
			a.join.Table, a.join.OwnerColumn, a.join.TargetColumn)
		if _, err := a.db.ExecContext(ctx, query, ownerID, pq.Array(removeIDs)); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", a.join.Table, err)
		}
	}
	if len(addIDs) > 0 {
		query := fmt.Sprintf(`INSERT INTO %s (%s, %s) SELECT $1, unnest($2::uuid[])`,
			a.join.Table, a.join.OwnerColumn, a.join.TargetColumn)
		if _, err := a.db.ExecContext(ctx, query, ownerID, pq.Array(addIDs)); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", a.join.Table, err)
		}
	}
	return nil
}

// compile-time interface check
var _ Association = (*PostgresAssociation)(nil)
