package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/idgate/internal/model"
)

// PostgresPrincipalRepo はユーザーの実効的な認可情報を読み出すリポジトリ。
type PostgresPrincipalRepo struct {
	db    DBTX
	users *PostgresUserRepo
}

// NewPostgresPrincipalRepo はPostgresPrincipalRepoを生成する。
func NewPostgresPrincipalRepo(db DBTX) *PostgresPrincipalRepo {
	return &PostgresPrincipalRepo{db: db, users: NewPostgresUserRepo(db)}
}

// 直接付与されたロールとグループ経由のロールの和集合。
const effectiveRolesSQL = `
	SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = $1
	UNION
	SELECT r.name FROM user_groups ug
		JOIN group_roles gr ON gr.group_id = ug.group_id
		JOIN roles r ON r.id = gr.role_id
	WHERE ug.user_id = $1
	ORDER BY 1`

const effectivePermissionsSQL = `
	SELECT DISTINCT p.name FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
	WHERE rp.role_id IN (
		SELECT ur.role_id FROM user_roles ur WHERE ur.user_id = $1
		UNION
		SELECT gr.role_id FROM user_groups ug JOIN group_roles gr ON gr.group_id = ug.group_id WHERE ug.user_id = $1
	)
	ORDER BY 1`

const userGroupsSQL = `
	SELECT g.name FROM user_groups ug JOIN groups g ON g.id = ug.group_id
	WHERE ug.user_id = $1 ORDER BY 1`

// LoadPrincipal はユーザーと実効的なロール、グループ、権限を返す。
// ユーザーが存在しない場合はnilを返す。
func (r *PostgresPrincipalRepo) LoadPrincipal(ctx context.Context, userID string) (*model.Principal, error) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	p := &model.Principal{User: *user}
	if p.Roles, err = r.names(ctx, effectiveRolesSQL, userID); err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	if p.Groups, err = r.names(ctx, userGroupsSQL, userID); err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	if p.Permissions, err = r.names(ctx, effectivePermissionsSQL, userID); err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	return p, nil
}

func (r *PostgresPrincipalRepo) names(ctx context.Context, query, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// compile-time interface check
var _ PrincipalRepository = (*PostgresPrincipalRepo)(nil)
