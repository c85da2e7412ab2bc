// Package seed は認可の初期データ（権限とロール）を投入する。
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/idgate/internal/identity"
)

// DefaultRolePermissions は初期ロールと、各ロールに付与する権限。
var DefaultRolePermissions = map[string][]string{
	"admin": {"manage"},
	"user":  {},
}

// RolePermissionSetter はロールの権限を名前の集合に一致させる。identity.Reconcilerが実装する。
type RolePermissionSetter interface {
	SetRolePermissions(ctx context.Context, role string, permissions []string) (identity.Diff, error)
}

// Run はrolePermissionsのロールと権限を作成し、ロールの権限を指定どおりに揃える。
// 冪等であり、既に揃っている場合は何も変更しない。
func Run(ctx context.Context, setter RolePermissionSetter, rolePermissions map[string][]string, logger *slog.Logger) error {
	roles := make([]string, 0, len(rolePermissions))
	for role := range rolePermissions {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		diff, err := setter.SetRolePermissions(ctx, role, rolePermissions[role])
		if err != nil {
			return fmt.Errorf("seed role %q: %w", role, err)
		}
		logger.Info("role seeded",
			slog.String("role", role),
			slog.Any("permissions_added", diff.Added),
			slog.Any("permissions_removed", diff.Removed),
		)
	}
	return nil
}
