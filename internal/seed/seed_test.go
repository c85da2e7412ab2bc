package seed

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/hitoshi/idgate/internal/identity"
	"github.com/hitoshi/idgate/internal/repository/memstore"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func permissionsOf(t *testing.T, store *memstore.Store, role string) []string {
	t.Helper()
	ctx := context.Background()
	roles, err := store.Roles().FindByNames(ctx, []string{role})
	if err != nil || len(roles) != 1 {
		t.Fatalf("find role %q: %v (%d rows)", role, err, len(roles))
	}
	current, err := store.RolePermissions().Current(ctx, roles[0].ID)
	if err != nil {
		t.Fatalf("current permissions: %v", err)
	}
	names := []string{}
	for _, e := range current {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

func TestRun_CreatesRolesAndPermissions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	r := identity.NewReconciler(store, identity.Config{})
	var buf bytes.Buffer

	if err := Run(ctx, r, DefaultRolePermissions, newTestLogger(&buf)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := permissionsOf(t, store, "admin"); !reflect.DeepEqual(got, []string{"manage"}) {
		t.Errorf("admin permissions = %v, want [manage]", got)
	}
	if got := permissionsOf(t, store, "user"); len(got) != 0 {
		t.Errorf("user permissions = %v, want none", got)
	}
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	r := identity.NewReconciler(store, identity.Config{})
	var buf bytes.Buffer

	if err := Run(ctx, r, DefaultRolePermissions, newTestLogger(&buf)); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	applied := store.Calls("role_permissions.apply")

	if err := Run(ctx, r, DefaultRolePermissions, newTestLogger(&buf)); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if got := store.Calls("role_permissions.apply"); got != applied {
		t.Errorf("role_permissions.apply calls = %d, want %d (no changes on second run)", got, applied)
	}
}

func TestRun_RevokesExtraPermission(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	r := identity.NewReconciler(store, identity.Config{})
	if _, err := r.SetRolePermissions(ctx, "user", []string{"manage"}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	var buf bytes.Buffer
	if err := Run(ctx, r, DefaultRolePermissions, newTestLogger(&buf)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := permissionsOf(t, store, "user"); len(got) != 0 {
		t.Errorf("user permissions = %v, want none", got)
	}
}

type failingSetter struct{}

func (failingSetter) SetRolePermissions(ctx context.Context, role string, permissions []string) (identity.Diff, error) {
	return identity.Diff{}, errors.New("db down")
}

func TestRun_Error(t *testing.T) {
	var buf bytes.Buffer
	err := Run(context.Background(), failingSetter{}, DefaultRolePermissions, newTestLogger(&buf))
	if err == nil || !strings.Contains(err.Error(), `seed role "admin"`) {
		t.Errorf("err = %v, want failure on first role", err)
	}
}
