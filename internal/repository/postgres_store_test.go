package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/hitoshi/idgate/internal/database"
	"github.com/hitoshi/idgate/internal/model"
)

// setupStore はテスト用データベースにマイグレーションを適用したPostgresStoreを返す。
// TEST_DATABASE_URLが未設定または接続できない場合はスキップする。
func setupStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	_, err = db.Exec(`TRUNCATE users, sessions, accounts, roles, groups, permissions,
		user_roles, user_groups, group_roles, role_permissions CASCADE`)
	if err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewPostgresStore(db, DefaultRetryPolicy()), db
}

func createUser(t *testing.T, s Store, email string) *model.User {
	t.Helper()
	u := &model.User{Username: email, Fullname: email, Email: email}
	if err := s.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return u
}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "alice@example.com")

	now := time.Now().Truncate(time.Microsecond)
	sess := &model.Session{UserID: user.ID, SID: "sid-1", IDToken: "raw.id.token", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := store.Sessions().Create(ctx, sess, "hash-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	found, err := store.Sessions().FindByTokenHash(ctx, "hash-1")
	if err != nil || found == nil {
		t.Fatalf("FindByTokenHash = %v, %v", found, err)
	}
	if found.SID != "sid-1" || found.IDToken != "raw.id.token" || found.UserID != user.ID {
		t.Errorf("unexpected session: %+v", found)
	}

	n, err := store.Sessions().DeleteBySID(ctx, "sid-1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteBySID = %d, %v; want 1, nil", n, err)
	}
	n, err = store.Sessions().DeleteBySID(ctx, "sid-1")
	if err != nil || n != 0 {
		t.Fatalf("second DeleteBySID = %d, %v; want 0, nil", n, err)
	}
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "reaper@example.com")

	now := time.Now()
	expired := &model.Session{UserID: user.ID, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour)}
	live := &model.Session{UserID: user.ID, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	store.Sessions().Create(ctx, expired, "hash-expired")
	store.Sessions().Create(ctx, live, "hash-live")

	n, err := store.Sessions().DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if s, _ := store.Sessions().FindByTokenHash(ctx, "hash-live"); s == nil {
		t.Error("live session should remain")
	}
}

func TestPostgresStore_AssociationApplyAndPrincipal(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "bob@example.com")

	roles, err := store.Roles().EnsureNames(ctx, []string{"admin", "user", "admin"})
	if err != nil || len(roles) != 2 {
		t.Fatalf("EnsureNames(roles) = %v, %v", roles, err)
	}
	perms, _ := store.Permissions().EnsureNames(ctx, []string{"manage"})
	groups, _ := store.Groups().EnsureNames(ctx, []string{"ops"})

	var adminID, userRoleID string
	for _, r := range roles {
		if r.Name == "admin" {
			adminID = r.ID
		} else {
			userRoleID = r.ID
		}
	}

	if err := store.RolePermissions().Apply(ctx, adminID, nil, []string{perms[0].ID}); err != nil {
		t.Fatalf("RolePermissions.Apply failed: %v", err)
	}
	if err := store.UserRoles().Apply(ctx, user.ID, nil, []string{userRoleID}); err != nil {
		t.Fatalf("UserRoles.Apply failed: %v", err)
	}
	if err := store.UserGroups().Apply(ctx, user.ID, nil, []string{groups[0].ID}); err != nil {
		t.Fatalf("UserGroups.Apply failed: %v", err)
	}
	if err := store.GroupRoles().Apply(ctx, groups[0].ID, nil, []string{adminID}); err != nil {
		t.Fatalf("GroupRoles.Apply failed: %v", err)
	}

	p, err := store.Principals().LoadPrincipal(ctx, user.ID)
	if err != nil || p == nil {
		t.Fatalf("LoadPrincipal = %v, %v", p, err)
	}
	if !p.HasRole("admin") || !p.HasRole("user") {
		t.Errorf("roles = %v, want admin and user", p.Roles)
	}
	if !p.HasPermission("manage") {
		t.Errorf("permissions = %v, want manage via group role", p.Permissions)
	}
	if len(p.Groups) != 1 || p.Groups[0] != "ops" {
		t.Errorf("groups = %v, want [ops]", p.Groups)
	}

	if err := store.UserRoles().Apply(ctx, user.ID, []string{userRoleID}, nil); err != nil {
		t.Fatalf("UserRoles.Apply(remove) failed: %v", err)
	}
	current, _ := store.UserRoles().Current(ctx, user.ID)
	if len(current) != 0 {
		t.Errorf("current roles = %v, want none", current)
	}
}

func TestPostgresStore_WithinTx_RollsBackOnError(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, s Store) error {
		createUser(t, s, "rollback@example.com")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	u, err := store.Users().FindByEmail(ctx, "rollback@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if u != nil {
		t.Error("user should not exist after rollback")
	}
}

// 同じ行を読み書きする並行トランザクションが直列化失敗を再試行で解消することを検証する。
func TestPostgresStore_WithinTx_ConcurrentWritesConverge(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	user := createUser(t, store, "race@example.com")
	store.Roles().EnsureNames(ctx, []string{"admin"})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.WithinTx(ctx, func(ctx context.Context, s Store) error {
				current, err := s.UserRoles().Current(ctx, user.ID)
				if err != nil {
					return err
				}
				if len(current) > 0 {
					return nil
				}
				roles, err := s.Roles().FindByNames(ctx, []string{"admin"})
				if err != nil {
					return err
				}
				return s.UserRoles().Apply(ctx, user.ID, nil, []string{roles[0].ID})
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, model.ErrPersistence) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	current, _ := store.UserRoles().Current(ctx, user.ID)
	if len(current) != 1 {
		t.Errorf("current roles = %v, want exactly one", current)
	}
}
