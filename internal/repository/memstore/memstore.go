// Package memstore はrepository.Store/Transactorのインメモリ実装を提供する。
// サービス層とハンドラー層のテストで、PostgreSQLなしに永続化の振る舞いを再現するために使う。
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/idgate/internal/model"
	"github.com/hitoshi/idgate/internal/repository"
)

type sessionRow struct {
	session   model.Session
	tokenHash string
}

type userRow struct {
	user model.User
	seq  int
}

type data struct {
	seq      int
	users    map[string]userRow
	accounts map[string]model.Account
	sessions map[string]sessionRow
	entities map[string]map[string]model.NamedEntity    // table -> id -> entity
	joins    map[string]map[string]map[string]struct{} // join table -> owner -> target
}

func newData() *data {
	d := &data{
		users:    map[string]userRow{},
		accounts: map[string]model.Account{},
		sessions: map[string]sessionRow{},
		entities: map[string]map[string]model.NamedEntity{},
		joins:    map[string]map[string]map[string]struct{}{},
	}
	for _, t := range []string{"roles", "groups", "permissions"} {
		d.entities[t] = map[string]model.NamedEntity{}
	}
	for _, j := range allJoins {
		d.joins[j.Table] = map[string]map[string]struct{}{}
	}
	return d
}

func (d *data) clone() *data {
	c := newData()
	c.seq = d.seq
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for t, m := range d.entities {
		for k, v := range m {
			c.entities[t][k] = v
		}
	}
	for t, owners := range d.joins {
		for owner, targets := range owners {
			set := make(map[string]struct{}, len(targets))
			for target := range targets {
				set[target] = struct{}{}
			}
			c.joins[t][owner] = set
		}
	}
	return c
}

var allJoins = []repository.JoinTable{
	repository.UserRolesTable,
	repository.UserGroupsTable,
	repository.GroupRolesTable,
	repository.RolePermissionsTable,
}

// Store はスレッドセーフなインメモリStore。
// WithinTxはストア全体をロックし、fnがエラーを返すとスナップショットへ巻き戻す。
type Store struct {
	mu       sync.Mutex
	d        *data
	failures map[string][]error
	calls    map[string]int
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{d: newData(), failures: map[string][]error{}, calls: map[string]int{}}
}

// FailNext は操作opの次回以降の呼び出しで順にerrsを返すよう設定する。
// opは"users.create"や"user_roles.apply"のような"<対象>.<操作>"形式。
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls は操作opが呼ばれた回数を返す。
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// WithinTx はストアをロックした状態でfnを実行する。
// fnがエラーを返した場合は開始時点の状態に戻す。PostgresStoreと同様に
// 直列化失敗・デッドロックのエラーはfnごと再試行する（待機なし）。
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st repository.Store) error) error {
	policy := repository.RetryPolicy{MaxAttempts: repository.DefaultRetryPolicy().MaxAttempts}
	return repository.Retry(ctx, policy, repository.IsRetryable, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		snapshot := s.d.clone()
		if err := fn(ctx, &view{s: s, locked: true}); err != nil {
			s.d = snapshot
			return err
		}
		return nil
	})
}

// PingContext は常に成功する。
func (s *Store) PingContext(ctx context.Context) error { return nil }

func (s *Store) root() *view { return &view{s: s} }

func (s *Store) Users() repository.UserRepository { return s.root().Users() }
func (s *Store) Accounts() repository.AccountRepository { return s.root().Accounts() }
func (s *Store) Sessions() repository.SessionRepository { return s.root().Sessions() }
func (s *Store) Roles() repository.Catalog { return s.root().Roles() }
func (s *Store) Groups() repository.Catalog { return s.root().Groups() }
func (s *Store) Permissions() repository.Catalog { return s.root().Permissions() }
func (s *Store) UserRoles() repository.Association { return s.root().UserRoles() }
func (s *Store) UserGroups() repository.Association { return s.root().UserGroups() }
func (s *Store) GroupRoles() repository.Association { return s.root().GroupRoles() }
func (s *Store) RolePermissions() repository.Association { return s.root().RolePermissions() }
func (s *Store) Principals() repository.PrincipalRepository { return s.root().Principals() }

// view はロック状態を伴うStoreの窓口。トランザクション内ではlockedがtrueになる。
type view struct {
	s      *Store
	locked bool
}

func (v *view) do(op string, fn func(d *data) error) error {
	if !v.locked {
		v.s.mu.Lock()
		defer v.s.mu.Unlock()
	}
	v.s.calls[op]++
	if errs := v.s.failures[op]; len(errs) > 0 {
		v.s.failures[op] = errs[1:]
		if errs[0] != nil {
			return errs[0]
		}
	}
	return fn(v.s.d)
}

func (v *view) Users() repository.UserRepository { return &users{v} }
func (v *view) Accounts() repository.AccountRepository { return &accounts{v} }
func (v *view) Sessions() repository.SessionRepository { return &sessions{v} }
func (v *view) Roles() repository.Catalog { return &catalog{v, "roles"} }
func (v *view) Groups() repository.Catalog { return &catalog{v, "groups"} }
func (v *view) Permissions() repository.Catalog { return &catalog{v, "permissions"} }
func (v *view) UserRoles() repository.Association {
	return &association{v, repository.UserRolesTable}
}
func (v *view) UserGroups() repository.Association {
	return &association{v, repository.UserGroupsTable}
}
func (v *view) GroupRoles() repository.Association {
	return &association{v, repository.GroupRolesTable}
}
func (v *view) RolePermissions() repository.Association {
	return &association{v, repository.RolePermissionsTable}
}
func (v *view) Principals() repository.PrincipalRepository { return &principals{v} }

func newID() string { return uuid.NewString() }

// users

type users struct{ v *view }

func (r *users) FindByID(ctx context.Context, id string) (*model.User, error) {
	var out *model.User
	err := r.v.do("users.find_by_id", func(d *data) error {
		if row, ok := d.users[id]; ok {
			u := row.user
			out = &u
		}
		return nil
	})
	return out, err
}

func (r *users) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var out *model.User
	err := r.v.do("users.find_by_email", func(d *data) error {
		best := -1
		for _, row := range d.users {
			if row.user.Email == email && (best < 0 || row.seq < best) {
				u := row.user
				out, best = &u, row.seq
			}
		}
		return nil
	})
	return out, err
}

func (r *users) Create(ctx context.Context, user *model.User) error {
	return r.v.do("users.create", func(d *data) error {
		if user.ID == "" {
			user.ID = newID()
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now()
		}
		user.UpdatedAt = user.CreatedAt
		d.seq++
		d.users[user.ID] = userRow{user: *user, seq: d.seq}
		return nil
	})
}

func (r *users) Update(ctx context.Context, user *model.User) error {
	return r.v.do("users.update", func(d *data) error {
		row, ok := d.users[user.ID]
		if !ok {
			return fmt.Errorf("user %s: %w", user.ID, model.ErrNotFound)
		}
		row.user.Username = user.Username
		row.user.Fullname = user.Fullname
		row.user.Email = user.Email
		row.user.UpdatedAt = time.Now()
		user.UpdatedAt = row.user.UpdatedAt
		d.users[user.ID] = row
		return nil
	})
}

// accounts

type accounts struct{ v *view }

func (r *accounts) FindByIssuerAndSubject(ctx context.Context, issuer, subject string) (*model.Account, error) {
	var out *model.Account
	err := r.v.do("accounts.find", func(d *data) error {
		for _, a := range d.accounts {
			if a.Issuer == issuer && a.Subject == subject {
				acc := a
				out = &acc
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *accounts) Create(ctx context.Context, account *model.Account) error {
	return r.v.do("accounts.create", func(d *data) error {
		for _, a := range d.accounts {
			if a.Issuer == account.Issuer && a.Subject == account.Subject {
				return fmt.Errorf("duplicate account (%s, %s)", account.Issuer, account.Subject)
			}
		}
		if account.ID == "" {
			account.ID = newID()
		}
		if account.CreatedAt.IsZero() {
			account.CreatedAt = time.Now()
		}
		d.accounts[account.ID] = *account
		return nil
	})
}

// sessions

type sessions struct{ v *view }

func (r *sessions) Create(ctx context.Context, session *model.Session, tokenHash string) error {
	return r.v.do("sessions.create", func(d *data) error {
		for _, row := range d.sessions {
			if row.tokenHash == tokenHash {
				return fmt.Errorf("duplicate session token hash")
			}
		}
		if session.ID == "" {
			session.ID = newID()
		}
		stored := *session
		stored.Token = ""
		d.sessions[session.ID] = sessionRow{session: stored, tokenHash: tokenHash}
		return nil
	})
}

func (r *sessions) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	var out *model.Session
	err := r.v.do("sessions.find", func(d *data) error {
		for _, row := range d.sessions {
			if row.tokenHash == tokenHash {
				s := row.session
				out = &s
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *sessions) UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error {
	return r.v.do("sessions.update_expires_at", func(d *data) error {
		if row, ok := d.sessions[id]; ok {
			row.session.ExpiresAt = expiresAt
			d.sessions[id] = row
		}
		return nil
	})
}

func (r *sessions) DeleteByID(ctx context.Context, id string) error {
	return r.v.do("sessions.delete_by_id", func(d *data) error {
		delete(d.sessions, id)
		return nil
	})
}

func (r *sessions) deleteWhere(op string, match func(sessionRow) bool) (int64, error) {
	var n int64
	err := r.v.do(op, func(d *data) error {
		for id, row := range d.sessions {
			if match(row) {
				delete(d.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *sessions) DeleteByTokenHash(ctx context.Context, tokenHash string) (int64, error) {
	return r.deleteWhere("sessions.delete_by_token_hash", func(row sessionRow) bool { return row.tokenHash == tokenHash })
}

func (r *sessions) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	return r.deleteWhere("sessions.delete_by_user_id", func(row sessionRow) bool { return row.session.UserID == userID })
}

func (r *sessions) DeleteBySID(ctx context.Context, sid string) (int64, error) {
	return r.deleteWhere("sessions.delete_by_sid", func(row sessionRow) bool { return sid != "" && row.session.SID == sid })
}

func (r *sessions) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return r.deleteWhere("sessions.delete_expired", func(row sessionRow) bool { return !row.session.ExpiresAt.After(before) })
}

// catalog

type catalog struct {
	v     *view
	table string
}

func (c *catalog) FindByID(ctx context.Context, id string) (*model.NamedEntity, error) {
	var out *model.NamedEntity
	err := c.v.do(c.table+".find_by_id", func(d *data) error {
		if e, ok := d.entities[c.table][id]; ok {
			out = &e
		}
		return nil
	})
	return out, err
}

func (c *catalog) FindByNames(ctx context.Context, names []string) ([]model.NamedEntity, error) {
	var out []model.NamedEntity
	err := c.v.do(c.table+".find_by_names", func(d *data) error {
		out = findByNames(d.entities[c.table], names)
		return nil
	})
	return out, err
}

func (c *catalog) EnsureNames(ctx context.Context, names []string) ([]model.NamedEntity, error) {
	var out []model.NamedEntity
	err := c.v.do(c.table+".ensure_names", func(d *data) error {
		existing := d.entities[c.table]
		for _, name := range names {
			if name == "" || len(findByNames(existing, []string{name})) > 0 {
				continue
			}
			id := newID()
			existing[id] = model.NamedEntity{ID: id, Name: name}
		}
		out = findByNames(existing, names)
		return nil
	})
	return out, err
}

func findByNames(m map[string]model.NamedEntity, names []string) []model.NamedEntity {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []model.NamedEntity
	for _, e := range m {
		if _, ok := want[e.Name]; ok {
			out = append(out, e)
		}
	}
	sortEntities(out)
	return out
}

func sortEntities(es []model.NamedEntity) {
	sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
}

// association

type association struct {
	v    *view
	join repository.JoinTable
}

func (a *association) Current(ctx context.Context, ownerID string) ([]model.NamedEntity, error) {
	var out []model.NamedEntity
	err := a.v.do(a.join.Table+".current", func(d *data) error {
		for target := range d.joins[a.join.Table][ownerID] {
			if e, ok := d.entities[a.join.TargetTable][target]; ok {
				out = append(out, e)
			}
		}
		sortEntities(out)
		return nil
	})
	return out, err
}

func (a *association) Targets() repository.Catalog {
	return &catalog{a.v, a.join.TargetTable}
}

func (a *association) Apply(ctx context.Context, ownerID string, removeIDs, addIDs []string) error {
	return a.v.do(a.join.Table+".apply", func(d *data) error {
		set := d.joins[a.join.Table][ownerID]
		if set == nil {
			set = map[string]struct{}{}
			d.joins[a.join.Table][ownerID] = set
		}
		for _, id := range removeIDs {
			delete(set, id)
		}
		for _, id := range addIDs {
			if _, dup := set[id]; dup {
				return fmt.Errorf("duplicate key in %s", a.join.Table)
			}
			set[id] = struct{}{}
		}
		return nil
	})
}

// principals

type principals struct{ v *view }

func (r *principals) LoadPrincipal(ctx context.Context, userID string) (*model.Principal, error) {
	var out *model.Principal
	err := r.v.do("principals.load", func(d *data) error {
		row, ok := d.users[userID]
		if !ok {
			return nil
		}
		roleIDs := map[string]struct{}{}
		for id := range d.joins["user_roles"][userID] {
			roleIDs[id] = struct{}{}
		}
		groups := []string{}
		for gid := range d.joins["user_groups"][userID] {
			groups = append(groups, d.entities["groups"][gid].Name)
			for rid := range d.joins["group_roles"][gid] {
				roleIDs[rid] = struct{}{}
			}
		}
		roles := []string{}
		perms := map[string]struct{}{}
		for rid := range roleIDs {
			roles = append(roles, d.entities["roles"][rid].Name)
			for pid := range d.joins["role_permissions"][rid] {
				perms[d.entities["permissions"][pid].Name] = struct{}{}
			}
		}
		permissions := []string{}
		for p := range perms {
			permissions = append(permissions, p)
		}
		sort.Strings(roles)
		sort.Strings(groups)
		sort.Strings(permissions)
		out = &model.Principal{User: row.user, Roles: roles, Groups: groups, Permissions: permissions}
		return nil
	})
	return out, err
}

// compile-time interface check
var (
	_ repository.Store      = (*Store)(nil)
	_ repository.Transactor = (*Store)(nil)
)
