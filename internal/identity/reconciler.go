// Package identity はIdPのアイデンティティとローカルユーザーの紐付け、
// およびロール・グループの同期を提供する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/idgate/internal/model"
	"github.com/hitoshi/idgate/internal/repository"
)

// Config はReconcilerの設定。
type Config struct {
	// LinkByEmail がtrueの場合、未知の(issuer, subject)をメールアドレスが一致する既存ユーザーに紐付ける。
	LinkByEmail bool
}

// Result は1回の同期の結果。
type Result struct {
	UserID  string
	Created bool // ユーザーを新規作成した
	Linked  bool // 既存ユーザーにアカウントを追加した
	Roles   Diff
	Groups  Diff
}

// Reconciler はログイン時のアイデンティティ同期を行う。
type Reconciler struct {
	tx     repository.Transactor
	config Config
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(tx repository.Transactor, config Config) *Reconciler {
	return &Reconciler{tx: tx, config: config}
}

// Reconcile はプロフィールからユーザーを特定または作成し、属性とロール・グループを同期する。
//
// 全体は1つのシリアライザブルトランザクションで実行され、直列化失敗時はトランザクションごと
// 再試行される。失敗時は部分的な書き込みを残さず、ErrPersistenceでラップしたエラーを返す。
// profile.Roles/Groupsがnilの次元は同期しない。
func (r *Reconciler) Reconcile(ctx context.Context, issuer, subject string, profile *model.Profile) (*Result, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: profile is required", model.ErrPolicyDenied)
	}

	var result *Result
	err := r.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		res, err := r.reconcile(ctx, s, issuer, subject, profile)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrPersistence) {
			err = fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		return nil, fmt.Errorf("reconcile identity: %w", err)
	}

	slog.DebugContext(ctx, "identity reconciled",
		slog.String("user_id", result.UserID),
		slog.Bool("created", result.Created),
		slog.Bool("linked", result.Linked),
		slog.Any("roles_added", result.Roles.Added),
		slog.Any("roles_removed", result.Roles.Removed),
		slog.Any("groups_added", result.Groups.Added),
		slog.Any("groups_removed", result.Groups.Removed),
	)
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, s repository.Store, issuer, subject string, p *model.Profile) (*Result, error) {
	res := &Result{}

	user, err := r.resolveUser(ctx, s, issuer, subject, p, res)
	if err != nil {
		return nil, err
	}
	res.UserID = user.ID

	if p.Roles != nil {
		if res.Roles, err = ReconcileByName(ctx, s.UserRoles(), user.ID, p.Roles, false); err != nil {
			return nil, fmt.Errorf("reconcile roles: %w", err)
		}
	}
	if p.Groups != nil {
		if res.Groups, err = ReconcileByName(ctx, s.UserGroups(), user.ID, p.Groups, true); err != nil {
			return nil, fmt.Errorf("reconcile groups: %w", err)
		}
	}
	return res, nil
}

// resolveUser は(issuer, subject)、メールアドレスの順にユーザーを特定し、
// 見つからない場合はユーザーとアカウントを作成する。既存ユーザーの属性はプロフィールで更新する。
func (r *Reconciler) resolveUser(ctx context.Context, s repository.Store, issuer, subject string, p *model.Profile, res *Result) (*model.User, error) {
	account, err := s.Accounts().FindByIssuerAndSubject(ctx, issuer, subject)
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}

	var user *model.User
	if account != nil {
		if user, err = s.Users().FindByID(ctx, account.UserID); err != nil {
			return nil, fmt.Errorf("find user: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("account %s references missing user %s: %w", account.ID, account.UserID, model.ErrNotFound)
		}
	}

	if user == nil && r.config.LinkByEmail && p.Email != "" {
		if user, err = s.Users().FindByEmail(ctx, p.Email); err != nil {
			return nil, fmt.Errorf("find user by email: %w", err)
		}
		res.Linked = user != nil
	}

	if user == nil {
		user = &model.User{Username: p.PreferredUsername, Fullname: p.Name, Email: p.Email}
		if err := s.Users().Create(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		res.Created = true
	} else {
		user.Username, user.Fullname, user.Email = p.PreferredUsername, p.Name, p.Email
		if err := s.Users().Update(ctx, user); err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
	}

	if account == nil {
		if err := s.Accounts().Create(ctx, &model.Account{UserID: user.ID, Issuer: issuer, Subject: subject}); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
	}
	return user, nil
}

// SetGroupRoles はグループのロールをnamesの集合に一致させる。存在しないロール名は無視する。
// グループが存在しない場合はErrNotFoundを返す。
func (r *Reconciler) SetGroupRoles(ctx context.Context, groupID string, names []string) (Diff, error) {
	var diff Diff
	err := r.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		group, err := s.Groups().FindByID(ctx, groupID)
		if err != nil {
			return fmt.Errorf("find group: %w", err)
		}
		if group == nil {
			return fmt.Errorf("group %s: %w", groupID, model.ErrNotFound)
		}
		diff, err = ReconcileByName(ctx, s.GroupRoles(), group.ID, names, false)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Diff{}, err
		}
		if !errors.Is(err, model.ErrPersistence) {
			err = fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		return Diff{}, fmt.Errorf("set group roles: %w", err)
	}
	return diff, nil
}

// SetRolePermissions はロールの権限をnamesの集合に一致させる。存在しない権限は作成する。
// ロールが存在しない場合は作成する。シードデータの投入に使う。
func (r *Reconciler) SetRolePermissions(ctx context.Context, role string, names []string) (Diff, error) {
	var diff Diff
	err := r.tx.WithinTx(ctx, func(ctx context.Context, s repository.Store) error {
		roles, err := s.Roles().EnsureNames(ctx, []string{role})
		if err != nil {
			return fmt.Errorf("ensure role: %w", err)
		}
		if len(roles) != 1 {
			return fmt.Errorf("ensure role %q returned %d rows", role, len(roles))
		}
		diff, err = ReconcileByName(ctx, s.RolePermissions(), roles[0].ID, names, true)
		return err
	})
	if err != nil {
		if !errors.Is(err, model.ErrPersistence) {
			err = fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		return Diff{}, fmt.Errorf("set role permissions: %w", err)
	}
	return diff, nil
}
