package identity

import (
	"context"
	"fmt"
	"sort"

	"github.com/hitoshi/idgate/internal/model"
	"github.com/hitoshi/idgate/internal/repository"
)

// Diff は関連の同期で追加・削除されたターゲット名。
type Diff struct {
	Added   []string
	Removed []string
}

// Empty は変更がなかったかを返す。
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// ReconcileByName は所有者の関連をnamesの集合に一致させる。
//
// 現在の関連とnamesから解決したターゲットの差分を取り、current−targetだけを削除し、
// target−currentだけを追加する。差分がなければ書き込みを行わないため、同じ入力で
// 繰り返し実行しても結果は変わらない。createMissingがtrueの場合は存在しない名前の
// ターゲットを作成し、falseの場合は存在しない名前を無視する。
func ReconcileByName(ctx context.Context, assoc repository.Association, ownerID string, names []string, createMissing bool) (Diff, error) {
	current, err := assoc.Current(ctx, ownerID)
	if err != nil {
		return Diff{}, fmt.Errorf("load current associations: %w", err)
	}

	var target []model.NamedEntity
	if len(names) > 0 {
		if createMissing {
			target, err = assoc.Targets().EnsureNames(ctx, names)
		} else {
			target, err = assoc.Targets().FindByNames(ctx, names)
		}
		if err != nil {
			return Diff{}, fmt.Errorf("resolve targets: %w", err)
		}
	}

	currentIDs := make(map[string]struct{}, len(current))
	for _, e := range current {
		currentIDs[e.ID] = struct{}{}
	}
	targetIDs := make(map[string]struct{}, len(target))
	for _, e := range target {
		targetIDs[e.ID] = struct{}{}
	}

	var diff Diff
	var removeIDs, addIDs []string
	for _, e := range current {
		if _, ok := targetIDs[e.ID]; !ok {
			removeIDs = append(removeIDs, e.ID)
			diff.Removed = append(diff.Removed, e.Name)
		}
	}
	for _, e := range target {
		if _, ok := currentIDs[e.ID]; !ok {
			addIDs = append(addIDs, e.ID)
			diff.Added = append(diff.Added, e.Name)
		}
	}
	if diff.Empty() {
		return diff, nil
	}

	if err := assoc.Apply(ctx, ownerID, removeIDs, addIDs); err != nil {
		return Diff{}, fmt.Errorf("apply association changes: %w", err)
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff, nil
}
