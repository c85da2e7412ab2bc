package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/idgate/internal/model"
)

// 認可エンティティのテーブル名。SQLに埋め込むため固定値のみを使う。
const (
	tableRoles       = "roles"
	tableGroups      = "groups"
	tablePermissions = "permissions"
)

// PostgresCatalog は名前で一意なエンティティテーブルのリポジトリ。
// roles, groups, permissionsで共通の実装を使う。
type PostgresCatalog struct {
	db    DBTX
	table string
}

// NewPostgresCatalog は指定テーブルのCatalogを生成する。
func NewPostgresCatalog(db DBTX, table string) *PostgresCatalog {
	return &PostgresCatalog{db: db, table: table}
}

// FindByID は指定IDのエンティティを取得する。IDがUUID形式でない場合も見つからない扱いとする。
func (c *PostgresCatalog) FindByID(ctx context.Context, id string) (*model.NamedEntity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	e := &model.NamedEntity{}
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name FROM `+c.table+` WHERE id = $1`, id,
	).Scan(&e.ID, &e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by ID: %w", c.table, err)
	}
	return e, nil
}

// FindByNames は名前が一致する既存エンティティを名前順で返す。
func (c *PostgresCatalog) FindByNames(ctx context.Context, names []string) ([]model.NamedEntity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name FROM `+c.table+` WHERE name = ANY($1) ORDER BY name`,
		pq.Array(names),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by names: %w", c.table, err)
	}
	return scanNamedEntities(rows)
}

// EnsureNames は存在しない名前のエンティティを作成し、全名前分のエンティティを返す。
// 同名の重複は1件にまとめる。
func (c *PostgresCatalog) EnsureNames(ctx context.Context, names []string) ([]model.NamedEntity, error) {
	unique := uniqueNames(names)
	if len(unique) == 0 {
		return nil, nil
	}

	for _, name := range unique {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s ID: %w", c.table, err)
		}
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO `+c.table+` (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			id.String(), name,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s %q: %w", c.table, name, err)
		}
	}
	return c.FindByNames(ctx, unique)
}

func scanNamedEntities(rows *sql.Rows) ([]model.NamedEntity, error) {
	defer rows.Close()

	var entities []model.NamedEntity
	for rows.Next() {
		var e model.NamedEntity
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return entities, nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// compile-time interface check
var _ Catalog = (*PostgresCatalog)(nil)
