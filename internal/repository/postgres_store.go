package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/idgate/internal/model"
)

// 直列化失敗とデッドロックのSQLSTATE。どちらも再試行で解消し得る。
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// RetryPolicy はシリアライザブルトランザクションの再試行設定。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy は既定の再試行設定（最大5回、10ms起点の指数バックオフ、上限200ms）を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	}
}

// delay はattempt回目（1始まり）の失敗後の待機時間をジッター付きで返す。
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}

// IsRetryable はエラーが直列化失敗またはデッドロックかを判定する。
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	return code == sqlStateSerializationFailure || code == sqlStateDeadlockDetected
}

// Retry はopを実行し、isRetryableがtrueを返すエラーの間だけ再試行する。
// 試行回数を使い切った場合はErrPersistenceでラップした最後のエラーを返す。
func Retry(ctx context.Context, policy RetryPolicy, isRetryable func(error) bool, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		slog.DebugContext(ctx, "retrying serializable transaction",
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)

		timer := time.NewTimer(policy.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", model.ErrPersistence, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: transaction retries exhausted after %d attempts: %w", model.ErrPersistence, attempts, lastErr)
}

// PostgresStore はPostgreSQLを使用したStore/Transactorの実装。
// トランザクション外ではコネクションプールを、WithinTx内では*sql.Txを使う。
type PostgresStore struct {
	q      DBTX
	db     *sql.DB
	policy RetryPolicy
}

// NewPostgresStore はコネクションプール上のPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB, policy RetryPolicy) *PostgresStore {
	return &PostgresStore{q: db, db: db, policy: policy}
}

// WithinTx はシリアライザブル分離レベルのトランザクション内でfnを実行する。
// 直列化失敗・デッドロックはコミット時を含めて再試行する。
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if s.db == nil {
		return fmt.Errorf("%w: nested transactions are not supported", model.ErrPersistence)
	}
	return Retry(ctx, s.policy, IsRetryable, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("%w: failed to begin transaction: %w", model.ErrPersistence, err)
		}
		defer tx.Rollback()

		if err := fn(ctx, &PostgresStore{q: tx, policy: s.policy}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: failed to commit transaction: %w", model.ErrPersistence, err)
		}
		return nil
	})
}

// PingContext はSELECT 1でデータベースの疎通を確認する。
func (s *PostgresStore) PingContext(ctx context.Context) error {
	var one int
	if err := s.q.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database check failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Users() UserRepository { return NewPostgresUserRepo(s.q) }
func (s *PostgresStore) Accounts() AccountRepository { return NewPostgresAccountRepo(s.q) }
func (s *PostgresStore) Sessions() SessionRepository { return NewPostgresSessionRepo(s.q) }
func (s *PostgresStore) Roles() Catalog { return NewPostgresCatalog(s.q, tableRoles) }
func (s *PostgresStore) Groups() Catalog { return NewPostgresCatalog(s.q, tableGroups) }
func (s *PostgresStore) Permissions() Catalog { return NewPostgresCatalog(s.q, tablePermissions) }
func (s *PostgresStore) UserRoles() Association { return NewPostgresAssociation(s.q, UserRolesTable) }
func (s *PostgresStore) UserGroups() Association { return NewPostgresAssociation(s.q, UserGroupsTable) }
func (s *PostgresStore) GroupRoles() Association { return NewPostgresAssociation(s.q, GroupRolesTable) }
func (s *PostgresStore) RolePermissions() Association { return NewPostgresAssociation(s.q, RolePermissionsTable) }
func (s *PostgresStore) Principals() PrincipalRepository { return NewPostgresPrincipalRepo(s.q) }

// compile-time interface check
var (
	_ Store      = (*PostgresStore)(nil)
	_ Transactor = (*PostgresStore)(nil)
)
