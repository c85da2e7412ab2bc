// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証処理のエラー分類。各層はこれらを%wでラップして返し、
// ハンドラーはerrors.Isで分類してHTTPステータスに変換する。
var (
	// ErrProtocolViolation はstate不一致、コード交換失敗などのプロトコル違反。
	// リトライせず、ユーザーはフローをやり直す必要がある。
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrIssuerMismatch はIDトークンのissuerが設定値と一致しないことを示す。
	ErrIssuerMismatch = fmt.Errorf("%w: issuer mismatch", ErrProtocolViolation)

	// ErrPolicyDenied は許可条件を満たさない、またはプロフィールが不完全なことを示す。
	ErrPolicyDenied = errors.New("policy denied")

	// ErrPersistence は永続化層の失敗（リトライ上限到達を含む）。
	ErrPersistence = errors.New("persistence failure")

	// ErrValidation は不正な入力（バックチャネルログアウトトークン、クエリ等）。
	ErrValidation = errors.New("validation failure")

	// ErrUnauthenticated は有効なセッションが存在しないことを示す。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound は対象エンティティが存在しないことを示す。
	ErrNotFound = errors.New("not found")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeProtocolViolation = "PROTOCOL_VIOLATION"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeUnauthenticated   = "UNAUTHENTICATED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewProtocolViolationError はログインフローのプロトコル違反エラーを生成する。
func NewProtocolViolationError() *APIError {
	return &APIError{
		Code:     ErrCodeProtocolViolation,
		Message:  "認証リクエストが不正です。",
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
	}
}

// NewPolicyDeniedError は認可ポリシーによる拒否エラーを生成する。
func NewPolicyDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodePolicyDenied,
		Message:  "このアカウントではログインできません。",
		Category: "auth",
		Action:   "管理者にアクセス権限を確認してください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(permission string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作には権限 %s が必要です。", permission),
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewNotFoundError は対象未検出エラーを生成する。
func NewNotFoundError(kind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定された%sが見つかりません: %s", kind, id),
		Category: "validation",
		Action:   "IDを確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
