package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/idgate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// StatusFor はエラー分類に対応するHTTPステータスとレスポンスを返す。
// 分類できないエラーは500として扱う。
func StatusFor(err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, model.ErrIssuerMismatch):
		return http.StatusForbidden, model.NewPolicyDeniedError()
	case errors.Is(err, model.ErrProtocolViolation):
		return http.StatusBadRequest, model.NewProtocolViolationError()
	case errors.Is(err, model.ErrPolicyDenied):
		return http.StatusForbidden, model.NewPolicyDeniedError()
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, model.NewValidationError("request is invalid")
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized, model.NewUnauthenticatedError()
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, model.NewNotFoundError("resource", "")
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// WriteError はエラーを分類してレスポンスを書き込む。
// 5xxはエラー、4xxは警告としてログに記録する。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := StatusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	WriteErrorResponse(w, status, apiErr)
}
