package handler

import (
	"net/http"

	"github.com/hitoshi/idgate/internal/middleware"
	"github.com/hitoshi/idgate/internal/model"
)

// meResponse はGET /api/meのレスポンス。
type meResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Fullname    string   `json:"fullname"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Groups      []string `json:"groups"`
	Permissions []string `json:"permissions"`
}

// Me は現在のセッションのユーザーと実効的な認可情報を返す。
// GET /api/me
func Me(w http.ResponseWriter, r *http.Request) {
	as, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	p := as.Principal
	writeJSON(w, http.StatusOK, meResponse{
		ID:          p.User.ID,
		Username:    p.User.Username,
		Fullname:    p.User.Fullname,
		Email:       p.User.Email,
		Roles:       nonNil(p.Roles),
		Groups:      nonNil(p.Groups),
		Permissions: nonNil(p.Permissions),
	})
}

// nonNil はJSONでnullではなく[]を返すためにnilを空スライスに変換する。
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
