package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/idgate/internal/identity"
	"github.com/hitoshi/idgate/internal/middleware"
	"github.com/hitoshi/idgate/internal/model"
)

// GroupRoleSetter はグループのロールを名前の集合に一致させる。identity.Reconcilerが実装する。
type GroupRoleSetter interface {
	SetGroupRoles(ctx context.Context, groupID string, roleNames []string) (identity.Diff, error)
}

// GroupHandler はグループ管理のHTTPハンドラー。
type GroupHandler struct {
	roles GroupRoleSetter
}

// NewGroupHandler はGroupHandlerを生成する。
func NewGroupHandler(roles GroupRoleSetter) *GroupHandler {
	return &GroupHandler{roles: roles}
}

type setGroupRolesRequest struct {
	Roles *[]string `json:"roles"`
}

type setGroupRolesResponse struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// SetRoles はグループのロールを置き換える。存在しないロール名は無視する。
// PUT /api/groups/{id}/roles  {"roles": ["admin", ...]}
func (h *GroupHandler) SetRoles(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req setGroupRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Roles == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(`"roles" must be an array of role names`))
		return
	}

	diff, err := h.roles.SetGroupRoles(r.Context(), groupID, *req.Roles)
	if errors.Is(err, model.ErrNotFound) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("グループ", groupID))
		return
	}
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, setGroupRolesResponse{
		Added:   nonNil(diff.Added),
		Removed: nonNil(diff.Removed),
	})
}
