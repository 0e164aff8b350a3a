// ABOUTME: Admin-only user administration handlers
// ABOUTME: Admins cannot change their own role or delete their own account

package api

import (
	"errors"
	"net/http"

	"github.com/2389/creative-auth/internal/auth"
	"github.com/2389/creative-auth/internal/store"
)

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		a.internalError(w, r, "list users", err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type createUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	creds := credentialsRequest{Username: req.Username, Password: req.Password}
	if !creds.complete() {
		a.writeError(w, http.StatusBadRequest, msgCredentialsRequired)
		return
	}

	role := store.RoleUser
	if req.Role != "" {
		parsed, err := store.ParseRole(req.Role)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, msgInvalidRole)
			return
		}
		role = parsed
	}

	user, err := a.createUser(r, req.Username, req.Password, req.DisplayName, role)
	if msg, ok := validationMessage(err); ok {
		a.writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err != nil {
		a.internalError(w, r, "create user", err)
		return
	}

	a.logger.Info("user created by admin",
		"actor_id", auth.MustFromContext(r.Context()).UserID(),
		"user_id", user.ID,
		"role", user.Role,
	)
	a.writeJSON(w, http.StatusOK, toUserResponse(user))
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context()).User
	id := r.PathValue("id")

	if err := auth.CheckNotSelf(actor, id); err != nil {
		a.writeError(w, http.StatusBadRequest, msgOwnRole)
		return
	}

	var req updateRoleRequest
	if !a.decodeJSON(w, r, &req, false) {
		return
	}
	role, err := store.ParseRole(req.Role)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, msgInvalidRole)
		return
	}

	ctx := r.Context()
	err = a.store.UpdateUserRole(ctx, id, role)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, msgUserNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, "update role", err)
		return
	}

	user, err := a.store.GetUserByID(ctx, id)
	if err != nil {
		a.internalError(w, r, "update role", err)
		return
	}

	a.logger.Info("user role changed", "actor_id", actor.ID, "user_id", id, "role", role)
	a.writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context()).User
	id := r.PathValue("id")

	if err := auth.CheckNotSelf(actor, id); err != nil {
		a.writeError(w, http.StatusBadRequest, msgOwnAccount)
		return
	}

	err := a.store.DeleteUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, msgUserNotFound)
		return
	}
	if err != nil {
		a.internalError(w, r, "delete user", err)
		return
	}

	a.logger.Info("user deleted", "actor_id", actor.ID, "user_id", id)
	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
