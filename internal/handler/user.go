package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/store"
)

// handleListUserResults lists the signed-in user's sessions. A userId query
// parameter, when given, must name that same user.
func (h *Handler) handleListUserResults(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if q := r.URL.Query().Get("userId"); q != "" {
		id, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
			return
		}
		if id != user.ID {
			writeError(w, r, http.StatusForbidden, "ErrForbidden")
			return
		}
	}

	sessions, err := h.store.ListSessionsForUser(user.ID)
	if err != nil {
		serverError(w, r, "failed to list results", err)
		return
	}
	if sessions == nil {
		sessions = []model.TestSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetUserResult shows one of the signed-in user's sessions. Sessions
// of other users are reported as missing.
func (h *Handler) handleGetUserResult(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "sessionID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	detail, err := h.store.GetSessionDetail(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrResultNotFound")
		return
	}
	if err != nil {
		serverError(w, r, "failed to get result", err)
		return
	}
	if detail.Session.UserID != model.UserFromContext(r.Context()).ID {
		writeError(w, r, http.StatusNotFound, "ErrResultNotFound")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type profileRequest struct {
	FullName        string `json:"fullName"`
	Email           string `json:"email" validate:"omitempty,email"`
	RoleID          int64  `json:"roleId" validate:"gte=0"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// handleUpdateProfile changes the signed-in user's profile. Empty fields are
// left as they are; a new password needs the current one.
func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidEmail")
		return
	}

	user := *model.UserFromContext(r.Context())

	if req.Email != "" && req.Email != user.Email {
		existing, err := h.store.GetUserByEmail(req.Email)
		if err != nil {
			serverError(w, r, "failed to look up user", err)
			return
		}
		if existing != nil {
			writeError(w, r, http.StatusBadRequest, "ErrEmailTaken")
			return
		}
		user.Email = req.Email
	}

	if req.RoleID != 0 && req.RoleID != user.RoleID {
		role, err := h.store.GetRole(req.RoleID)
		if errors.Is(err, store.ErrNotFound) || role.Name == model.RoleAdmin {
			writeError(w, r, http.StatusBadRequest, "ErrRoleNotFound")
			return
		}
		if err != nil {
			serverError(w, r, "failed to get role", err)
			return
		}
		user.RoleID = role.ID
	}

	if req.NewPassword != "" {
		if req.CurrentPassword == "" {
			writeError(w, r, http.StatusBadRequest, "ErrCurrentPasswordRequired")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)) != nil {
			writeError(w, r, http.StatusBadRequest, "ErrCurrentPasswordWrong")
			return
		}
		if len(req.NewPassword) < minPasswordLength {
			writeError(w, r, http.StatusBadRequest, "ErrPasswordTooShort")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			serverError(w, r, "failed to hash password", err)
			return
		}
		user.PasswordHash = string(hash)
	}

	if req.FullName != "" {
		user.FullName = req.FullName
	}

	if err := h.store.UpdateUser(user); err != nil {
		serverError(w, r, "failed to update profile", err)
		return
	}
	updated, err := h.store.GetUserByID(user.ID)
	if err != nil || updated == nil {
		serverError(w, r, "failed to reload profile", err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Message: appI18n.T(r.Context(), "MsgProfileUpdated"), User: updated})
}
