package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizmaster/internal/export"
	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/seed"
	"github.com/pavelanni/quizmaster/internal/store"
)

const minPasswordLength = 6

// writeTestError answers 400 with the localized validation message when err
// is a test validation error, and reports whether it did.
func writeTestError(w http.ResponseWriter, r *http.Request, err error) bool {
	var verr *model.TestValidationError
	if !errors.As(err, &verr) {
		return false
	}
	msg := appI18n.Td(r.Context(), verr.MessageID, map[string]any{"N": verr.Question})
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
	return true
}

func (h *Handler) handleAdminListTests(w http.ResponseWriter, r *http.Request) {
	h.handleListTests(w, r)
}

func (h *Handler) handleAdminGetTest(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "testID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	t, err := h.store.GetTest(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrTestNotFound")
		return
	}
	if err != nil {
		serverError(w, r, "failed to get test", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func decodeTest(w http.ResponseWriter, r *http.Request) (model.Test, bool) {
	var t model.Test
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return t, false
	}
	t.Title = strings.TrimSpace(t.Title)
	if err := t.Validate(); err != nil {
		writeTestError(w, r, err)
		return t, false
	}
	return t, true
}

func (h *Handler) handleAdminCreateTest(w http.ResponseWriter, r *http.Request) {
	t, ok := decodeTest(w, r)
	if !ok {
		return
	}
	admin := model.AdminFromContext(r.Context())
	t.CreatedByID = &admin.UserID

	id, err := h.store.CreateTest(t)
	if err != nil {
		serverError(w, r, "failed to create test", err)
		return
	}
	created, err := h.store.GetTest(id)
	if err != nil {
		serverError(w, r, "failed to load created test", err)
		return
	}
	slog.Info("created test", "id", id, "title", t.Title, "questions", len(t.Questions), "admin", admin.Email)
	writeJSON(w, http.StatusCreated, created)
}

// handleAdminUpdateTest replaces a test's content. Questions and options
// keep their identity when the request carries their ids.
func (h *Handler) handleAdminUpdateTest(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "testID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	t, ok := decodeTest(w, r)
	if !ok {
		return
	}
	t.ID = id

	err := h.store.UpdateTest(t)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrTestNotFound")
		return
	}
	if err != nil {
		serverError(w, r, "failed to update test", err)
		return
	}
	updated, err := h.store.GetTest(id)
	if err != nil {
		serverError(w, r, "failed to load updated test", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleAdminDeleteTest(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "testID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	err := h.store.DeleteTest(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrTestNotFound")
		return
	}
	if err != nil {
		serverError(w, r, "failed to delete test", err)
		return
	}
	writeMessage(w, r, "MsgDeleted")
}

type importResponse struct {
	Imported  int  `json:"imported"`
	Duplicate bool `json:"duplicate"`
}

// handleAdminImportTests creates tests from an uploaded YAML or JSON file.
// Uploading the same content under the same name again imports nothing.
func (h *Handler) handleAdminImportTests(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		serverError(w, r, "failed to read upload", err)
		return
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])
	key := "upload:" + header.Filename

	storedHash, err := h.store.GetImportedFileHash(key)
	if err != nil {
		serverError(w, r, "failed to check import status", err)
		return
	}
	if storedHash == hash {
		writeJSON(w, http.StatusOK, importResponse{Duplicate: true})
		return
	}

	tests, err := seed.ParseTests(data)
	if err != nil {
		if !writeTestError(w, r, err) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}

	admin := model.AdminFromContext(r.Context())
	for i := range tests {
		tests[i].CreatedByID = &admin.UserID
		if _, err := h.store.CreateTest(tests[i]); err != nil {
			serverError(w, r, "failed to create imported test", fmt.Errorf("%s: %w", tests[i].Title, err))
			return
		}
	}
	if err := h.store.SetImportedFileHash(key, hash); err != nil {
		slog.Error("failed to record import", "error", err)
	}

	slog.Info("uploaded tests via admin", "filename", header.Filename, "count", len(tests))
	writeJSON(w, http.StatusCreated, importResponse{Imported: len(tests)})
}

func (h *Handler) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		serverError(w, r, "failed to list users", err)
		return
	}
	if users == nil {
		users = []store.UserListItem{}
	}
	writeJSON(w, http.StatusOK, users)
}

type adminUserRequest struct {
	FullName string `json:"fullName" validate:"required"`
}

func (h *Handler) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "userID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	var req adminUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.FullName = strings.TrimSpace(req.FullName)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrFullNameRequired")
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil {
		serverError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, r, http.StatusNotFound, "ErrUserNotFound")
		return
	}
	user.FullName = req.FullName
	if err := h.store.UpdateUser(*user); err != nil {
		serverError(w, r, "failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: user})
}

func (h *Handler) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "userID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil {
		serverError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, r, http.StatusNotFound, "ErrUserNotFound")
		return
	}
	if user.IsAdmin() {
		writeError(w, r, http.StatusBadRequest, "ErrCannotDeleteAdmin")
		return
	}
	if err := h.store.DeleteUser(id); err != nil {
		serverError(w, r, "failed to delete user", err)
		return
	}
	writeMessage(w, r, "MsgDeleted")
}

func (h *Handler) handleAdminListResults(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListSessions()
	if err != nil {
		serverError(w, r, "failed to list results", err)
		return
	}
	if rows == nil {
		rows = []model.ResultRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleAdminGetResult(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleAdminDeleteResult(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "sessionID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidID")
		return
	}
	err := h.store.DeleteSession(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "ErrResultNotFound")
		return
	}
	if err != nil {
		serverError(w, r, "failed to delete result", err)
		return
	}
	writeMessage(w, r, "MsgDeleted")
}

// handleAdminExportResults downloads every session as a spreadsheet, or as
// JSON with format=json.
func (h *Handler) handleAdminExportResults(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}
	if format != "xlsx" && format != "json" {
		writeError(w, r, http.StatusBadRequest, "ErrExportFormat")
		return
	}

	rows, err := h.store.ExportResults()
	if err != nil {
		serverError(w, r, "failed to export results", err)
		return
	}

	now := h.now()
	filename := fmt.Sprintf("results-%s.%s", now.Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		err = export.WriteJSON(w, rows, now)
	default:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		err = export.WriteXLSX(w, rows)
	}
	if err != nil {
		slog.Error("failed to write export", "format", format, "error", err)
		return
	}
	slog.Info("exported results", "format", format, "count", len(rows))
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		serverError(w, r, "failed to collect stats", err)
		return
	}
	if stats.RecentSessions == nil {
		stats.RecentSessions = []model.RecentSession{}
	}
	writeJSON(w, http.StatusOK, stats)
}

type credentialsUpdateRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewLogin        string `json:"newLogin" validate:"omitempty,email"`
	NewPassword     string `json:"newPassword"`
}

type credentialsUpdateResponse struct {
	Message      string `json:"message"`
	UpdatedLogin string `json:"updatedLogin"`
}

// handleUpdateCredentials changes the admin login and/or password after
// checking the current password.
func (h *Handler) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.NewLogin = strings.TrimSpace(req.NewLogin)
	if req.CurrentPassword == "" {
		writeError(w, r, http.StatusBadRequest, "ErrCurrentPasswordRequired")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidEmail")
		return
	}
	if req.NewPassword != "" && len(req.NewPassword) < minPasswordLength {
		writeError(w, r, http.StatusBadRequest, "ErrPasswordTooShort")
		return
	}

	cred, err := h.store.GetAdminCredential()
	if err != nil {
		serverError(w, r, "failed to get admin credential", err)
		return
	}
	if cred == nil {
		writeError(w, r, http.StatusNotFound, "ErrAdminNotConfigured")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.CurrentPassword)) != nil {
		writeError(w, r, http.StatusUnauthorized, "ErrCurrentPasswordWrong")
		return
	}

	login, hash := cred.Login, cred.PasswordHash
	if req.NewLogin != "" {
		login = req.NewLogin
	}
	if req.NewPassword != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			serverError(w, r, "failed to hash password", err)
			return
		}
		hash = string(b)
	}
	err = h.store.SetAdminCredential(login, hash)
	if errors.Is(err, store.ErrLoginTaken) {
		writeError(w, r, http.StatusBadRequest, "ErrEmailTaken")
		return
	}
	if err != nil {
		serverError(w, r, "failed to update admin credential", err)
		return
	}

	slog.Info("admin credentials updated", "login", login, "login_changed", login != cred.Login)
	writeJSON(w, http.StatusOK, credentialsUpdateResponse{
		Message:      appI18n.T(r.Context(), "MsgCredentialsUpdated"),
		UpdatedLogin: login,
	})
}
