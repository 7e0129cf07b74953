package handler

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizmaster/internal/auth"
	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/store"
)

const (
	sessionCookieName = "session"
	adminCookieName   = "admin_token"
)

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
	} else {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}

// requireUser is middleware that checks for a valid session cookie.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		authSess, err := h.store.GetAuthSession(cookie.Value)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}
		if authSess == nil {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		user, err := h.store.GetUserByID(authSess.UserID)
		if err != nil || user == nil {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin is middleware that checks for an admin token in the admin
// cookie or an Authorization bearer header. The token's user must still
// exist and hold the admin role.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if cookie, err := r.Cookie(adminCookieName); err == nil {
				token = cookie.Value
			}
		}
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		admin, err := h.tokens.Parse(token)
		if err != nil {
			slog.Debug("rejected admin token", "error", err)
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}
		user, err := h.store.GetUserByID(admin.UserID)
		if err != nil || !user.IsAdmin() {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithAdmin(r.Context(), admin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type userResponse struct {
	Message string      `json:"message,omitempty"`
	User    *model.User `json:"user"`
}

type signupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	FullName string `json:"fullName" validate:"required"`
	RoleID   int64  `json:"roleId" validate:"required,gt=0"`
	Password string `json:"password" validate:"required,min=6"`
}

// signupErrorID maps a validation failure to its message. Missing fields
// are reported before malformed ones.
func signupErrorID(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "ErrSignupFields"
	}
	id := ""
	for _, fe := range verrs {
		switch {
		case fe.Tag() == "required":
			return "ErrSignupFields"
		case fe.Field() == "Email" && id == "":
			id = "ErrInvalidEmail"
		case fe.Field() == "Password" && id == "":
			id = "ErrPasswordTooShort"
		case id == "":
			id = "ErrSignupFields"
		}
	}
	return id
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, signupErrorID(err))
		return
	}

	existing, err := h.store.GetUserByEmail(req.Email)
	if err != nil {
		serverError(w, r, "failed to look up user", err)
		return
	}
	if existing != nil {
		writeError(w, r, http.StatusBadRequest, "ErrEmailTaken")
		return
	}

	role, err := h.store.GetRole(req.RoleID)
	if errors.Is(err, store.ErrNotFound) || role.Name == model.RoleAdmin {
		writeError(w, r, http.StatusBadRequest, "ErrRoleNotFound")
		return
	}
	if err != nil {
		serverError(w, r, "failed to get role", err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		serverError(w, r, "failed to hash password", err)
		return
	}
	id, err := h.store.CreateUser(model.User{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(hash),
		RoleID:       role.ID,
	})
	if err != nil {
		serverError(w, r, "failed to create user", err)
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		serverError(w, r, "failed to load new user", err)
		return
	}

	if !h.startSession(w, r, user) {
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{User: user})
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrCredentialsRequired")
		return
	}

	user, err := h.store.GetUserByEmail(req.Email)
	if err != nil {
		serverError(w, r, "failed to get user", err)
		return
	}
	if user == nil || user.PasswordHash == "" {
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}

	if !h.startSession(w, r, user) {
		return
	}
	slog.Info("user signed in", "id", user.ID, "email", user.Email)
	writeJSON(w, http.StatusOK, userResponse{User: user})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user *model.User) bool {
	token, err := h.store.CreateAuthSession(user.ID)
	if err != nil {
		serverError(w, r, "failed to create auth session", err)
		return false
	}
	h.setCookie(w, sessionCookieName, token, store.AuthSessionTTL)
	return true
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(cookie.Value); err != nil {
			slog.Error("failed to delete auth session", "error", err)
		}
	}
	h.setCookie(w, sessionCookieName, "", 0)
	writeMessage(w, r, "MsgLoggedOut")
}

type codeSentResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleSendVerificationCode checks the admin credentials and issues a
// fresh code, replacing any pending one.
func (h *Handler) handleSendVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrCredentialsRequired")
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
	if cred.Login != req.Email ||
		bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)) != nil {
		slog.Warn("admin sign-in rejected", "email", req.Email)
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}

	code, err := auth.GenerateCode()
	if err != nil {
		serverError(w, r, "failed to generate verification code", err)
		return
	}
	now := h.now()
	v := model.VerificationCode{
		Email:     req.Email,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(h.config.VerificationTTL),
	}
	if err := h.store.SaveVerificationCode(v); err != nil {
		serverError(w, r, "failed to save verification code", err)
		return
	}
	if err := h.notifier.Deliver(r.Context(), v.Email, v.Code, v.ExpiresAt); err != nil {
		slog.Error("failed to deliver verification code", "error", err)
	}

	writeJSON(w, http.StatusOK, codeSentResponse{
		Message:   appI18n.T(r.Context(), "MsgCodeSent"),
		ExpiresAt: v.ExpiresAt,
	})
}

type verifyRequest struct {
	Email string `json:"email" validate:"required"`
	Code  string `json:"code" validate:"required"`
}

type adminLoginResponse struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// handleVerifyCode completes the admin sign-in. An expired code and a code
// with too many failed attempts are deleted; a wrong code counts an attempt.
func (h *Handler) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrCodeRequired")
		return
	}

	v, err := h.store.GetVerificationCode()
	if err != nil {
		serverError(w, r, "failed to get verification code", err)
		return
	}
	if v == nil {
		writeError(w, r, http.StatusNotFound, "ErrCodeNotFound")
		return
	}
	if v.Email != req.Email {
		writeError(w, r, http.StatusUnauthorized, "ErrCodeEmailMismatch")
		return
	}
	if v.Expired(h.now()) {
		h.dropVerificationCode()
		writeError(w, r, http.StatusUnauthorized, "ErrCodeExpired")
		return
	}
	if v.Attempts >= h.config.MaxCodeAttempts {
		h.dropVerificationCode()
		writeError(w, r, http.StatusUnauthorized, "ErrCodeAttempts")
		return
	}
	if subtle.ConstantTimeCompare([]byte(v.Code), []byte(req.Code)) != 1 {
		if err := h.store.IncrementVerificationAttempts(); err != nil {
			slog.Error("failed to count verification attempt", "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, "ErrCodeInvalid")
		return
	}
	h.dropVerificationCode()

	user, err := h.store.FindOrCreateAdminUser(req.Email)
	if err != nil {
		serverError(w, r, "failed to find admin user", err)
		return
	}
	if !user.IsAdmin() {
		slog.Warn("admin login email belongs to a non-admin user", "email", req.Email)
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	token, err := h.tokens.Issue(user)
	if err != nil {
		serverError(w, r, "failed to issue admin token", err)
		return
	}

	h.setCookie(w, adminCookieName, token, h.tokens.TTL())
	slog.Info("admin signed in", "id", user.ID, "email", user.Email)
	writeJSON(w, http.StatusOK, adminLoginResponse{User: user, Token: token})
}

func (h *Handler) dropVerificationCode() {
	if err := h.store.DeleteVerificationCode(); err != nil {
		slog.Error("failed to delete verification code", "error", err)
	}
}

func (h *Handler) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	h.setCookie(w, adminCookieName, "", 0)
	writeMessage(w, r, "MsgLoggedOut")
}

type checkAdminResponse struct {
	User    *model.AdminIdentity `json:"user"`
	IsAdmin bool                 `json:"isAdmin"`
}

func (h *Handler) handleCheckAdmin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, checkAdminResponse{
		User:    model.AdminFromContext(r.Context()),
		IsAdmin: true,
	})
}
