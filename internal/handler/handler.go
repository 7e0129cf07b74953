package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/quizmaster/internal/auth"
	"github.com/pavelanni/quizmaster/internal/grading"
	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/notify"
	"github.com/pavelanni/quizmaster/internal/store"
)

const (
	maxBodySize   = 1 << 20
	maxUploadSize = 10 << 20
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	grader   grading.Grader
	grading  *grading.Service
	tokens   *auth.TokenManager
	notifier notify.Notifier
	config   model.AppConfig
	validate *validator.Validate
	now      func() time.Time
}

// New creates a new Handler. A nil notifier only logs verification codes.
func New(s *store.Store, g grading.Grader, tm *auth.TokenManager, n notify.Notifier, cfg model.AppConfig) (*Handler, error) {
	if s == nil || g == nil || tm == nil {
		return nil, errors.New("store, grader and token manager are required")
	}
	if n == nil {
		n = notify.LogNotifier{}
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = 10 * time.Minute
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 3
	}
	return &Handler{
		store:    s,
		grader:   g,
		grading:  grading.NewService(s, g),
		tokens:   tm,
		notifier: n,
		config:   cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/results", h.handleSubmit)

	r.Route("/api", func(r chi.Router) {
		r.Get("/roles", h.handleListRoles)
		r.Get("/tests", h.handleListTests)
		r.Get("/tests/{testID}", h.handleGetTest)
		r.Post("/results", h.handleSubmit)
		r.Post("/ai-evaluate", h.handleEvaluate)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", h.handleSignup)
			r.Post("/signin", h.handleSignin)
			r.Post("/logout", h.handleLogout)
			r.Post("/send-verification-code", h.handleSendVerificationCode)
			r.Post("/verify-code", h.handleVerifyCode)
			r.Post("/admin-logout", h.handleAdminLogout)
			r.With(h.requireAdmin).Get("/check-admin", h.handleCheckAdmin)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)
			r.Get("/results", h.handleListUserResults)
			r.Get("/results/{sessionID}", h.handleGetUserResult)
			r.Put("/profile", h.handleUpdateProfile)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Get("/tests", h.handleAdminListTests)
			r.Post("/tests", h.handleAdminCreateTest)
			r.Post("/tests/import", h.handleAdminImportTests)
			r.Get("/tests/{testID}", h.handleAdminGetTest)
			r.Put("/tests/{testID}", h.handleAdminUpdateTest)
			r.Delete("/tests/{testID}", h.handleAdminDeleteTest)

			r.Get("/users", h.handleAdminListUsers)
			r.Put("/users/{userID}", h.handleAdminUpdateUser)
			r.Delete("/users/{userID}", h.handleAdminDeleteUser)

			r.Get("/results", h.handleAdminListResults)
			r.Get("/results/export", h.handleAdminExportResults)
			r.Get("/results/{sessionID}", h.handleAdminGetResult)
			r.Delete("/results/{sessionID}", h.handleAdminDeleteResult)

			r.Get("/stats", h.handleAdminStats)
			r.Post("/update-credentials", h.handleUpdateCredentials)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError answers with the localized message msgID.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: appI18n.T(r.Context(), msgID)})
}

func writeMessage(w http.ResponseWriter, r *http.Request, msgID string) {
	writeJSON(w, http.StatusOK, messageResponse{Message: appI18n.T(r.Context(), msgID)})
}

// serverError logs err and answers 500.
func serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "error", err, "request_id", middleware.GetReqID(r.Context()))
	writeError(w, r, http.StatusInternalServerError, "ErrInternal")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

func urlID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles()
	if err != nil {
		serverError(w, r, "failed to list roles", err)
		return
	}
	public := make([]model.Role, 0, len(roles))
	for _, role := range roles {
		if role.Name != model.RoleAdmin {
			public = append(public, role)
		}
	}
	writeJSON(w, http.StatusOK, public)
}

func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.store.ListTests()
	if err != nil {
		serverError(w, r, "failed to list tests", err)
		return
	}
	if tests == nil {
		tests = []model.Test{}
	}
	writeJSON(w, http.StatusOK, tests)
}

// publicTest is a test as shown to a test taker, without the answer key.
type publicTest struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Description *string          `json:"description"`
	Questions   []publicQuestion `json:"questions"`
}

type publicQuestion struct {
	ID      int64              `json:"id"`
	Text    string             `json:"text"`
	Type    model.QuestionType `json:"type"`
	Score   int                `json:"score"`
	Options []publicOption     `json:"options"`
}

type publicOption struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

func newPublicTest(t *model.Test) publicTest {
	pt := publicTest{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Questions:   make([]publicQuestion, 0, len(t.Questions)),
	}
	for _, q := range t.Questions {
		pq := publicQuestion{ID: q.ID, Text: q.Text, Type: q.Type, Score: q.Score, Options: []publicOption{}}
		for _, o := range q.Options {
			pq.Options = append(pq.Options, publicOption{ID: o.ID, Text: o.Text})
		}
		pt.Questions = append(pt.Questions, pq)
	}
	return pt
}

func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, newPublicTest(t))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req grading.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}

	res, err := h.grading.Submit(r.Context(), req)
	switch {
	case errors.Is(err, grading.ErrInvalidSubmission):
		writeError(w, r, http.StatusBadRequest, "ErrSubmitParams")
	case errors.Is(err, grading.ErrTestNotFound):
		writeError(w, r, http.StatusNotFound, "ErrTestNotFound")
	case errors.Is(err, grading.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "ErrUserNotFound")
	case err != nil:
		serverError(w, r, "failed to save results", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type evaluateRequest struct {
	QuestionText string `json:"questionText" validate:"required"`
	UserAnswer   string `json:"userAnswer" validate:"required"`
	MaxScore     *int   `json:"maxScore" validate:"required,gte=0"`
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrEvaluateParams")
		return
	}

	ev, err := h.grader.Evaluate(r.Context(), req.QuestionText, req.UserAnswer, *req.MaxScore)
	if err != nil {
		serverError(w, r, "evaluation failed", err)
		return
	}
	slog.Info("answer evaluated", "score", ev.Score, "max_score", *req.MaxScore, "fallback", ev.Fallback)
	writeJSON(w, http.StatusOK, ev)
}
