package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizmaster/internal/auth"
	"github.com/pavelanni/quizmaster/internal/grading"
	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeGrader struct {
	ev    model.Evaluation
	err   error
	calls int
}

func (f *fakeGrader) Evaluate(_ context.Context, _, _ string, _ int) (model.Evaluation, error) {
	f.calls++
	return f.ev, f.err
}

type captureNotifier struct {
	codes []string
}

func (c *captureNotifier) Deliver(_ context.Context, _, code string, _ time.Time) error {
	c.codes = append(c.codes, code)
	return nil
}

type testEnv struct {
	h        *Handler
	store    *store.Store
	grader   *fakeGrader
	notifier *captureNotifier
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tm, err := auth.NewTokenManager("test-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	g := &fakeGrader{ev: model.Evaluation{Score: 3, Feedback: "Good."}}
	n := &captureNotifier{}
	h, err := New(s, g, tm, n, model.AppConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := chi.NewRouter()
	r.Use(appI18n.Middleware())
	h.Routes(r)
	return &testEnv{h: h, store: s, grader: g, notifier: n, router: r}
}

type reqOption func(*http.Request)

func withCookie(c *http.Cookie) reqOption {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withBearer(token string) reqOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (e *testEnv) do(t *testing.T, method, path string, body any, opts ...reqOption) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResponse
	decode(t, rec, &e)
	return e.Error
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (e *testEnv) createUser(t *testing.T, email, password string) *model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	role, err := e.store.GetRoleByName(model.RoleStudent)
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	id, err := e.store.CreateUser(model.User{Email: email, FullName: "Test User", PasswordHash: string(hash), RoleID: role.ID})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := e.store.GetUserByID(id)
	if err != nil || u == nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	return u
}

func (e *testEnv) userCookie(t *testing.T, u *model.User) *http.Cookie {
	t.Helper()
	token, err := e.store.CreateAuthSession(u.ID)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: token}
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	u, err := e.store.FindOrCreateAdminUser("admin@example.com")
	if err != nil {
		t.Fatalf("FindOrCreateAdminUser: %v", err)
	}
	token, err := e.h.tokens.Issue(u)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (e *testEnv) createTest(t *testing.T) *model.Test {
	t.Helper()
	id, err := e.store.CreateTest(model.Test{
		Title: "Physics",
		Questions: []model.Question{
			{Text: "Unit of force?", Type: model.QuestionMultipleChoice, Score: 2, Options: []model.Option{
				{Text: "Joule"},
				{Text: "Newton", IsCorrect: true},
			}},
			{Text: "Explain inertia.", Type: model.QuestionOpen, Score: 5},
		},
	})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	test, err := e.store.GetTest(id)
	if err != nil {
		t.Fatalf("GetTest: %v", err)
	}
	return test
}

// gradingRequest answers every question of test correctly.
func gradingRequest(test *model.Test, userID int64) grading.SubmitRequest {
	req := grading.SubmitRequest{
		TestID:      test.ID,
		UserID:      userID,
		Answers:     map[int64]int64{},
		TextAnswers: map[int64]string{},
	}
	for _, q := range test.Questions {
		if c := q.CorrectOption(); c != nil {
			req.Answers[q.ID] = c.ID
		} else {
			req.TextAnswers[q.ID] = "answer"
		}
	}
	return req
}

func TestListRolesHidesAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/roles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var roles []model.Role
	decode(t, rec, &roles)
	if len(roles) != len(model.DefaultRoles)-1 {
		t.Fatalf("expected %d roles, got %d", len(model.DefaultRoles)-1, len(roles))
	}
	for _, r := range roles {
		if r.Name == model.RoleAdmin {
			t.Error("admin role must not be offered")
		}
	}
}

func TestSignup(t *testing.T) {
	env := newTestEnv(t)
	student, _ := env.store.GetRoleByName(model.RoleStudent)
	admin, _ := env.store.GetRoleByName(model.RoleAdmin)

	valid := map[string]any{"email": "ann@example.com", "fullName": "Ann", "roleId": student.ID, "password": "secret1"}
	with := func(key string, val any) map[string]any {
		m := map[string]any{}
		for k, v := range valid {
			m[k] = v
		}
		m[key] = val
		return m
	}

	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{"missing name", with("fullName", "  "), "Email, full name, role and password are required"},
		{"bad email", with("email", "not-an-email"), "Invalid email address"},
		{"short password", with("password", "12345"), "Password must be at least 6 characters"},
		{"unknown role", with("roleId", 99), "The specified role does not exist"},
		{"admin role", with("roleId", admin.ID), "The specified role does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/auth/signup", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := errorOf(t, rec); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}

	rec := env.do(t, http.MethodPost, "/api/auth/signup", valid)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if cookieNamed(rec, sessionCookieName) == nil {
		t.Error("signup should start a session")
	}
	var resp userResponse
	decode(t, rec, &resp)
	if resp.User == nil || resp.User.RoleName != model.RoleStudent {
		t.Errorf("unexpected user %+v", resp.User)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/signup", valid)
	if rec.Code != http.StatusBadRequest || errorOf(t, rec) != "A user with this email already exists" {
		t.Errorf("duplicate signup: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSigninAndLogout(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "bob@example.com", "password1")

	rec := env.do(t, http.MethodPost, "/api/auth/signin", map[string]string{"email": "bob@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing password: expected 400, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/auth/signin", map[string]string{"email": "bob@example.com", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/signin", map[string]string{"email": "bob@example.com", "password": "password1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d", rec.Code)
	}
	cookie := cookieNamed(rec, sessionCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("signin should set the session cookie")
	}

	if rec := env.do(t, http.MethodGet, "/api/results", nil, withCookie(cookie)); rec.Code != http.StatusOK {
		t.Errorf("results with session: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/logout", nil, withCookie(cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/results", nil, withCookie(cookie)); rec.Code != http.StatusUnauthorized {
		t.Errorf("results after logout: expected 401, got %d", rec.Code)
	}
}

func TestPublicTestHidesAnswerKey(t *testing.T) {
	env := newTestEnv(t)
	test := env.createTest(t)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/tests/%d", test.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "isCorrect") {
		t.Errorf("public test must not expose correct options: %s", rec.Body.String())
	}
	var pt publicTest
	decode(t, rec, &pt)
	if len(pt.Questions) != 2 || len(pt.Questions[0].Options) != 2 {
		t.Errorf("unexpected test %+v", pt)
	}

	if rec := env.do(t, http.MethodGet, "/api/tests/999", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing test: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/tests/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestSubmitResults(t *testing.T) {
	env := newTestEnv(t)
	test := env.createTest(t)
	user := env.createUser(t, "carol@example.com", "password1")
	mc, open := test.Questions[0], test.Questions[1]

	body := map[string]any{
		"testId":      test.ID,
		"userId":      user.ID,
		"answers":     map[string]int64{fmt.Sprint(mc.ID): mc.CorrectOption().ID},
		"textAnswers": map[string]string{fmt.Sprint(open.ID): "An object keeps its state of motion."},
	}

	for _, path := range []string{"/results", "/api/results"} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, path, body)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var res struct {
				CorrectAnswers int   `json:"correctAnswers"`
				TotalQuestions int   `json:"totalQuestions"`
				Percentage     int   `json:"percentage"`
				TotalScore     int   `json:"totalScore"`
				SessionID      int64 `json:"sessionId"`
			}
			decode(t, rec, &res)
			if res.TotalQuestions != 2 || res.CorrectAnswers != 2 || res.Percentage != 100 {
				t.Errorf("unexpected result %+v", res)
			}
			if res.TotalScore != 2+3 {
				t.Errorf("totalScore = %d, want 5", res.TotalScore)
			}
			if res.SessionID == 0 {
				t.Error("expected a session id")
			}
		})
	}

	sessions, _ := env.store.ListSessionsForUser(user.ID)
	if len(sessions) != 2 {
		t.Errorf("each submission should create a session, got %d", len(sessions))
	}

	errTests := []struct {
		name   string
		body   any
		status int
		err    string
	}{
		{"no answers", map[string]any{"testId": test.ID, "userId": user.ID}, http.StatusBadRequest,
			"testId, userId and answers or textAnswers are required"},
		{"unknown test", map[string]any{"testId": 999, "userId": user.ID, "answers": map[string]int{}}, http.StatusNotFound,
			"Test not found"},
		{"unknown user", map[string]any{"testId": test.ID, "userId": 999, "answers": map[string]int{}}, http.StatusNotFound,
			"User not found"},
		{"malformed", "not an object", http.StatusBadRequest, "Invalid request body"},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/results", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if got := errorOf(t, rec); got != tt.err {
				t.Errorf("error = %q, want %q", got, tt.err)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing question", map[string]any{"userAnswer": "a", "maxScore": 5}},
		{"empty answer", map[string]any{"questionText": "q", "userAnswer": "", "maxScore": 5}},
		{"missing max score", map[string]any{"questionText": "q", "userAnswer": "a"}},
		{"negative max score", map[string]any{"questionText": "q", "userAnswer": "a", "maxScore": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/ai-evaluate", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if errorOf(t, rec) == "" {
				t.Error("expected an error message")
			}
		})
	}
	if env.grader.calls != 0 {
		t.Errorf("grader called %d times for invalid requests", env.grader.calls)
	}

	rec := env.do(t, http.MethodPost, "/api/ai-evaluate",
		map[string]any{"questionText": "q", "userAnswer": "a", "maxScore": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ev model.Evaluation
	decode(t, rec, &ev)
	if ev.Score != 3 || ev.Feedback != "Good." {
		t.Errorf("unexpected evaluation %+v", ev)
	}
}

func TestUserResults(t *testing.T) {
	env := newTestEnv(t)
	test := env.createTest(t)
	alice := env.createUser(t, "alice@example.com", "password1")
	mallory := env.createUser(t, "mallory@example.com", "password1")

	res, err := env.h.grading.Submit(context.Background(), gradingRequest(test, alice.ID))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	aliceCookie := env.userCookie(t, alice)
	malloryCookie := env.userCookie(t, mallory)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/results?userId=%d", alice.ID), nil, withCookie(aliceCookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []model.TestSession
	decode(t, rec, &sessions)
	if len(sessions) != 1 || sessions[0].TestTitle != "Physics" {
		t.Errorf("unexpected sessions %+v", sessions)
	}

	if rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/results?userId=%d", alice.ID), nil, withCookie(malloryCookie)); rec.Code != http.StatusForbidden {
		t.Errorf("other user's list: expected 403, got %d", rec.Code)
	}

	path := fmt.Sprintf("/api/results/%d", res.SessionID)
	if rec := env.do(t, http.MethodGet, path, nil, withCookie(aliceCookie)); rec.Code != http.StatusOK {
		t.Errorf("own result: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil, withCookie(malloryCookie)); rec.Code != http.StatusNotFound {
		t.Errorf("other user's result: expected 404, got %d", rec.Code)
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "dan@example.com", "password1")
	env.createUser(t, "taken@example.com", "password1")
	cookie := env.userCookie(t, user)
	admin, _ := env.store.GetRoleByName(model.RoleAdmin)

	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{"email taken", map[string]any{"email": "taken@example.com"}, "A user with this email already exists"},
		{"admin role", map[string]any{"roleId": admin.ID}, "The specified role does not exist"},
		{"no current password", map[string]any{"newPassword": "newpass1"}, "Enter your current password to change it"},
		{"wrong current password", map[string]any{"newPassword": "newpass1", "currentPassword": "nope"}, "Current password is incorrect"},
		{"short new password", map[string]any{"newPassword": "abc", "currentPassword": "password1"}, "Password must be at least 6 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, "/api/profile", tt.body, withCookie(cookie))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := errorOf(t, rec); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}

	rec := env.do(t, http.MethodPut, "/api/profile",
		map[string]any{"fullName": "Daniel", "newPassword": "newpass1", "currentPassword": "password1"},
		withCookie(cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated, _ := env.store.GetUserByID(user.ID)
	if updated.FullName != "Daniel" || updated.Email != "dan@example.com" {
		t.Errorf("unexpected user %+v", updated)
	}
	if bcrypt.CompareHashAndPassword([]byte(updated.PasswordHash), []byte("newpass1")) != nil {
		t.Error("password was not changed")
	}

	if rec := env.do(t, http.MethodPut, "/api/profile", map[string]any{}); rec.Code != http.StatusUnauthorized {
		t.Errorf("without session: expected 401, got %d", rec.Code)
	}
}

func (e *testEnv) setAdminCredential(t *testing.T, login, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := e.store.SetAdminCredential(login, string(hash)); err != nil {
		t.Fatalf("SetAdminCredential: %v", err)
	}
}

func TestSendVerificationCode(t *testing.T) {
	env := newTestEnv(t)
	creds := map[string]string{"email": "admin@example.com", "password": "adminpass"}

	rec := env.do(t, http.MethodPost, "/api/auth/send-verification-code", creds)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no credential: expected 404, got %d", rec.Code)
	}

	env.setAdminCredential(t, "admin@example.com", "adminpass")

	tests := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"missing password", map[string]string{"email": "admin@example.com"}, http.StatusBadRequest},
		{"wrong login", map[string]string{"email": "other@example.com", "password": "adminpass"}, http.StatusUnauthorized},
		{"wrong password", map[string]string{"email": "admin@example.com", "password": "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/auth/send-verification-code", tt.body); rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
	if len(env.notifier.codes) != 0 {
		t.Fatalf("no code should be sent for rejected requests")
	}

	rec = env.do(t, http.MethodPost, "/api/auth/send-verification-code", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(env.notifier.codes) != 1 {
		t.Fatalf("expected 1 delivered code, got %d", len(env.notifier.codes))
	}
	v, _ := env.store.GetVerificationCode()
	if v == nil || v.Code != env.notifier.codes[0] || v.Attempts != 0 {
		t.Errorf("unexpected stored code %+v", v)
	}
	if got := v.ExpiresAt.Sub(v.CreatedAt); got != 10*time.Minute {
		t.Errorf("code ttl = %v, want 10m", got)
	}
}

func (e *testEnv) sendCode(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/send-verification-code",
		map[string]string{"email": "admin@example.com", "password": "adminpass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send code: expected 200, got %d", rec.Code)
	}
	return e.notifier.codes[len(e.notifier.codes)-1]
}

func TestVerifyCode(t *testing.T) {
	env := newTestEnv(t)
	env.setAdminCredential(t, "admin@example.com", "adminpass")

	verify := func(email, code string) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/api/auth/verify-code", map[string]string{"email": email, "code": code})
	}

	if rec := verify("admin@example.com", "123456"); rec.Code != http.StatusNotFound {
		t.Errorf("no pending code: expected 404, got %d", rec.Code)
	}

	code := env.sendCode(t)
	if rec := verify("admin@example.com", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing code: expected 400, got %d", rec.Code)
	}
	if rec := verify("other@example.com", code); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong email: expected 401, got %d", rec.Code)
	}
	if rec := verify("admin@example.com", "000000"+code); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong code: expected 401, got %d", rec.Code)
	}
	v, _ := env.store.GetVerificationCode()
	if v.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", v.Attempts)
	}

	rec := verify("admin@example.com", code)
	if rec.Code != http.StatusOK {
		t.Fatalf("correct code: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cookie := cookieNamed(rec, adminCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected admin token cookie")
	}
	var resp adminLoginResponse
	decode(t, rec, &resp)
	if resp.User == nil || !resp.User.IsAdmin() || resp.Token != cookie.Value {
		t.Errorf("unexpected login response %+v", resp)
	}
	if v, _ := env.store.GetVerificationCode(); v != nil {
		t.Error("a used code must be deleted")
	}

	rec = env.do(t, http.MethodGet, "/api/auth/check-admin", nil, withCookie(cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("check-admin: expected 200, got %d", rec.Code)
	}
	var check checkAdminResponse
	decode(t, rec, &check)
	if !check.IsAdmin || check.User == nil || check.User.Email != "admin@example.com" {
		t.Errorf("unexpected check-admin response %+v", check)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/admin-logout", nil, withCookie(cookie))
	if c := cookieNamed(rec, adminCookieName); c == nil || c.MaxAge >= 0 {
		t.Error("admin logout should clear the cookie")
	}
}

func TestVerifyCodeAttemptsAndExpiry(t *testing.T) {
	t.Run("too many attempts", func(t *testing.T) {
		env := newTestEnv(t)
		env.setAdminCredential(t, "admin@example.com", "adminpass")
		code := env.sendCode(t)

		for i := 0; i < 3; i++ {
			env.do(t, http.MethodPost, "/api/auth/verify-code", map[string]string{"email": "admin@example.com", "code": "x"})
		}
		rec := env.do(t, http.MethodPost, "/api/auth/verify-code", map[string]string{"email": "admin@example.com", "code": code})
		if rec.Code != http.StatusUnauthorized || errorOf(t, rec) != "Too many attempts. Request a new code." {
			t.Fatalf("expected attempts error, got %d", rec.Code)
		}
		if v, _ := env.store.GetVerificationCode(); v != nil {
			t.Error("an exhausted code must be deleted")
		}
	})

	t.Run("expired", func(t *testing.T) {
		env := newTestEnv(t)
		env.setAdminCredential(t, "admin@example.com", "adminpass")
		code := env.sendCode(t)

		env.h.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
		rec := env.do(t, http.MethodPost, "/api/auth/verify-code", map[string]string{"email": "admin@example.com", "code": code})
		if rec.Code != http.StatusUnauthorized || errorOf(t, rec) != "Verification code has expired. Request a new code." {
			t.Fatalf("expected expiry error, got %d", rec.Code)
		}
		if v, _ := env.store.GetVerificationCode(); v != nil {
			t.Error("an expired code must be deleted")
		}
	})
}

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "eve@example.com", "password1")
	userToken, err := env.h.tokens.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name string
		opts []reqOption
	}{
		{"no token", nil},
		{"garbage", []reqOption{withBearer("not-a-jwt")}},
		{"non-admin token", []reqOption{withBearer(userToken)}},
		{"user session", []reqOption{withCookie(env.userCookie(t, user))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodGet, "/api/admin/stats", nil, tt.opts...); rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}

	token := env.adminToken(t)
	if rec := env.do(t, http.MethodGet, "/api/admin/stats", nil, withBearer(token)); rec.Code != http.StatusOK {
		t.Errorf("bearer token: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/admin/stats", nil,
		withCookie(&http.Cookie{Name: adminCookieName, Value: token})); rec.Code != http.StatusOK {
		t.Errorf("cookie token: expected 200, got %d", rec.Code)
	}
}

func TestAdminTestCRUD(t *testing.T) {
	env := newTestEnv(t)
	bearer := withBearer(env.adminToken(t))

	invalid := map[string]any{
		"title": "Physics",
		"questions": []map[string]any{
			{"text": "Unit of force?", "type": "MULTIPLE_CHOICE", "options": []map[string]any{{"text": "Joule"}}},
		},
	}
	rec := env.do(t, http.MethodPost, "/api/admin/tests", invalid, bearer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid test: expected 400, got %d", rec.Code)
	}
	if got := errorOf(t, rec); got != "Question 1: choose the correct answer" {
		t.Errorf("error = %q", got)
	}

	valid := map[string]any{
		"title":       "Physics",
		"description": "Mechanics",
		"questions": []map[string]any{
			{"text": "Unit of force?", "type": "MULTIPLE_CHOICE", "score": 2, "options": []map[string]any{
				{"text": "Joule"}, {"text": "Newton", "isCorrect": true},
			}},
			{"text": "Explain inertia.", "type": "OPEN", "score": 5},
		},
	}
	rec = env.do(t, http.MethodPost, "/api/admin/tests", valid, bearer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created model.Test
	decode(t, rec, &created)
	if created.ID == 0 || len(created.Questions) != 2 || created.CreatedByID == nil {
		t.Fatalf("unexpected created test %+v", created)
	}

	path := fmt.Sprintf("/api/admin/tests/%d", created.ID)
	rec = env.do(t, http.MethodGet, path, nil, bearer)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"isCorrect":true`) {
		t.Errorf("admin view should include the answer key: %d %s", rec.Code, rec.Body.String())
	}

	update := map[string]any{
		"title": "Physics II",
		"questions": []map[string]any{
			{"id": created.Questions[1].ID, "text": "Explain inertia briefly.", "type": "OPEN", "score": 4},
		},
	}
	rec = env.do(t, http.MethodPut, path, update, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated model.Test
	decode(t, rec, &updated)
	if updated.Title != "Physics II" || len(updated.Questions) != 1 || updated.Questions[0].ID != created.Questions[1].ID {
		t.Errorf("unexpected updated test %+v", updated)
	}

	if rec := env.do(t, http.MethodPut, "/api/admin/tests/999", update, bearer); rec.Code != http.StatusNotFound {
		t.Errorf("update missing: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil, bearer); rec.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil, bearer); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted: expected 404, got %d", rec.Code)
	}
}

func TestAdminImportTests(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	content := []byte(`
tests:
  - title: Imported
    questions:
      - text: Pick one
        options:
          - text: a
            correct: true
          - text: b
`)
	upload := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "tests.yaml")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(content)
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/api/admin/tests/import", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	rec := upload()
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp importResponse
	decode(t, rec, &resp)
	if resp.Imported != 1 || resp.Duplicate {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = upload()
	decode(t, rec, &resp)
	if rec.Code != http.StatusOK || !resp.Duplicate {
		t.Errorf("re-upload should be a duplicate: %d %+v", rec.Code, resp)
	}
	if n, _ := env.store.TestCount(); n != 1 {
		t.Errorf("expected 1 test, got %d", n)
	}
}

func TestAdminUsers(t *testing.T) {
	env := newTestEnv(t)
	bearer := withBearer(env.adminToken(t))
	user := env.createUser(t, "frank@example.com", "password1")
	admin, _ := env.store.GetUserByEmail("admin@example.com")

	rec := env.do(t, http.MethodGet, "/api/admin/users", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var users []store.UserListItem
	decode(t, rec, &users)
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}

	path := fmt.Sprintf("/api/admin/users/%d", user.ID)
	if rec := env.do(t, http.MethodPut, path, map[string]string{"fullName": " "}, bearer); rec.Code != http.StatusBadRequest {
		t.Errorf("blank name: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, path, map[string]string{"fullName": "Franklin"}, bearer); rec.Code != http.StatusOK {
		t.Errorf("rename: expected 200, got %d", rec.Code)
	}
	if u, _ := env.store.GetUserByID(user.ID); u.FullName != "Franklin" {
		t.Errorf("name = %q, want Franklin", u.FullName)
	}

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", admin.ID), nil, bearer)
	if rec.Code != http.StatusBadRequest || errorOf(t, rec) != "Cannot delete admin user" {
		t.Errorf("deleting admin: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodDelete, path, nil, bearer); rec.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil, bearer); rec.Code != http.StatusNotFound {
		t.Errorf("delete again: expected 404, got %d", rec.Code)
	}
}

func TestAdminResults(t *testing.T) {
	env := newTestEnv(t)
	bearer := withBearer(env.adminToken(t))
	test := env.createTest(t)
	user := env.createUser(t, "gina@example.com", "password1")
	res, err := env.h.grading.Submit(context.Background(), gradingRequest(test, user.ID))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/admin/results", nil, bearer)
	var rows []model.ResultRow
	decode(t, rec, &rows)
	if len(rows) != 1 || rows[0].MaxScore != 7 {
		t.Errorf("unexpected rows %+v", rows)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/stats", nil, bearer)
	var stats model.Stats
	decode(t, rec, &stats)
	if stats.Tests != 1 || stats.CompletedTests != 1 || len(stats.RecentSessions) != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	rec = env.do(t, http.MethodGet, "/api/admin/results/export", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("xlsx export: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Error("xlsx export should be a zip archive")
	}

	rec = env.do(t, http.MethodGet, "/api/admin/results/export?format=json", nil, bearer)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count": 1`) {
		t.Errorf("json export: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/admin/results/export?format=csv", nil, bearer); rec.Code != http.StatusBadRequest {
		t.Errorf("bad format: expected 400, got %d", rec.Code)
	}

	path := fmt.Sprintf("/api/admin/results/%d", res.SessionID)
	if rec := env.do(t, http.MethodGet, path, nil, bearer); rec.Code != http.StatusOK {
		t.Errorf("detail: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil, bearer); rec.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil, bearer); rec.Code != http.StatusNotFound {
		t.Errorf("deleted detail: expected 404, got %d", rec.Code)
	}
}

func TestUpdateCredentials(t *testing.T) {
	env := newTestEnv(t)
	bearer := withBearer(env.adminToken(t))

	body := map[string]string{"currentPassword": "adminpass", "newLogin": "root@example.com", "newPassword": "newadminpass"}
	if rec := env.do(t, http.MethodPost, "/api/admin/update-credentials", body, bearer); rec.Code != http.StatusNotFound {
		t.Errorf("no credential: expected 404, got %d", rec.Code)
	}

	env.setAdminCredential(t, "admin@example.com", "adminpass")
	env.createUser(t, "student@example.com", "password1")

	tests := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"login of another user", map[string]string{"currentPassword": "adminpass", "newLogin": "student@example.com"}, http.StatusBadRequest},
		{"no current password", map[string]string{"newPassword": "newadminpass"}, http.StatusBadRequest},
		{"bad login", map[string]string{"currentPassword": "adminpass", "newLogin": "root"}, http.StatusBadRequest},
		{"short password", map[string]string{"currentPassword": "adminpass", "newPassword": "abc"}, http.StatusBadRequest},
		{"wrong current password", map[string]string{"currentPassword": "nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/admin/update-credentials", tt.body, bearer); rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}

	if cred, _ := env.store.GetAdminCredential(); cred.Login != "admin@example.com" {
		t.Fatalf("rejected updates changed the login to %q", cred.Login)
	}

	rec := env.do(t, http.MethodPost, "/api/admin/update-credentials", body, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp credentialsUpdateResponse
	decode(t, rec, &resp)
	if resp.UpdatedLogin != "root@example.com" {
		t.Errorf("updatedLogin = %q", resp.UpdatedLogin)
	}
	cred, _ := env.store.GetAdminCredential()
	if cred.Login != "root@example.com" || bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("newadminpass")) != nil {
		t.Errorf("credential not updated: %+v", cred)
	}
	if u, _ := env.store.GetUserByEmail("root@example.com"); !u.IsAdmin() {
		t.Error("admin user email should follow the login")
	}
}
