package model

import (
	"context"
	"time"
)

// Role names seeded into the roles table.
const (
	RoleStudent = "Студент"
	RoleAdmin   = "admin"
)

// DefaultRoles lists the seeded roles in id order. Every role except
// RoleAdmin can be picked at signup.
var DefaultRoles = []string{RoleStudent, "Выпускник", "Молодой специалист", "Опытный специалист", RoleAdmin}

// Role is an entry of the fixed role lookup table.
type Role struct {
	ID   int64  `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// User represents a registered user.
type User struct {
	ID              int64     `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	FullName        string    `json:"fullName" db:"full_name"`
	PasswordHash    string    `json:"-" db:"password_hash"`
	RoleID          int64     `json:"roleId" db:"role_id"`
	RoleName        string    `json:"roleName" db:"role_name"`
	ProfileImageURL *string   `json:"profileImageUrl,omitempty" db:"profile_image_url"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.RoleName == RoleAdmin
}

// AuthSession represents a user login session.
type AuthSession struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// AdminIdentity is the authenticated admin carried by a verified JWT.
type AdminIdentity struct {
	UserID   int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	TokenID  string `json:"-"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type adminCtxKey struct{}

// ContextWithAdmin stores the verified admin identity in context.
func ContextWithAdmin(ctx context.Context, a *AdminIdentity) context.Context {
	return context.WithValue(ctx, adminCtxKey{}, a)
}

// AdminFromContext retrieves the admin identity from context, or nil.
func AdminFromContext(ctx context.Context) *AdminIdentity {
	a, _ := ctx.Value(adminCtxKey{}).(*AdminIdentity)
	return a
}

// QuestionType discriminates how a question is answered and scored.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionOpen           QuestionType = "OPEN"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	return t == QuestionMultipleChoice || t == QuestionOpen
}

// Test is a named quiz owning an ordered list of questions.
type Test struct {
	ID             int64      `json:"id" db:"id"`
	Title          string     `json:"title" db:"title"`
	Description    *string    `json:"description" db:"description"`
	CreatedByID    *int64     `json:"createdById,omitempty" db:"created_by_id"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	QuestionsCount int        `json:"questionsCount" db:"questions_count"`
	Questions      []Question `json:"questions,omitempty" db:"-"`
}

// Question belongs to one test.
type Question struct {
	ID       int64        `json:"id" db:"id"`
	TestID   int64        `json:"testId" db:"test_id"`
	Text     string       `json:"text" db:"text"`
	Type     QuestionType `json:"type" db:"type"`
	Score    int          `json:"score" db:"score"`
	Position int          `json:"position" db:"position"`
	Options  []Option     `json:"options" db:"-"`
}

// CorrectOption returns the first option flagged correct, or nil.
// Options are expected in id order.
func (q Question) CorrectOption() *Option {
	for i := range q.Options {
		if q.Options[i].IsCorrect {
			return &q.Options[i]
		}
	}
	return nil
}

// HasOption reports whether id belongs to one of the question's options.
func (q Question) HasOption(id int64) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Option is one choice of a multiple-choice question.
type Option struct {
	ID         int64  `json:"id" db:"id"`
	QuestionID int64  `json:"questionId" db:"question_id"`
	Text       string `json:"text" db:"text"`
	IsCorrect  bool   `json:"isCorrect" db:"is_correct"`
}

// TestSession is one user's attempt at one test.
type TestSession struct {
	ID         int64      `json:"id" db:"id"`
	TestID     int64      `json:"testId" db:"test_id"`
	UserID     int64      `json:"userId" db:"user_id"`
	StartedAt  time.Time  `json:"startedAt" db:"started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
	TotalScore int        `json:"totalScore" db:"total_score"`
	TestTitle  string     `json:"testTitle,omitempty" db:"test_title"`
	UserName   string     `json:"userName,omitempty" db:"user_name"`
	UserEmail  string     `json:"userEmail,omitempty" db:"user_email"`
}

// Answer is the graded response to one question within a session.
type Answer struct {
	ID               int64       `json:"id" db:"id"`
	TestSessionID    int64       `json:"testSessionId" db:"test_session_id"`
	QuestionID       int64       `json:"questionId" db:"question_id"`
	SelectedOptionID *int64      `json:"selectedOptionId,omitempty" db:"selected_option_id"`
	OpenAnswer       *string     `json:"openAnswer,omitempty" db:"open_answer"`
	Score            int         `json:"score" db:"score"`
	Feedback         *AIFeedback `json:"aiFeedback,omitempty" db:"-"`
}

// AIFeedback holds the grader's narrative feedback for an open answer.
type AIFeedback struct {
	ID          int64     `json:"id" db:"id"`
	AnswerID    int64     `json:"answerId" db:"answer_id"`
	Feedback    string    `json:"feedback" db:"feedback"`
	Score       int       `json:"score" db:"score"`
	Fallback    bool      `json:"fallback" db:"fallback"`
	EvaluatedAt time.Time `json:"evaluatedAt" db:"evaluated_at"`
}

// Evaluation is the grading collaborator's verdict on one open answer.
// Fallback is set when the score did not come from the model.
type Evaluation struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
	Fallback bool   `json:"-"`
}

// AdminCredential is the single back-office login record.
type AdminCredential struct {
	Login        string    `db:"login"`
	PasswordHash string    `db:"password_hash"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// VerificationCode is a pending second-factor code for the admin login.
type VerificationCode struct {
	Email     string    `db:"email"`
	Code      string    `db:"code"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (v VerificationCode) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// AppConfig holds runtime parameters set via flags and environment.
type AppConfig struct {
	SecureCookies   bool
	Lang            string
	VerificationTTL time.Duration
	MaxCodeAttempts int
}
