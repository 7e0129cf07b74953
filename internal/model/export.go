package model

import "time"

// ResultRow is one flattened test session used by exports and the admin results list.
type ResultRow struct {
	SessionID   int64      `json:"sessionId" db:"session_id"`
	UserID      int64      `json:"userId" db:"user_id"`
	UserName    string     `json:"userName" db:"user_name"`
	UserEmail   string     `json:"userEmail" db:"user_email"`
	TestID      int64      `json:"testId" db:"test_id"`
	TestTitle   string     `json:"testTitle" db:"test_title"`
	TotalScore  int        `json:"totalScore" db:"total_score"`
	MaxScore    int        `json:"maxScore" db:"max_score"`
	AnswerCount int        `json:"answerCount" db:"answer_count"`
	StartedAt   time.Time  `json:"startedAt" db:"started_at"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
	Attempt     int        `json:"attempt,omitempty" db:"-"`
}

// SessionDetail is a session with its answers and the questions they refer to.
type SessionDetail struct {
	Session        TestSession    `json:"session"`
	Answers        []AnswerDetail `json:"answers"`
	TotalQuestions int            `json:"totalQuestions"`
	CorrectAnswers int            `json:"correctAnswers"`
	MaxScore       int            `json:"maxScore"`
}

// AnswerDetail joins an answer with its question and the question's correct options.
type AnswerDetail struct {
	Answer         Answer       `json:"answer"`
	QuestionText   string       `json:"questionText"`
	QuestionType   QuestionType `json:"questionType"`
	QuestionScore  int          `json:"questionScore"`
	SelectedOption *Option      `json:"selectedOption,omitempty"`
	CorrectOptions []Option     `json:"correctOptions,omitempty"`
	IsCorrect      bool         `json:"isCorrect"`
}

// Stats is the admin dashboard summary.
type Stats struct {
	Users          int             `json:"users"`
	Tests          int             `json:"tests"`
	CompletedTests int             `json:"completedTests"`
	RecentSessions []RecentSession `json:"recentSessions"`
}

// RecentSession is a short view of a finished session.
type RecentSession struct {
	ID         int64      `json:"id" db:"id"`
	UserName   string     `json:"userName" db:"user_name"`
	UserEmail  string     `json:"userEmail" db:"user_email"`
	TestTitle  string     `json:"testTitle" db:"test_title"`
	Score      int        `json:"score" db:"total_score"`
	FinishedAt *time.Time `json:"finishedAt" db:"finished_at"`
}
