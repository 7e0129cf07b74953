// Package grading scores submitted answers and records a test session.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/store"
)

var (
	ErrInvalidSubmission = errors.New("testId, userId and answers or textAnswers are required")
	ErrTestNotFound      = errors.New("test not found")
	ErrUserNotFound      = errors.New("user not found")
)

// Grader evaluates a free-text answer. It is satisfied by *llm.Client.
type Grader interface {
	Evaluate(ctx context.Context, questionText, answerText string, maxScore int) (model.Evaluation, error)
}

// Store is the persistence the aggregator needs.
type Store interface {
	GetTest(id int64) (*model.Test, error)
	GetUserByID(id int64) (*model.User, error)
	SaveSubmission(sess model.TestSession, answers []model.Answer, finishedAt time.Time) (int64, error)
}

// QuestionResult is the graded answer to one question.
type QuestionResult struct {
	Answer  model.Answer
	Correct bool
}

// ScoreQuestion grades one question. optionID is the submitted option for a
// multiple-choice question, text the submitted answer for an open one; either
// may be nil when the question was left unanswered.
//
// Multiple choice earns the full score only when optionID is the first option
// flagged correct. An open answer goes to g; if g fails or returns a score
// outside 0..q.Score, a non-empty answer earns the full score instead. This
// is more generous than the grader's own random fallback, and such answers
// carry no feedback row. The only error is a cancelled ctx.
func ScoreQuestion(ctx context.Context, g Grader, q model.Question, optionID *int64, text *string) (QuestionResult, error) {
	res := QuestionResult{Answer: model.Answer{QuestionID: q.ID}}

	switch q.Type {
	case model.QuestionMultipleChoice:
		if optionID == nil {
			return res, nil
		}
		if q.HasOption(*optionID) {
			id := *optionID
			res.Answer.SelectedOptionID = &id
		}
		if correct := q.CorrectOption(); correct != nil && correct.ID == *optionID {
			res.Answer.Score = q.Score
			res.Correct = true
		}
		return res, nil

	case model.QuestionOpen:
		if text == nil {
			return res, nil
		}
		answer := *text
		res.Answer.OpenAnswer = &answer
		if strings.TrimSpace(answer) == "" {
			return res, nil
		}

		ev, err := g.Evaluate(ctx, q.Text, answer, q.Score)
		if err == nil && (ev.Score < 0 || ev.Score > q.Score) {
			err = fmt.Errorf("score %d outside 0..%d", ev.Score, q.Score)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			slog.Warn("grading failed, awarding full score", "question_id", q.ID, "error", err)
			res.Answer.Score = q.Score
			res.Correct = q.Score > 0
			return res, nil
		}

		res.Answer.Score = ev.Score
		res.Answer.Feedback = &model.AIFeedback{
			Feedback: ev.Feedback,
			Score:    ev.Score,
			Fallback: ev.Fallback,
		}
		res.Correct = ev.Score > 0
		return res, nil
	}

	return res, nil
}

// Percentage returns correct/total as a rounded percentage, 0 for an empty test.
func Percentage(correct, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(correct) / float64(total) * 100))
}

// SubmitRequest is one submission of answers to a test. Map keys are question IDs.
type SubmitRequest struct {
	TestID      int64            `json:"testId"`
	UserID      int64            `json:"userId"`
	Answers     map[int64]int64  `json:"answers"`
	TextAnswers map[int64]string `json:"textAnswers"`
}

// SubmitResult summarizes a graded submission.
type SubmitResult struct {
	CorrectAnswers int   `json:"correctAnswers"`
	TotalQuestions int   `json:"totalQuestions"`
	Percentage     int   `json:"percentage"`
	TotalScore     int   `json:"totalScore"`
	SessionID      int64 `json:"sessionId"`
}

// Service grades submissions and records them as test sessions.
type Service struct {
	store  Store
	grader Grader
	now    func() time.Time
}

func NewService(s Store, g Grader) *Service {
	return &Service{store: s, grader: g, now: time.Now}
}

// Submit grades every question of the test in order and stores one session
// with one answer per question. Resubmitting creates a new session.
//
// Grading happens before anything is written; the session, its answers and
// feedback are then saved in a single transaction, so a failed write leaves
// nothing behind.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.TestID <= 0 || req.UserID <= 0 || (req.Answers == nil && req.TextAnswers == nil) {
		return SubmitResult{}, ErrInvalidSubmission
	}

	test, err := s.store.GetTest(req.TestID)
	if errors.Is(err, store.ErrNotFound) {
		return SubmitResult{}, ErrTestNotFound
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("get test: %w", err)
	}
	user, err := s.store.GetUserByID(req.UserID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return SubmitResult{}, ErrUserNotFound
	}

	startedAt := s.now()
	result := SubmitResult{TotalQuestions: len(test.Questions)}
	answers := make([]model.Answer, 0, len(test.Questions))

	for _, q := range test.Questions {
		var optionID *int64
		if id, ok := req.Answers[q.ID]; ok {
			optionID = &id
		}
		var text *string
		if t, ok := req.TextAnswers[q.ID]; ok {
			text = &t
		}

		qr, err := ScoreQuestion(ctx, s.grader, q, optionID, text)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("grade question %d: %w", q.ID, err)
		}
		answers = append(answers, qr.Answer)
		result.TotalScore += qr.Answer.Score
		if qr.Correct {
			result.CorrectAnswers++
		}
	}

	sessionID, err := s.store.SaveSubmission(model.TestSession{
		TestID:    test.ID,
		UserID:    user.ID,
		StartedAt: startedAt,
	}, answers, s.now())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("save submission: %w", err)
	}

	result.SessionID = sessionID
	result.Percentage = Percentage(result.CorrectAnswers, result.TotalQuestions)
	slog.Info("submission graded",
		"session_id", sessionID,
		"test_id", test.ID,
		"user_id", user.ID,
		"total_score", result.TotalScore,
		"correct", result.CorrectAnswers,
		"questions", result.TotalQuestions,
	)
	return result, nil
}
