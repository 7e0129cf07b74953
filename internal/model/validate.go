package model

import (
	"fmt"
	"strings"
)

// TestValidationError describes the first problem found in a test definition.
// MessageID names the localized message; Question is the 1-based question
// number, or 0 when the problem is with the test itself.
type TestValidationError struct {
	MessageID string
	Question  int
}

func (e *TestValidationError) Error() string {
	switch e.MessageID {
	case "ErrQuestionText":
		return fmt.Sprintf("question %d: question text is required", e.Question)
	case "ErrQuestionType":
		return fmt.Sprintf("question %d: unknown question type", e.Question)
	case "ErrQuestionOptions":
		return fmt.Sprintf("question %d: multiple choice questions need answer options", e.Question)
	case "ErrQuestionCorrect":
		return fmt.Sprintf("question %d: choose the correct answer", e.Question)
	default:
		return "test title and questions are required"
	}
}

// Validate checks that t has a title and at least one question, that every
// question has text and a known type, and that every multiple-choice
// question has options with at least one marked correct.
func (t Test) Validate() error {
	if strings.TrimSpace(t.Title) == "" || len(t.Questions) == 0 {
		return &TestValidationError{MessageID: "ErrTestTitleRequired"}
	}
	for i, q := range t.Questions {
		n := i + 1
		if strings.TrimSpace(q.Text) == "" {
			return &TestValidationError{MessageID: "ErrQuestionText", Question: n}
		}
		if !q.Type.Valid() {
			return &TestValidationError{MessageID: "ErrQuestionType", Question: n}
		}
		if q.Type != QuestionMultipleChoice {
			continue
		}
		if len(q.Options) == 0 {
			return &TestValidationError{MessageID: "ErrQuestionOptions", Question: n}
		}
		if q.CorrectOption() == nil {
			return &TestValidationError{MessageID: "ErrQuestionCorrect", Question: n}
		}
	}
	return nil
}
