package store

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/quizmaster/internal/model"
)

const sessionSelect = `
	SELECT ts.id, ts.test_id, ts.user_id, ts.started_at, ts.finished_at, ts.total_score,
	       t.title AS test_title, u.full_name AS user_name, u.email AS user_email
	FROM test_sessions ts
	JOIN tests t ON t.id = ts.test_id
	JOIN users u ON u.id = ts.user_id`

// SaveSubmission writes a graded submission as one unit of work: the session
// row, one answer per entry (plus its feedback, if any), then the session's
// total score and finish time. finishedAt is the submission time.
func (s *Store) SaveSubmission(sess model.TestSession, answers []model.Answer, finishedAt time.Time) (int64, error) {
	var sessionID int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO test_sessions (test_id, user_id, started_at, total_score) VALUES (?, ?, ?, 0)`,
			sess.TestID, sess.UserID, sess.StartedAt,
		)
		if err != nil {
			return err
		}
		sessionID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		total := 0
		for _, a := range answers {
			res, err := tx.Exec(
				`INSERT INTO answers (test_session_id, question_id, selected_option_id, open_answer, score)
				 VALUES (?, ?, ?, ?, ?)`,
				sessionID, a.QuestionID, a.SelectedOptionID, a.OpenAnswer, a.Score,
			)
			if err != nil {
				return err
			}
			total += a.Score
			if a.Feedback == nil {
				continue
			}
			answerID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO ai_feedback (answer_id, feedback, score, fallback, evaluated_at) VALUES (?, ?, ?, ?, ?)`,
				answerID, a.Feedback.Feedback, a.Feedback.Score, a.Feedback.Fallback, finishedAt,
			); err != nil {
				return err
			}
		}

		_, err = tx.Exec(`UPDATE test_sessions SET total_score = ?, finished_at = ? WHERE id = ?`,
			total, finishedAt, sessionID)
		return err
	})
	return sessionID, err
}

// GetSession returns a session by ID.
func (s *Store) GetSession(id int64) (*model.TestSession, error) {
	var sess model.TestSession
	if err := s.db.Get(&sess, sessionSelect+` WHERE ts.id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// ListSessionsForUser returns a user's sessions, newest first.
func (s *Store) ListSessionsForUser(userID int64) ([]model.TestSession, error) {
	var sessions []model.TestSession
	err := s.db.Select(&sessions, sessionSelect+` WHERE ts.user_id = ? ORDER BY ts.started_at DESC, ts.id DESC`, userID)
	return sessions, err
}

// ListSessions returns every session as a flattened result row, newest first.
func (s *Store) ListSessions() ([]model.ResultRow, error) {
	var rows []model.ResultRow
	err := s.db.Select(&rows, `
		SELECT ts.id AS session_id, ts.user_id, u.full_name AS user_name, u.email AS user_email,
		       ts.test_id, t.title AS test_title, ts.total_score,
		       (SELECT COALESCE(SUM(q.score), 0) FROM answers a JOIN questions q ON q.id = a.question_id
		        WHERE a.test_session_id = ts.id) AS max_score,
		       (SELECT COUNT(*) FROM answers a WHERE a.test_session_id = ts.id) AS answer_count,
		       ts.started_at, ts.finished_at
		FROM test_sessions ts
		JOIN tests t ON t.id = ts.test_id
		JOIN users u ON u.id = ts.user_id
		ORDER BY ts.started_at DESC, ts.id DESC`)
	return rows, err
}

// GetSessionAnswers returns the answers of a session in question order, with feedback attached.
func (s *Store) GetSessionAnswers(sessionID int64) ([]model.Answer, error) {
	var answers []model.Answer
	err := s.db.Select(&answers, `
		SELECT a.id, a.test_session_id, a.question_id, a.selected_option_id, a.open_answer, a.score
		FROM answers a JOIN questions q ON q.id = a.question_id
		WHERE a.test_session_id = ?
		ORDER BY q.position, q.id`, sessionID)
	if err != nil || len(answers) == 0 {
		return answers, err
	}

	var feedback []model.AIFeedback
	err = s.db.Select(&feedback, `
		SELECT f.id, f.answer_id, f.feedback, f.score, f.fallback, f.evaluated_at
		FROM ai_feedback f JOIN answers a ON a.id = f.answer_id
		WHERE a.test_session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	byAnswer := make(map[int64]*model.AIFeedback, len(feedback))
	for i := range feedback {
		byAnswer[feedback[i].AnswerID] = &feedback[i]
	}
	for i := range answers {
		answers[i].Feedback = byAnswer[answers[i].ID]
	}
	return answers, nil
}

// GetSessionDetail returns a session with answers joined to their questions.
// Archived questions and options are included so history stays readable.
// An answer counts as correct when it was awarded points, whatever the
// options' current flags say.
func (s *Store) GetSessionDetail(id int64) (*model.SessionDetail, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	answers, err := s.GetSessionAnswers(id)
	if err != nil {
		return nil, err
	}

	detail := &model.SessionDetail{Session: *sess, Answers: []model.AnswerDetail{}}
	if len(answers) == 0 {
		return detail, nil
	}

	qIDs := make([]int64, len(answers))
	for i, a := range answers {
		qIDs[i] = a.QuestionID
	}
	query, args, err := sqlx.In(`SELECT id, test_id, text, type, score, position FROM questions WHERE id IN (?)`, qIDs)
	if err != nil {
		return nil, err
	}
	var questions []model.Question
	if err := s.db.Select(&questions, query, args...); err != nil {
		return nil, err
	}
	query, args, err = sqlx.In(`SELECT id, question_id, text, is_correct FROM options WHERE question_id IN (?) ORDER BY id`, qIDs)
	if err != nil {
		return nil, err
	}
	var options []model.Option
	if err := s.db.Select(&options, query, args...); err != nil {
		return nil, err
	}

	qByID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		qByID[q.ID] = q
	}
	optByID := make(map[int64]model.Option, len(options))
	correctByQ := make(map[int64][]model.Option)
	for _, o := range options {
		optByID[o.ID] = o
		if o.IsCorrect {
			correctByQ[o.QuestionID] = append(correctByQ[o.QuestionID], o)
		}
	}

	for _, a := range answers {
		q := qByID[a.QuestionID]
		ad := model.AnswerDetail{
			Answer:        a,
			QuestionText:  q.Text,
			QuestionType:  q.Type,
			QuestionScore: q.Score,
			IsCorrect:     a.Score > 0,
		}
		if q.Type == model.QuestionMultipleChoice {
			ad.CorrectOptions = correctByQ[q.ID]
			if a.SelectedOptionID != nil {
				if o, ok := optByID[*a.SelectedOptionID]; ok {
					ad.SelectedOption = &o
				}
			}
		}
		if ad.IsCorrect {
			detail.CorrectAnswers++
		}
		detail.MaxScore += q.Score
		detail.Answers = append(detail.Answers, ad)
	}
	detail.TotalQuestions = len(detail.Answers)
	return detail, nil
}

// DeleteSession removes a session with its answers and feedback.
func (s *Store) DeleteSession(id int64) error {
	res, err := s.db.Exec(`DELETE FROM test_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// CompletedSessionCount returns the number of finished sessions.
func (s *Store) CompletedSessionCount() (int, error) {
	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM test_sessions WHERE finished_at IS NOT NULL`)
	return count, err
}

// RecentSessions returns the most recently finished sessions.
func (s *Store) RecentSessions(limit int) ([]model.RecentSession, error) {
	var recent []model.RecentSession
	err := s.db.Select(&recent, `
		SELECT ts.id, u.full_name AS user_name, u.email AS user_email, t.title AS test_title,
		       ts.total_score, ts.finished_at
		FROM test_sessions ts
		JOIN tests t ON t.id = ts.test_id
		JOIN users u ON u.id = ts.user_id
		WHERE ts.finished_at IS NOT NULL
		ORDER BY ts.finished_at DESC, ts.id DESC
		LIMIT ?`, limit)
	return recent, err
}

// Stats collects the admin dashboard counters.
func (s *Store) Stats() (model.Stats, error) {
	var st model.Stats
	var err error
	if st.Users, err = s.UserCount(); err != nil {
		return st, err
	}
	if st.Tests, err = s.TestCount(); err != nil {
		return st, err
	}
	if st.CompletedTests, err = s.CompletedSessionCount(); err != nil {
		return st, err
	}
	if st.RecentSessions, err = s.RecentSessions(10); err != nil {
		return st, err
	}
	return st, nil
}
