package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/quizmaster/internal/model"
)

// CreateTest inserts a test with its questions and options in one transaction.
func (s *Store) CreateTest(t model.Test) (int64, error) {
	var testID int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO tests (title, description, created_by_id, created_at) VALUES (?, ?, ?, ?)`,
			t.Title, t.Description, t.CreatedByID, time.Now(),
		)
		if err != nil {
			return err
		}
		testID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for i, q := range t.Questions {
			if _, err := insertQuestion(tx, testID, i, q); err != nil {
				return fmt.Errorf("question %d: %w", i+1, err)
			}
		}
		return nil
	})
	return testID, err
}

// GetTest returns a test with its current questions (by position) and options (by id).
func (s *Store) GetTest(id int64) (*model.Test, error) {
	var t model.Test
	err := s.db.Get(&t, `
		SELECT t.id, t.title, t.description, t.created_by_id, t.created_at,
		       (SELECT COUNT(*) FROM questions q WHERE q.test_id = t.id AND q.archived_at IS NULL) AS questions_count
		FROM tests t WHERE t.id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	t.Questions, err = loadQuestions(s.db, id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTests returns all tests, newest first, without questions.
func (s *Store) ListTests() ([]model.Test, error) {
	var tests []model.Test
	err := s.db.Select(&tests, `
		SELECT t.id, t.title, t.description, t.created_by_id, t.created_at,
		       (SELECT COUNT(*) FROM questions q WHERE q.test_id = t.id AND q.archived_at IS NULL) AS questions_count
		FROM tests t ORDER BY t.created_at DESC, t.id DESC`)
	return tests, err
}

// TestCount returns the number of tests.
func (s *Store) TestCount() (int, error) {
	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM tests`)
	return count, err
}

// DeleteTest removes a test; questions, options and sessions cascade.
func (s *Store) DeleteTest(id int64) error {
	res, err := s.db.Exec(`DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateTest replaces the title, description and question set of a test.
//
// Questions and options are matched by id. Matches are updated in place,
// unknown or zero ids are inserted, and rows missing from t are retired:
// deleted when no answer references them, archived otherwise so completed
// sessions keep their answers and feedback.
func (s *Store) UpdateTest(t model.Test) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE tests SET title = ?, description = ? WHERE id = ?`,
			t.Title, t.Description, t.ID)
		if err != nil {
			return err
		}
		if err := requireAffected(res); err != nil {
			return err
		}

		existing, err := loadQuestions(tx, t.ID)
		if err != nil {
			return err
		}
		byID := make(map[int64]model.Question, len(existing))
		for _, q := range existing {
			byID[q.ID] = q
		}

		kept := make(map[int64]bool)
		for i, q := range t.Questions {
			old, ok := byID[q.ID]
			if q.ID == 0 || !ok || kept[q.ID] {
				if _, err := insertQuestion(tx, t.ID, i, q); err != nil {
					return fmt.Errorf("question %d: %w", i+1, err)
				}
				continue
			}
			kept[q.ID] = true
			if _, err := tx.Exec(`UPDATE questions SET text = ?, type = ?, score = ?, position = ? WHERE id = ?`,
				q.Text, q.Type, questionScore(q), i, q.ID); err != nil {
				return err
			}
			if err := syncOptions(tx, q.ID, old.Options, wantedOptions(q)); err != nil {
				return fmt.Errorf("question %d options: %w", i+1, err)
			}
		}

		for _, q := range existing {
			if kept[q.ID] {
				continue
			}
			if err := retire(tx, "questions", q.ID,
				`SELECT COUNT(*) FROM answers WHERE question_id = ?`); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertQuestion(tx *sqlx.Tx, testID int64, position int, q model.Question) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO questions (test_id, text, type, score, position) VALUES (?, ?, ?, ?, ?)`,
		testID, q.Text, q.Type, questionScore(q), position,
	)
	if err != nil {
		return 0, err
	}
	qID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, o := range wantedOptions(q) {
		if _, err := tx.Exec(`INSERT INTO options (question_id, text, is_correct) VALUES (?, ?, ?)`,
			qID, o.Text, o.IsCorrect); err != nil {
			return 0, err
		}
	}
	return qID, nil
}

func syncOptions(tx *sqlx.Tx, questionID int64, existing, wanted []model.Option) error {
	have := make(map[int64]bool, len(existing))
	for _, o := range existing {
		have[o.ID] = true
	}
	kept := make(map[int64]bool)
	for _, o := range wanted {
		if o.ID != 0 && have[o.ID] && !kept[o.ID] {
			kept[o.ID] = true
			if _, err := tx.Exec(`UPDATE options SET text = ?, is_correct = ? WHERE id = ?`,
				o.Text, o.IsCorrect, o.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(`INSERT INTO options (question_id, text, is_correct) VALUES (?, ?, ?)`,
			questionID, o.Text, o.IsCorrect); err != nil {
			return err
		}
	}
	for _, o := range existing {
		if kept[o.ID] {
			continue
		}
		if err := retire(tx, "options", o.ID,
			`SELECT COUNT(*) FROM answers WHERE selected_option_id = ?`); err != nil {
			return err
		}
	}
	return nil
}

// retire deletes the row id from table, or archives it when refQuery
// reports answers pointing at it.
func retire(tx *sqlx.Tx, table string, id int64, refQuery string) error {
	var refs int
	if err := tx.Get(&refs, refQuery, id); err != nil {
		return err
	}
	if refs == 0 {
		_, err := tx.Exec(`DELETE FROM `+table+` WHERE id = ?`, id)
		return err
	}
	_, err := tx.Exec(`UPDATE `+table+` SET archived_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func wantedOptions(q model.Question) []model.Option {
	if q.Type != model.QuestionMultipleChoice {
		return nil
	}
	return q.Options
}

func questionScore(q model.Question) int {
	if q.Score <= 0 {
		return 1
	}
	return q.Score
}

// loadQuestions returns the active questions of a test with their active options.
func loadQuestions(db sqlx.Queryer, testID int64) ([]model.Question, error) {
	var questions []model.Question
	err := sqlx.Select(db, &questions, `
		SELECT id, test_id, text, type, score, position FROM questions
		WHERE test_id = ? AND archived_at IS NULL
		ORDER BY position, id`, testID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return questions, nil
	}

	ids := make([]int64, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	query, args, err := sqlx.In(`
		SELECT id, question_id, text, is_correct FROM options
		WHERE question_id IN (?) AND archived_at IS NULL
		ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var options []model.Option
	if err := sqlx.Select(db, &options, query, args...); err != nil {
		return nil, err
	}

	index := make(map[int64]int, len(questions))
	for i, q := range questions {
		index[q.ID] = i
	}
	for _, o := range options {
		i := index[o.QuestionID]
		questions[i].Options = append(questions[i].Options, o)
	}
	return questions, nil
}
