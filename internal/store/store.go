package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/quizmaster/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type Store struct {
	db *sqlx.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	inMemory := strings.HasPrefix(dbPath, ":memory:")
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		role_id INTEGER NOT NULL,
		profile_image_url TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (role_id) REFERENCES roles(id)
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT,
		created_by_id INTEGER,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (created_by_id) REFERENCES users(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL DEFAULT 0,
		archived_at DATETIME,
		FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		is_correct BOOLEAN NOT NULL DEFAULT 0,
		archived_at DATETIME,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS test_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		total_score INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_session_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		selected_option_id INTEGER,
		open_answer TEXT,
		score INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (test_session_id) REFERENCES test_sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE,
		FOREIGN KEY (selected_option_id) REFERENCES options(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS ai_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		answer_id INTEGER NOT NULL UNIQUE,
		feedback TEXT NOT NULL,
		score INTEGER NOT NULL,
		fallback BOOLEAN NOT NULL DEFAULT 0,
		evaluated_at DATETIME NOT NULL,
		FOREIGN KEY (answer_id) REFERENCES answers(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS admin_credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		login TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verification_codes (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		email TEXT NOT NULL,
		code TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_questions_test ON questions(test_id);
	CREATE INDEX IF NOT EXISTS idx_options_question ON options(question_id);
	CREATE INDEX IF NOT EXISTS idx_answers_session ON answers(test_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON test_sessions(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	for _, name := range model.DefaultRoles {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO roles (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("seed role %q: %w", name, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
// fn must only touch the database through tx.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ListRoles returns all roles ordered by id.
func (s *Store) ListRoles() ([]model.Role, error) {
	var roles []model.Role
	err := s.db.Select(&roles, `SELECT id, name FROM roles ORDER BY id`)
	return roles, err
}

// GetRole returns a role by ID.
func (s *Store) GetRole(id int64) (model.Role, error) {
	var r model.Role
	err := s.db.Get(&r, `SELECT id, name FROM roles WHERE id = ?`, id)
	return r, notFound(err)
}

// GetRoleByName returns a role by its name.
func (s *Store) GetRoleByName(name string) (model.Role, error) {
	var r model.Role
	err := s.db.Get(&r, `SELECT id, name FROM roles WHERE name = ?`, name)
	return r, notFound(err)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
