package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/quizmaster/internal/model"
)

const userSelect = `
	SELECT u.id, u.email, u.full_name, u.password_hash, u.role_id, r.name AS role_name,
	       u.profile_image_url, u.created_at
	FROM users u JOIN roles r ON r.id = u.role_id`

// CreateUser inserts a new user.
func (s *Store) CreateUser(u model.User) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (email, full_name, password_hash, role_id, profile_image_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Email, u.FullName, u.PasswordHash, u.RoleID, u.ProfileImageURL, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created user", "id", id, "email", u.Email, "role_id", u.RoleID)
	return id, nil
}

// GetUserByEmail returns a user by email, or nil if there is none.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	var u model.User
	err := s.db.Get(&u, userSelect+` WHERE u.email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, or nil if there is none.
func (s *Store) GetUserByID(id int64) (*model.User, error) {
	var u model.User
	err := s.db.Get(&u, userSelect+` WHERE u.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserListItem is a user together with the number of sessions they took.
type UserListItem struct {
	model.User
	SessionCount int `json:"testSessionsCount" db:"session_count"`
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers() ([]UserListItem, error) {
	var users []UserListItem
	err := s.db.Select(&users, `
		SELECT u.id, u.email, u.full_name, u.password_hash, u.role_id, r.name AS role_name,
		       u.profile_image_url, u.created_at,
		       (SELECT COUNT(*) FROM test_sessions ts WHERE ts.user_id = u.id) AS session_count
		FROM users u JOIN roles r ON r.id = u.role_id
		ORDER BY u.created_at DESC, u.id DESC`)
	return users, err
}

// UpdateUser writes the mutable profile fields of u.
func (s *Store) UpdateUser(u model.User) error {
	res, err := s.db.Exec(
		`UPDATE users SET email = ?, full_name = ?, password_hash = ?, role_id = ?, profile_image_url = ?
		 WHERE id = ?`,
		u.Email, u.FullName, u.PasswordHash, u.RoleID, u.ProfileImageURL, u.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteUser removes a user together with their sessions, answers and feedback.
func (s *Store) DeleteUser(id int64) error {
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
	if err != nil {
		return err
	}
	slog.Info("deleted user", "id", id)
	return nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM users`)
	return count, err
}

// FindOrCreateAdminUser returns the user with the given email, creating it
// with the admin role when missing.
func (s *Store) FindOrCreateAdminUser(email string) (*model.User, error) {
	u, err := s.GetUserByEmail(email)
	if err != nil || u != nil {
		return u, err
	}
	role, err := s.GetRoleByName(model.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("admin role: %w", err)
	}
	id, err := s.CreateUser(model.User{
		Email:    email,
		FullName: "Администратор",
		RoleID:   role.ID,
	})
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(id)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
