package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/quizmaster/internal/model"
)

// ErrLoginTaken is returned when a new admin login is the email of a
// non-admin user.
var ErrLoginTaken = errors.New("login belongs to another user")

// GetAdminCredential returns the back-office login record, or nil if none is configured.
func (s *Store) GetAdminCredential() (*model.AdminCredential, error) {
	var c model.AdminCredential
	err := s.db.Get(&c, `SELECT login, password_hash, updated_at FROM admin_credentials WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetAdminCredential creates or replaces the back-office login record.
// When the login changes, the admin user's email follows it. A login that
// is already a non-admin user's email fails with ErrLoginTaken and nothing
// is written.
func (s *Store) SetAdminCredential(login, passwordHash string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		var prev string
		err := tx.Get(&prev, `SELECT login FROM admin_credentials WHERE id = 1`)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var owner string
		err = tx.Get(&owner,
			`SELECT r.name FROM users u JOIN roles r ON r.id = u.role_id WHERE u.email = ?`, login)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case owner != model.RoleAdmin:
			return ErrLoginTaken
		}

		if _, err := tx.Exec(
			`INSERT INTO admin_credentials (id, login, password_hash, updated_at) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET login = excluded.login, password_hash = excluded.password_hash,
			 updated_at = excluded.updated_at`,
			login, passwordHash, time.Now(),
		); err != nil {
			return err
		}

		// An admin user already holding the new login is reused as is.
		if prev != "" && prev != login && owner == "" {
			if _, err := tx.Exec(`UPDATE users SET email = ? WHERE email = ?`, login, prev); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveVerificationCode stores code as the only pending verification code.
func (s *Store) SaveVerificationCode(v model.VerificationCode) error {
	_, err := s.db.Exec(
		`INSERT INTO verification_codes (id, email, code, attempts, created_at, expires_at)
		 VALUES (1, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email, code = excluded.code, attempts = 0,
		 created_at = excluded.created_at, expires_at = excluded.expires_at`,
		v.Email, v.Code, v.CreatedAt, v.ExpiresAt,
	)
	return err
}

// GetVerificationCode returns the pending verification code, or nil if there is none.
func (s *Store) GetVerificationCode() (*model.VerificationCode, error) {
	var v model.VerificationCode
	err := s.db.Get(&v, `SELECT email, code, attempts, created_at, expires_at FROM verification_codes WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// IncrementVerificationAttempts records one failed verification attempt.
func (s *Store) IncrementVerificationAttempts() error {
	_, err := s.db.Exec(`UPDATE verification_codes SET attempts = attempts + 1 WHERE id = 1`)
	return err
}

// DeleteVerificationCode removes the pending verification code.
func (s *Store) DeleteVerificationCode() error {
	_, err := s.db.Exec(`DELETE FROM verification_codes WHERE id = 1`)
	return err
}

// DeleteExpiredVerificationCodes removes a pending code past its expiry.
func (s *Store) DeleteExpiredVerificationCodes() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM verification_codes WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
