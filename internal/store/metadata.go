package store

import (
	"database/sql"
	"errors"
	"time"
)

// SetImportedFileHash records the content hash of an imported test file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`,
		path, hash, time.Now(),
	)
	return err
}

// GetImportedFileHash returns the recorded hash for path.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.Get(&hash, `SELECT hash FROM imported_files WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}
