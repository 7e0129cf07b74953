package store

import (
	"fmt"
	"sort"

	"github.com/pavelanni/quizmaster/internal/model"
)

// ExportResults returns every session as a result row, oldest first, with
// Attempt numbering each user's sessions of the same test.
func (s *Store) ExportResults() ([]model.ResultRow, error) {
	rows, err := s.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StartedAt.Equal(rows[j].StartedAt) {
			return rows[i].SessionID < rows[j].SessionID
		}
		return rows[i].StartedAt.Before(rows[j].StartedAt)
	})

	type attemptKey struct{ user, test int64 }
	attempts := make(map[attemptKey]int)
	for i := range rows {
		k := attemptKey{rows[i].UserID, rows[i].TestID}
		attempts[k]++
		rows[i].Attempt = attempts[k]
	}
	return rows, nil
}
