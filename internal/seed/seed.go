// Package seed loads test definitions from YAML or JSON files.
package seed

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/quizmaster/internal/model"
)

//go:embed default.yaml
var defaultTests []byte

// File is the on-disk shape of a test definition file. A bare list of tests
// is accepted as well.
type File struct {
	Tests []TestDef `yaml:"tests" json:"tests"`
}

type TestDef struct {
	Title       string        `yaml:"title" json:"title"`
	Description string        `yaml:"description" json:"description"`
	Questions   []QuestionDef `yaml:"questions" json:"questions"`
}

type QuestionDef struct {
	Text    string      `yaml:"text" json:"text"`
	Type    string      `yaml:"type" json:"type"`
	Score   int         `yaml:"score" json:"score"`
	Options []OptionDef `yaml:"options" json:"options"`
}

type OptionDef struct {
	Text    string `yaml:"text" json:"text"`
	Correct bool   `yaml:"correct" json:"correct"`
}

// Store is the persistence the importer needs.
type Store interface {
	CreateTest(t model.Test) (int64, error)
	TestCount() (int, error)
	GetImportedFileHash(path string) (string, error)
	SetImportedFileHash(path, hash string) error
}

// ParseTests decodes and validates test definitions. JSON input works too,
// since JSON is valid YAML.
func ParseTests(data []byte) ([]model.Test, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse tests: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("parse tests: empty document")
	}

	var defs []TestDef
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&defs); err != nil {
			return nil, fmt.Errorf("parse tests: %w", err)
		}
	case yaml.MappingNode:
		var f File
		if err := doc.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse tests: %w", err)
		}
		defs = f.Tests
	default:
		return nil, fmt.Errorf("parse tests: unexpected document at line %d", doc.Line)
	}
	if len(defs) == 0 {
		return nil, errors.New("parse tests: no tests defined")
	}

	tests := make([]model.Test, 0, len(defs))
	for i, d := range defs {
		t := d.toModel()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("test %d (%q): %w", i+1, d.Title, err)
		}
		tests = append(tests, t)
	}
	return tests, nil
}

func (d TestDef) toModel() model.Test {
	t := model.Test{Title: strings.TrimSpace(d.Title)}
	if desc := strings.TrimSpace(d.Description); desc != "" {
		t.Description = &desc
	}
	for _, qd := range d.Questions {
		q := model.Question{
			Text:  strings.TrimSpace(qd.Text),
			Type:  model.QuestionType(strings.ToUpper(strings.TrimSpace(qd.Type))),
			Score: qd.Score,
		}
		if q.Type == "" {
			q.Type = model.QuestionMultipleChoice
			if len(qd.Options) == 0 {
				q.Type = model.QuestionOpen
			}
		}
		if q.Score <= 0 {
			q.Score = 1
		}
		for _, od := range qd.Options {
			q.Options = append(q.Options, model.Option{Text: strings.TrimSpace(od.Text), IsCorrect: od.Correct})
		}
		t.Questions = append(t.Questions, q)
	}
	return t
}

// ImportFile loads the tests in path. A file is imported once: an unchanged
// file is skipped, and a file changed since its import is skipped with a
// warning so that existing sessions keep pointing at the questions they saw.
// It returns the number of tests created.
func ImportFile(s Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	hash := sha256sum(data)
	storedHash, err := s.GetImportedFileHash(path)
	if err != nil {
		return 0, fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("tests file unchanged, skipping", "path", path)
		return 0, nil
	}
	if storedHash != "" {
		slog.Warn("tests file changed since last import, skipping; edit the tests through the admin API instead",
			"path", path)
		return 0, nil
	}

	tests, err := ParseTests(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	n, err := create(s, tests)
	if err != nil {
		return n, fmt.Errorf("import %s: %w", path, err)
	}
	if err := s.SetImportedFileHash(path, hash); err != nil {
		return n, fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported tests", "path", path, "count", n)
	return n, nil
}

// LoadDefault creates the built-in starter tests when the database has none.
func LoadDefault(s Store) (int, error) {
	count, err := s.TestCount()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	tests, err := Default()
	if err != nil {
		return 0, err
	}
	n, err := create(s, tests)
	if err != nil {
		return n, err
	}
	slog.Info("seeded starter tests", "count", n)
	return n, nil
}

// Default returns the built-in starter tests.
func Default() ([]model.Test, error) {
	return ParseTests(defaultTests)
}

func create(s Store, tests []model.Test) (int, error) {
	for i, t := range tests {
		if _, err := s.CreateTest(t); err != nil {
			return i, fmt.Errorf("create test %q: %w", t.Title, err)
		}
	}
	return len(tests), nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
