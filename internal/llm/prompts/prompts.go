package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// PromptVariant represents a scoring prompt variant.
type PromptVariant string

const (
	// PromptStrict penalizes every inaccuracy.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default scoring variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient accepts loosely worded but correct answers.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// Data holds template data for both prompts.
type Data struct {
	QuestionText string
	Answer       string
	MaxScore     int
}

// Prompt is a system and user message pair.
type Prompt struct {
	System string
	User   string
}

// Set is a parsed collection of scoring and feedback templates.
type Set struct {
	scoreSystem    *template.Template
	score          map[PromptVariant]*template.Template
	feedbackSystem *template.Template
	feedback       *template.Template
}

// Embedded returns the templates compiled into the binary.
func Embedded() (*Set, error) {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load parses the prompt templates from fsys. It expects score_system.txt,
// score_<variant>.txt for every variant, feedback_system.txt and feedback.txt.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{score: make(map[PromptVariant]*template.Template)}

	var err error
	if s.scoreSystem, err = parseFile(fsys, "score_system.txt"); err != nil {
		return nil, err
	}
	if s.feedbackSystem, err = parseFile(fsys, "feedback_system.txt"); err != nil {
		return nil, err
	}
	if s.feedback, err = parseFile(fsys, "feedback.txt"); err != nil {
		return nil, err
	}
	for v := range validVariants {
		tmpl, err := parseFile(fsys, "score_"+string(v)+".txt")
		if err != nil {
			return nil, err
		}
		s.score[v] = tmpl
	}
	return s, nil
}

func parseFile(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// Score builds the score-only prompt for the given variant.
func (s *Set) Score(variant PromptVariant, data Data) (Prompt, error) {
	tmpl, ok := s.score[variant]
	if !ok {
		return Prompt{}, fmt.Errorf("invalid prompt variant: %s", variant)
	}
	return render(s.scoreSystem, tmpl, data)
}

// Feedback builds the feedback-only prompt.
func (s *Set) Feedback(data Data) (Prompt, error) {
	return render(s.feedbackSystem, s.feedback, data)
}

func render(system, user *template.Template, data Data) (Prompt, error) {
	data.Answer = sanitizeAnswer(data.Answer)

	var sys, usr bytes.Buffer
	if err := system.Execute(&sys, data); err != nil {
		return Prompt{}, err
	}
	if err := user.Execute(&usr, data); err != nil {
		return Prompt{}, err
	}
	return Prompt{
		System: strings.TrimSpace(sys.String()),
		User:   strings.TrimSpace(usr.String()),
	}, nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[Ответ не дан]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Ответ обрезан из-за длины]"
	}

	return answer
}
