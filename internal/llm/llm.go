package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/llm/prompts"
	"github.com/pavelanni/quizmaster/internal/model"
)

const (
	scoreTemperature    = 0.1
	scoreMaxTokens      = 10
	feedbackTemperature = 0.7
	feedbackMaxTokens   = 200
)

// ErrNotConfigured is returned by Ping when no API key was given.
var ErrNotConfigured = errors.New("LLM API key not configured")

// ChatAPI is the subset of the OpenAI client used here.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Config configures the grading client.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	PromptVariant string
}

// Client grades open answers against an OpenAI-compatible API. Without an
// API key it still answers, with a random score.
type Client struct {
	api      ChatAPI
	model    string
	variant  prompts.PromptVariant
	prompts  *prompts.Set
	randIntN func(n int) int
}

// New creates a new LLM client.
func New(cfg Config) (*Client, error) {
	variant := prompts.PromptVariant(cfg.PromptVariant)
	if variant == "" {
		variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", cfg.PromptVariant)
	}
	set, err := prompts.Embedded()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	c := &Client{
		model:    cfg.Model,
		variant:  variant,
		prompts:  set,
		randIntN: rand.IntN,
	}
	if cfg.APIKey != "" {
		config := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			config.BaseURL = cfg.BaseURL
		}
		c.api = openai.NewClientWithConfig(config)
	}
	return c, nil
}

// Configured reports whether real model calls will be made.
func (c *Client) Configured() bool {
	return c.api != nil
}

// Ping checks that the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Evaluate scores answerText for questionText on a 0..maxScore scale and
// writes a short feedback. Score and feedback come from two separate model
// calls. A reply that is not an integer in range scores 0; an empty feedback
// reply is replaced by the bucket text for the score.
//
// When the client is not configured or the API fails, the result is a random
// score with bucket feedback and Fallback set. The only errors are a negative
// maxScore and a cancelled ctx.
func (c *Client) Evaluate(ctx context.Context, questionText, answerText string, maxScore int) (model.Evaluation, error) {
	if maxScore < 0 {
		return model.Evaluation{}, fmt.Errorf("max score must not be negative, got %d", maxScore)
	}
	if err := ctx.Err(); err != nil {
		return model.Evaluation{}, err
	}
	if !c.Configured() {
		slog.Warn("LLM not configured, using random score")
		return c.fallback(ctx, maxScore), nil
	}

	ev, err := c.evaluate(ctx, prompts.Data{QuestionText: questionText, Answer: answerText, MaxScore: maxScore})
	if err == nil {
		return ev, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Evaluation{}, ctxErr
	}
	slog.Error("LLM evaluation failed, using random score", "error", err)
	return c.fallback(ctx, maxScore), nil
}

func (c *Client) evaluate(ctx context.Context, data prompts.Data) (model.Evaluation, error) {
	scorePrompt, err := c.prompts.Score(c.variant, data)
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("build score prompt: %w", err)
	}
	feedbackPrompt, err := c.prompts.Feedback(data)
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("build feedback prompt: %w", err)
	}

	rawScore, err := c.complete(ctx, scorePrompt, scoreTemperature, scoreMaxTokens)
	if err != nil {
		return model.Evaluation{}, err
	}
	feedback, err := c.complete(ctx, feedbackPrompt, feedbackTemperature, feedbackMaxTokens)
	if err != nil {
		return model.Evaluation{}, err
	}
	slog.Debug("LLM evaluation", "raw_score", rawScore, "feedback", feedback)

	score := parseScore(rawScore, data.MaxScore)
	if feedback == "" {
		feedback = FallbackFeedback(ctx, score, data.MaxScore)
	}
	return model.Evaluation{Score: score, Feedback: feedback}, nil
}

func (c *Client) complete(ctx context.Context, p prompts.Prompt, temperature float32, maxTokens int) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) fallback(ctx context.Context, maxScore int) model.Evaluation {
	score := c.randIntN(maxScore + 1)
	return model.Evaluation{
		Score:    score,
		Feedback: FallbackFeedback(ctx, score, maxScore),
		Fallback: true,
	}
}

// parseScore reads the leading integer of raw. Anything else, or a value
// outside 0..maxScore, yields 0.
func parseScore(raw string, maxScore int) int {
	s := strings.TrimSpace(raw)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < 0 || n > maxScore {
		return 0
	}
	return n
}

// FallbackFeedback returns the localized canned feedback for score out of maxScore.
func FallbackFeedback(ctx context.Context, score, maxScore int) string {
	var pct float64
	if maxScore > 0 {
		pct = float64(score) / float64(maxScore) * 100
	}
	switch {
	case pct >= 90:
		return appI18n.T(ctx, "FeedbackExcellent")
	case pct >= 70:
		return appI18n.T(ctx, "FeedbackGood")
	case pct >= 50:
		return appI18n.T(ctx, "FeedbackSatisfactory")
	case pct >= 30:
		return appI18n.T(ctx, "FeedbackWeak")
	default:
		return appI18n.T(ctx, "FeedbackPoor")
	}
}
