package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizmaster/internal/auth"
	"github.com/pavelanni/quizmaster/internal/export"
	"github.com/pavelanni/quizmaster/internal/handler"
	appI18n "github.com/pavelanni/quizmaster/internal/i18n"
	"github.com/pavelanni/quizmaster/internal/llm"
	"github.com/pavelanni/quizmaster/internal/llm/prompts"
	"github.com/pavelanni/quizmaster/internal/model"
	"github.com/pavelanni/quizmaster/internal/notify"
	"github.com/pavelanni/quizmaster/internal/scheduler"
	"github.com/pavelanni/quizmaster/internal/seed"
	"github.com/pavelanni/quizmaster/internal/store"
)

const (
	minPasswordLength = 6
	shutdownTimeout   = 30 * time.Second
	pingTimeout       = 10 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quizmaster",
		Short: "Quiz server with LLM grading of open answers",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("env-file")
			return loadEnvFile(path)
		},
	}
	root.PersistentFlags().String("env-file", ".env", "Environment file loaded before reading settings")

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), importCmd(), adminCmd())

	// Bare `quizmaster` runs the server.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "quizmaster.db", "SQLite database path")
	f.StringSliceP("tests", "t", nil, "Test files (YAML or JSON) to import at startup (repeatable)")
	f.Bool("seed", false, "Load the built-in sample tests when the database has none")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM (empty = random fallback scores)")
	f.String("llm-model", "gpt-3.5-turbo", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.StringP("lang", "l", "ru", "Default response language (en, ru)")
	f.Bool("secure-cookies", true, "Set Secure flag on cookies")
	f.String("jwt-secret", "", "Secret for signing admin tokens (or set QUIZMASTER_JWT_SECRET)")
	f.Duration("jwt-ttl", 24*time.Hour, "Admin token lifetime")
	f.String("admin-login", "admin@quizmaster.local", "Initial admin login (e-mail)")
	f.String("admin-password", "", "Initial admin password (or set QUIZMASTER_ADMIN_PASSWORD)")
	f.String("telegram-token", "", "Telegram bot token for verification codes")
	f.Int64("telegram-chat-id", 0, "Telegram chat that receives verification codes")
	f.Duration("verification-ttl", 10*time.Minute, "Admin verification code lifetime")
	f.Duration("cleanup-interval", time.Hour, "Interval between expired-row cleanups")
	addLogFlags(f.String)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export test results as JSON or XLSX",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "quizmaster.db", "SQLite database path")
	f.StringP("format", "f", "json", "Output format (json, xlsx)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(f.String)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <files...>",
		Short: "Import tests from YAML or JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "quizmaster.db", "SQLite database path")
	addLogFlags(f.String)
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the back-office login",
	}
	set := &cobra.Command{
		Use:   "set-credentials",
		Short: "Create or replace the admin login and password",
		RunE:  runSetCredentials,
	}
	f := set.Flags()
	f.String("db", "quizmaster.db", "SQLite database path")
	f.String("login", "", "Admin login (e-mail)")
	f.String("password", "", "Admin password")
	addLogFlags(f.String)
	cmd.AddCommand(set)
	return cmd
}

func addLogFlags(str func(name, value, usage string) *string) {
	str("log-level", "info", "Log level (debug, info, warn, error)")
	str("log-format", "text", "Log format (text, json)")
}

// loadEnvFile exports the variables in path into the process environment.
// Variables already set win. A missing file is ignored.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("QUIZMASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("quizmaster")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quizmaster")
	v.AddConfigPath("/etc/quizmaster")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-login"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if v.GetBool("seed") {
		n, err := seed.LoadDefault(db)
		if err != nil {
			return fmt.Errorf("load sample tests: %w", err)
		}
		if n > 0 {
			slog.Info("loaded sample tests", "count", n)
		}
	}
	for _, path := range v.GetStringSlice("tests") {
		if _, err := seed.ImportFile(db, path); err != nil {
			return fmt.Errorf("import tests: %w", err)
		}
	}

	llmClient, err := newLLMClient(v)
	if err != nil {
		return err
	}

	secret := v.GetString("jwt-secret")
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		slog.Warn("no jwt-secret configured, admin tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenManager(secret, v.GetDuration("jwt-ttl"))
	if err != nil {
		return fmt.Errorf("create token manager: %w", err)
	}

	var channels []notify.Notifier
	if token := v.GetString("telegram-token"); token != "" {
		tg, err := notify.NewTelegram(token, v.GetInt64("telegram-chat-id"))
		if err != nil {
			slog.Warn("telegram delivery disabled", "error", err)
		} else {
			channels = append(channels, tg)
		}
	}

	sched := scheduler.New(db, v.GetDuration("cleanup-interval"))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	h, err := handler.New(db, llmClient, tokens, notify.NewChain(channels...), model.AppConfig{
		SecureCookies:   v.GetBool("secure-cookies"),
		Lang:            lang,
		VerificationTTL: v.GetDuration("verification-ttl"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"telegram", len(channels) > 0,
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLLMClient(v *viper.Viper) (*llm.Client, error) {
	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	c, err := llm.New(llm.Config{
		BaseURL:       v.GetString("llm-url"),
		APIKey:        v.GetString("llm-key"),
		Model:         v.GetString("llm-model"),
		PromptVariant: promptVariant,
	})
	if err != nil {
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	if !c.Configured() {
		slog.Warn("no llm-key configured, open answers get random fallback scores")
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		slog.Warn("LLM health check failed, grading falls back to random scores on errors", "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}
	return c, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format := strings.ToLower(v.GetString("format"))
	if format != "json" && format != "xlsx" {
		return fmt.Errorf("unknown export format %q", format)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rows, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if format == "xlsx" {
		err = export.WriteXLSX(w, rows)
	} else {
		err = export.WriteJSON(w, rows, time.Now())
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported results", "rows", len(rows), "format", format, "output", outPath)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	total := 0
	for _, path := range args {
		n, err := seed.ImportFile(db, path)
		if err != nil {
			return err
		}
		total += n
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d tests\n", total)
	return nil
}

func runSetCredentials(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	login := strings.TrimSpace(v.GetString("login"))
	password := v.GetString("password")
	if login == "" || password == "" {
		return errors.New("both --login and --password are required")
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := db.SetAdminCredential(login, string(hash)); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	slog.Info("admin credentials updated", "login", login)
	return nil
}

// seedAdmin stores the initial admin credentials unless some already exist.
func seedAdmin(db *store.Store, login, password string) error {
	existing, err := db.GetAdminCredential()
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	if login == "" || password == "" {
		slog.Warn("no admin credentials configured: set --admin-password or QUIZMASTER_ADMIN_PASSWORD, or run `quizmaster admin set-credentials`")
		return nil
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("admin password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := db.SetAdminCredential(login, string(hash)); err != nil {
		return fmt.Errorf("save admin credentials: %w", err)
	}

	slog.Info("seeded admin credentials", "login", login)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
