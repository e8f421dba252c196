package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CheckIn/internal/alert"
	"github.com/BTreeMap/CheckIn/internal/api"
	"github.com/BTreeMap/CheckIn/internal/catalog"
	"github.com/BTreeMap/CheckIn/internal/flow"
	"github.com/BTreeMap/CheckIn/internal/genai"
	"github.com/BTreeMap/CheckIn/internal/lockfile"
	"github.com/BTreeMap/CheckIn/internal/reconcile"
	"github.com/BTreeMap/CheckIn/internal/safety"
	upstream "github.com/BTreeMap/CheckIn/internal/signal"
	"github.com/BTreeMap/CheckIn/internal/store"
	"github.com/BTreeMap/CheckIn/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CheckIn state data
	DefaultStateDir = "/var/lib/checkin"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "checkin.db"
	// DefaultOracleProvider selects the OpenAI oracle
	DefaultOracleProvider = "openai"
)

func main() {
	initializeLogger(os.Getenv("CHECKIN_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CheckIn with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("CheckIn failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CheckIn exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	APIAddr        string
	OpenAIKey      string
	OracleProvider string
	RedisURL       string
	PhrasesFile    string
	CatalogFile    string
	SentimentScale string
	EmotionScale   string
	OracleTimeout  time.Duration
	IdleTimeout    time.Duration
	HistoryLimit   int
	DebugMode      bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir       string
	dbDSN          string
	apiAddr        string
	openaiKey      string
	oracleProvider string
	redisURL       string
	crisisPhrases  string
	catalogFile    string

	// env-only settings carried through from Config
	sentimentScale string
	emotionScale   string
	oracleTimeout  time.Duration
	idleTimeout    time.Duration
	historyLimit   int
	debugMode      bool
}

// initializeLogger sets up structured logging. Debug is the default level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetEnvDefault("CHECKIN_STATE_DIR", DefaultStateDir),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		APIAddr:        os.Getenv("API_ADDR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OracleProvider: util.GetEnvDefault("ORACLE_PROVIDER", DefaultOracleProvider),
		RedisURL:       os.Getenv("REDIS_URL"),
		PhrasesFile:    os.Getenv("CRISIS_PHRASES_FILE"),
		CatalogFile:    os.Getenv("CATALOG_FILE"),
		SentimentScale: os.Getenv("SENTIMENT_SCALE"),
		EmotionScale:   os.Getenv("EMOTION_SCALE"),
		OracleTimeout:  util.ParseDurationEnv("ORACLE_TIMEOUT", reconcile.DefaultOracleTimeout),
		IdleTimeout:    util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", flow.DefaultIdleTimeout),
		HistoryLimit:   util.ParseIntEnv("HISTORY_LIMIT", reconcile.DefaultHistoryLimit),
		DebugMode:      util.ParseBoolEnv("CHECKIN_DEBUG", false),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"CHECKIN_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ORACLE_PROVIDER", config.OracleProvider,
		"REDIS_URL_SET", config.RedisURL != "",
		"CRISIS_PHRASES_FILE", config.PhrasesFile,
		"ORACLE_TIMEOUT", config.OracleTimeout,
		"HISTORY_LIMIT", config.HistoryLimit)

	return config
}

// parseCommandLineFlags parses args with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		sentimentScale: config.SentimentScale,
		emotionScale:   config.EmotionScale,
		oracleTimeout:  config.OracleTimeout,
		idleTimeout:    config.IdleTimeout,
		historyLimit:   config.HistoryLimit,
		debugMode:      config.DebugMode,
	}
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for CheckIn data (overrides $CHECKIN_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.oracleProvider, "oracle-provider", config.OracleProvider, "language model provider, openai or gemini (overrides $ORACLE_PROVIDER)")
	fs.StringVar(&flags.redisURL, "redis-url", config.RedisURL, "Redis URL for cross-replica session locks (overrides $REDIS_URL)")
	fs.StringVar(&flags.crisisPhrases, "crisis-phrases", config.PhrasesFile, "YAML crisis phrase list (overrides $CRISIS_PHRASES_FILE)")
	fs.StringVar(&flags.catalogFile, "catalog", config.CatalogFile, "YAML questionnaire catalog (overrides $CATALOG_FILE)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a moved state directory when the DSN is still the derived default.
	if flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && flags.stateDir != config.StateDir {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"openaiKeySet", flags.openaiKey != "",
		"oracleProvider", flags.oracleProvider,
		"redisURLSet", flags.redisURL != "",
		"crisisPhrases", flags.crisisPhrases)
	return flags, nil
}

// openStore picks SQLite or Postgres from the DSN. SQLite deployments take
// the state directory lock; the returned release func must be called on exit.
func openStore(flags Flags) (store.Backend, func(), error) {
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(flags.dbDSN))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, func() {}, nil
	}

	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.dbDSN)
	lock, err := lockfile.AcquireLock(filepath.Dir(flags.dbDSN))
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(flags.dbDSN))
	if err != nil {
		lock.Release()
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return st, func() { lock.Release() }, nil
}

// buildOracle constructs the language model client for the configured provider.
func buildOracle(ctx context.Context, flags Flags) (genai.Oracle, error) {
	opts := []genai.Option{genai.WithDebugMode(flags.debugMode), genai.WithStateDir(flags.stateDir)}
	switch strings.ToLower(flags.oracleProvider) {
	case "", "openai":
		if flags.openaiKey != "" {
			opts = append(opts, genai.WithAPIKey(flags.openaiKey))
		}
		return genai.NewClient(opts...)
	case "gemini":
		return genai.NewGeminiClient(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", flags.oracleProvider)
	}
}

// buildGate loads the crisis phrase list, falling back to the built-in catalog.
func buildGate(flags Flags) (*safety.Gate, error) {
	if flags.crisisPhrases == "" {
		return safety.NewDefaultGate(), nil
	}
	phrases, err := safety.LoadPhrasesFile(flags.crisisPhrases)
	if err != nil {
		return nil, fmt.Errorf("load crisis phrases: %w", err)
	}
	return safety.NewGate(phrases), nil
}

func buildCatalog(flags Flags) (*catalog.Catalog, error) {
	if flags.catalogFile == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(flags.catalogFile)
}

// buildNotifier returns a Twilio notifier when configured, else a log-only one.
func buildNotifier() alert.Notifier {
	n, err := alert.NewTwilioNotifier()
	if err != nil {
		slog.Warn("Twilio crisis alerts not configured, logging alerts only", "error", err)
		return alert.LogNotifier{}
	}
	return n
}

// buildFlowOptions assembles the flow service options that depend on flags.
func buildFlowOptions(ctx context.Context, flags Flags) ([]flow.Option, func(), error) {
	gate, err := buildGate(flags)
	if err != nil {
		return nil, nil, err
	}
	scale, err := upstream.ParseScale(flags.sentimentScale)
	if err != nil {
		return nil, nil, err
	}
	emotionScale, err := upstream.ParseScale(flags.emotionScale)
	if err != nil {
		return nil, nil, err
	}
	opts := []flow.Option{
		flow.WithGate(gate),
		flow.WithNormalizer(upstream.NewNormalizer(upstream.WithScale(scale), upstream.WithEmotionScale(emotionScale))),
		flow.WithCollector(upstream.NewCollector(upstream.WithTimeout(util.ParseDurationEnv("UPSTREAM_TIMEOUT", upstream.DefaultUpstreamTimeout)))),
		flow.WithIdleTimeout(flags.idleTimeout),
	}
	if flags.redisURL == "" {
		return opts, func() {}, nil
	}
	locker, err := flow.NewRedisLockerFromURL(ctx, flags.redisURL, flow.DefaultRedisLockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis locker: %w", err)
	}
	return append(opts, flow.WithLocker(locker)), func() {
		if err := locker.Close(); err != nil {
			slog.Warn("RedisLocker close failed", "error", err)
		}
	}, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	return apiOpts
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	st, release, err := openStore(flags)
	if err != nil {
		return err
	}
	defer release()
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	cat, err := buildCatalog(flags)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	oracle, err := buildOracle(ctx, flags)
	if err != nil {
		return fmt.Errorf("create oracle: %w", err)
	}
	engine := reconcile.NewEngine(oracle, cat,
		reconcile.WithOracleTimeout(flags.oracleTimeout),
		reconcile.WithHistoryLimit(flags.historyLimit))

	flowOpts, closeLocker, err := buildFlowOptions(ctx, flags)
	if err != nil {
		return err
	}
	defer closeLocker()
	svc := flow.NewService(st, engine, flowOpts...)

	sender := store.NewOutboxSender(st, flow.CrisisAlertSender(buildNotifier()), 0)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}
	runner := store.NewJobRunner(st, 0)
	flow.RegisterJobHandlers(runner, svc)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}

	server := api.NewServer(svc, buildAPIOptions(flags)...)
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "api_addr", server.Addr(),
		"oracle_provider", flags.oracleProvider, "catalog_version", cat.Version())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sender.Run(gctx); return nil })
	g.Go(func() error { runner.Run(gctx); return nil })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
