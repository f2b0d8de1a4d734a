package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/TutorPipe/internal/api"
	"github.com/BTreeMap/TutorPipe/internal/flow"
	"github.com/BTreeMap/TutorPipe/internal/genai"
	"github.com/BTreeMap/TutorPipe/internal/quiz"
	"github.com/BTreeMap/TutorPipe/internal/retrieval"
	"github.com/BTreeMap/TutorPipe/internal/store"
	"github.com/BTreeMap/TutorPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TutorPipe state data
	DefaultStateDir = "/var/lib/tutorpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "tutorpipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger(util.ParseBoolEnv("TUTORPIPE_DEBUG", false))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping TutorPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "retrieval_k", *flags.retrievalK)
	if err := run(flags); err != nil {
		slog.Error("TutorPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TutorPipe exited successfully")
}

// run wires the modules together and serves until interrupted, or ingests
// the lessons directory and exits when -ingest is set.
func run(flags Flags) error {
	st, err := store.NewStore(*flags.dbDriver, *flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	loader := retrieval.NewLoader(st, client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *flags.ingest {
		count, err := loader.IngestDirectory(ctx, *flags.lessonsDir)
		if err != nil {
			return err
		}
		slog.Info("Ingestion finished", "lessons", count, "dir", *flags.lessonsDir)
		return nil
	}

	retriever := retrieval.NewRetriever(st, client, *flags.retrievalK)
	stateManager := flow.NewStoreBasedStateManager(st)
	teachingFlow := flow.NewTeachingFlow(
		st,
		stateManager,
		client,
		retriever,
		quiz.NewGenerator(retriever, client),
		quiz.NewEvaluator(client),
	)

	server := api.NewServer(teachingFlow, st, loader, buildAPIOptions(flags)...)
	return server.Start(ctx)
}

// Config holds environment configuration
type Config struct {
	DbDriver    string
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	OpenAIModel string
	APIAddr     string
	LessonsDir  string
	RetrievalK  int
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDriver    *string
	dbDSN       *string
	openaiKey   *string
	openaiModel *string
	apiAddr     *string
	lessonsDir  *string
	retrievalK  *int
	ingest      *bool
}

// initializeLogger sets up structured logging; TUTORPIPE_DEBUG=true lowers
// the level to debug
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DbDriver:    os.Getenv("TUTORPIPE_DB_DRIVER"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("TUTORPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		APIAddr:     os.Getenv("API_ADDR"),
		LessonsDir:  os.Getenv("TUTORPIPE_LESSONS_DIR"),
		RetrievalK:  util.ParseIntEnv("TUTORPIPE_RETRIEVAL_K", retrieval.DefaultK),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TUTORPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	if config.LessonsDir == "" {
		config.LessonsDir = filepath.Join(config.StateDir, "lessons")
	}

	slog.Debug("environment variables loaded",
		"TUTORPIPE_DB_DRIVER", config.DbDriver,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TUTORPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"TUTORPIPE_LESSONS_DIR", config.LessonsDir,
		"TUTORPIPE_RETRIEVAL_K", config.RetrievalK)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for TutorPipe data (overrides $TUTORPIPE_STATE_DIR)"),
		dbDriver:    flag.String("db-driver", config.DbDriver, "database driver: sqlite or postgres (overrides $TUTORPIPE_DB_DRIVER)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		lessonsDir:  flag.String("lessons-dir", config.LessonsDir, "directory of lesson .txt files (overrides $TUTORPIPE_LESSONS_DIR)"),
		retrievalK:  flag.Int("retrieval-k", config.RetrievalK, "number of chunks retrieved per teaching turn (overrides $TUTORPIPE_RETRIEVAL_K)"),
		ingest:      flag.Bool("ingest", false, "ingest the lessons directory and exit"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDriver", *flags.dbDriver,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"lessonsDir", *flags.lessonsDir,
		"retrievalK", *flags.retrievalK,
		"ingest", *flags.ingest)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
