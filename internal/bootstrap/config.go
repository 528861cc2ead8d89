// Package bootstrap turns environment configuration into a wired FormPipe application.
// Both the long-running server and the Lambda entry point build through it.
package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FormPipe/internal/auth"
	"github.com/BTreeMap/FormPipe/internal/flow"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/BTreeMap/FormPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FormPipe state data
	DefaultStateDir = "/var/lib/formpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "formpipe.db"
	// DefaultRedisPrefix namespaces every key FormPipe writes to Redis
	DefaultRedisPrefix = "formpipe:"
)

// Config holds environment configuration
type Config struct {
	StateDir    string
	StoreKind   string
	DBDSN       string
	DynamoTable string

	OpenAIKey      string
	OpenAIKeyParam string
	OpenAIBaseURL  string
	OpenAIModel    string
	HistoryLimit   int

	APIAddr        string
	AdminToken     string
	JWTSecret      string
	JWTSecretParam string
	SessionTTL     time.Duration

	RedisAddr     string
	RedisPassword string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioFormSlug   string
	TwilioPublicURL  string
	TwilioOutbound   bool

	FormsDir string
	LogLevel string
	Debug    bool

	// LockStateDir takes the state directory lock so two servers never share a SQLite file.
	LockStateDir bool
}

// LoadEnvironmentConfig loads configuration from environment variables and .env file
func LoadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("bootstrap.LoadEnvironmentConfig: failed to load .env file", "error", err)
	} else {
		slog.Debug("bootstrap.LoadEnvironmentConfig: loaded .env file")
	}

	cfg := Config{
		StateDir:    os.Getenv("FORMPIPE_STATE_DIR"),
		StoreKind:   strings.ToLower(strings.TrimSpace(os.Getenv("FORMPIPE_STORE"))),
		DBDSN:       os.Getenv("FORMPIPE_DB_DSN"),
		DynamoTable: os.Getenv("FORMPIPE_DYNAMODB_TABLE"),

		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIKeyParam: os.Getenv("OPENAI_API_KEY_PARAM"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		HistoryLimit:   util.ParseIntEnv("CHAT_HISTORY_LIMIT", flow.DefaultHistoryLimit),

		APIAddr:        os.Getenv("API_ADDR"),
		AdminToken:     os.Getenv("ADMIN_API_TOKEN"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTSecretParam: os.Getenv("JWT_SECRET_PARAM"),
		SessionTTL:     time.Duration(util.ParseIntEnv("PUBLIC_SESSION_TTL_HOURS", int(auth.DefaultTTL/time.Hour))) * time.Hour,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioFormSlug:   os.Getenv("TWILIO_FORM_SLUG"),
		TwilioPublicURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		TwilioOutbound:   util.ParseBoolEnv("TWILIO_OUTBOUND", false),

		FormsDir: os.Getenv("FORMPIPE_FORMS_DIR"),
		LogLevel: os.Getenv("FORMPIPE_LOG_LEVEL"),
		Debug:    util.ParseBoolEnv("FORMPIPE_DEBUG", false),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("bootstrap.LoadEnvironmentConfig: no FORMPIPE_STATE_DIR set, using default", "state_dir", cfg.StateDir)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = os.Getenv("DATABASE_URL")
	}
	// Without a DSN the file-based store lives in the state directory.
	if cfg.DBDSN == "" && (cfg.StoreKind == "" || cfg.StoreKind == store.KindSQLite) {
		cfg.DBDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("bootstrap.LoadEnvironmentConfig: no database DSN provided, defaulting to SQLite", "sqlite_path", cfg.DBDSN)
	}

	slog.Debug("bootstrap.LoadEnvironmentConfig: environment loaded",
		"FORMPIPE_STATE_DIR", cfg.StateDir,
		"FORMPIPE_STORE", cfg.StoreKind,
		"DB_DSN_SET", cfg.DBDSN != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"OPENAI_API_KEY_PARAM", cfg.OpenAIKeyParam,
		"API_ADDR", cfg.APIAddr,
		"REDIS_ADDR", cfg.RedisAddr,
		"TWILIO_FORM_SLUG", cfg.TwilioFormSlug,
		"FORMPIPE_FORMS_DIR", cfg.FormsDir)
	return cfg
}

// ResolvedStoreKind returns the configured store kind, inferring it from the DSN when unset.
func (c Config) ResolvedStoreKind() string {
	switch {
	case c.StoreKind != "":
		return c.StoreKind
	case c.DBDSN == "":
		return store.KindMemory
	default:
		return store.DetectDSNType(c.DBDSN)
	}
}

var logLevel slog.LevelVar

// InitializeLogger sets up structured logging at debug level until SetLogLevel narrows it.
func InitializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)
}

// SetLogLevel applies a textual level (debug, info, warn, error). Unknown values keep the current level.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		slog.Warn("bootstrap.SetLogLevel: unknown log level", "level", level)
	}
}
