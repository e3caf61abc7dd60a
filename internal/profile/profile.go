package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Failure policies applied by the indexing pipeline when a message cannot be
// enriched or stored.
const (
	OnFailureSkip = "skip"
	OnFailureStop = "stop"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Platform configuration
	Token         string // Bot token for the chat platform gateway
	CommandPrefix string // DM command prefix, e.g. "!"

	// Model runtime configuration (OpenAI-compatible protocol; default is a
	// local Ollama endpoint)
	LLMBaseURL     string
	LLMAPIKey      string
	TextModel      string
	VisionModel    string
	EmbeddingModel string

	// History fetch rate governor
	RateRPS   int // Sustained platform requests per second
	RateBurst int // Rolling 1s window capacity; defaults to RateRPS

	// Conversation queue and worker
	QueueCapacity     int // Pending request capacity (rejections beyond this)
	RequestTimeoutS   int // Wall-clock budget per question, in seconds
	MaxToolIterations int // Tool-call loop iteration cap

	// Indexing pipeline
	ConcurrentChannels int    // Parallel channel fetches per server
	MessagesPerFetch   int    // History chunk size handed to the pipeline
	OnFailure          string // "skip" or "stop"
	SummaryMaxTokens   int    // Token budget for link summaries
	AnswerMaxChars     int    // Chunking threshold for DM answers

	// Server configuration
	Mode        string // dev or prod
	Data        string // Data directory; vector collections live under Data/databases
	Driver      string // sqlite or postgres (shared tables only)
	DSN         string
	MetricsAddr string // Ops HTTP listen address; empty disables the endpoint
	Version     string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// RequestTimeout returns the per-question wall clock budget.
func (p *Profile) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutS) * time.Second
}

// DatabasesDir returns the root directory holding per-server vector collections.
func (p *Profile) DatabasesDir() string {
	return filepath.Join(p.Data, "databases")
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.Token = getEnvOrDefault("TOKEN", "")
	p.CommandPrefix = getEnvOrDefault("COMMAND_PREFIX", "!")

	p.LLMBaseURL = getEnvOrDefault("LLM_BASE_URL", "http://localhost:11434/v1")
	p.LLMAPIKey = getEnvOrDefault("LLM_API_KEY", "ollama")
	p.TextModel = getEnvOrDefault("TEXT_MODEL_NAME", "llama3.1")
	p.VisionModel = getEnvOrDefault("VISION_MODEL_NAME", "llava")
	p.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL_NAME", "nomic-embed-text")

	p.RateRPS = getEnvOrDefaultInt("RATE_RPS", 5)
	p.RateBurst = getEnvOrDefaultInt("RATE_BURST", p.RateRPS)

	p.QueueCapacity = getEnvOrDefaultInt("QUEUE_CAPACITY", 50)
	p.RequestTimeoutS = getEnvOrDefaultInt("REQUEST_TIMEOUT_S", 60)
	p.MaxToolIterations = getEnvOrDefaultInt("MAX_TOOL_ITERATIONS", 10)

	p.ConcurrentChannels = getEnvOrDefaultInt("PIPELINE_CONCURRENT_CHANNELS", 5)
	p.MessagesPerFetch = getEnvOrDefaultInt("MESSAGES_PER_FETCH", 1000)
	p.OnFailure = getEnvOrDefault("ON_FAILURE", OnFailureSkip)
	p.SummaryMaxTokens = getEnvOrDefaultInt("SUMMARY_MAX_TOKENS", 600)
	p.AnswerMaxChars = getEnvOrDefaultInt("ANSWER_MAX_CHARS", 1800)

	p.MetricsAddr = getEnvOrDefault("METRICS_ADDR", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.Token == "" {
		return errors.New("TOKEN is required")
	}
	if p.RateRPS <= 0 {
		return errors.Errorf("RATE_RPS must be positive, got %d", p.RateRPS)
	}
	if p.RateBurst <= 0 {
		p.RateBurst = p.RateRPS
	}
	if p.QueueCapacity <= 0 {
		return errors.Errorf("QUEUE_CAPACITY must be positive, got %d", p.QueueCapacity)
	}
	if p.RequestTimeoutS <= 0 || p.MaxToolIterations <= 0 {
		return errors.New("REQUEST_TIMEOUT_S and MAX_TOOL_ITERATIONS must be positive")
	}
	if p.ConcurrentChannels <= 0 || p.MessagesPerFetch <= 0 {
		return errors.New("PIPELINE_CONCURRENT_CHANNELS and MESSAGES_PER_FETCH must be positive")
	}
	if p.OnFailure != OnFailureSkip && p.OnFailure != OnFailureStop {
		return errors.Errorf("ON_FAILURE must be %q or %q, got %q", OnFailureSkip, OnFailureStop, p.OnFailure)
	}

	return p.ValidateStorage()
}

// ValidateStorage resolves the data directory and shared database DSN. The
// storage-only subcommands call it directly since they run without a platform
// token.
func (p *Profile) ValidateStorage() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "guildseer")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/guildseer"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if err := os.MkdirAll(p.DatabasesDir(), 0770); err != nil {
		return errors.Wrapf(err, "unable to create databases directory %s", p.DatabasesDir())
	}

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("guildseer_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	return nil
}
