// Package config loads the governor's YAML configuration, applies environment
// overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/civicbot/governor/internal/cycle"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/llm"
	"github.com/civicbot/governor/internal/logging"
	"github.com/civicbot/governor/internal/observability"
	"github.com/civicbot/governor/internal/pow"
)

// #region types

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Logging   logging.Config              `yaml:"logging"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Storage   StorageConfig               `yaml:"storage"`
	Gate      gate.GateConfig             `yaml:"gate"`
	Eval      eval.EvalConfig             `yaml:"eval"`
	PoW       pow.Config                  `yaml:"pow"`
	Cycle     cycle.Config                `yaml:"cycle"`
	Reviewers []ReviewerConfig            `yaml:"reviewers" validate:"dive"`
	Analysis  AnalysisConfig              `yaml:"analysis"`
	Training  TrainingConfig              `yaml:"training"`
	Debate    DebateConfig                `yaml:"debate"`
	Firebase  FirebaseConfig              `yaml:"firebase"`
	Export    ExportConfig                `yaml:"export"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// RateLimit is requests per second per client on the challenge and vote
	// routes. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StorageConfig selects the database and ledger backend.
type StorageConfig struct {
	DBPath        string `yaml:"db_path" validate:"required"`
	LedgerBackend string `yaml:"ledger_backend" validate:"oneof=sqlite badger"`
	BadgerDir     string `yaml:"badger_dir" validate:"required_if=LedgerBackend badger"`
}

// ReviewerConfig is one external reviewer.
type ReviewerConfig struct {
	ID   string      `yaml:"id" validate:"required"`
	Kind string      `yaml:"kind" validate:"oneof=llm grpc simulated"`
	LLM  *llm.Config `yaml:"llm" validate:"required_if=Kind llm"`
	Addr string      `yaml:"addr" validate:"required_if=Kind grpc"`
}

// AnalysisConfig points at the analysis script. An empty Command uses the
// built-in heuristic analyzer; Fallback adds it behind a configured command.
type AnalysisConfig struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Fallback bool     `yaml:"fallback"`
}

// TrainingConfig selects the dataset generator and trainer.
type TrainingConfig struct {
	Generator  string      `yaml:"generator" validate:"oneof=dir llm"`
	DatasetDir string      `yaml:"dataset_dir" validate:"required_if=Generator dir"`
	LLM        *llm.Config `yaml:"llm" validate:"required_if=Generator llm"`
	Topics     []string    `yaml:"topics" validate:"required_if=Generator llm"`
	PerTopic   int         `yaml:"per_topic" validate:"gte=0"`
	OutDir     string      `yaml:"out_dir"`
	// An empty TrainerCommand uses the simulated trainer.
	TrainerCommand string        `yaml:"trainer_command"`
	TrainerArgs    []string      `yaml:"trainer_args"`
	TrainerTimeout time.Duration `yaml:"trainer_timeout" validate:"gte=0"`
}

// DebateConfig lists the debaters.
type DebateConfig struct {
	ArgumentTimeout time.Duration   `yaml:"argument_timeout" validate:"gte=0"`
	Debaters        []DebaterConfig `yaml:"debaters" validate:"dive"`
}

// DebaterConfig is one debater. Without LLM it argues from a template.
type DebaterConfig struct {
	ID       string      `yaml:"id" validate:"required"`
	Position string      `yaml:"position" validate:"required"`
	LLM      *llm.Config `yaml:"llm"`
}

// FirebaseConfig enables admin ID-token auth and the Firestore ledger mirror.
type FirebaseConfig struct {
	ProjectID        string `yaml:"project_id"`
	CredentialsFile  string `yaml:"credentials_file"`
	AuthEnabled      bool   `yaml:"auth_enabled"`
	MirrorCollection string `yaml:"mirror_collection"`
}

// Enabled reports whether any Firebase feature is on.
func (f FirebaseConfig) Enabled() bool {
	return f.AuthEnabled || f.MirrorCollection != ""
}

// ExportConfig is the default GCS destination for ledger exports.
type ExportConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// #endregion types

// #region defaults

// Default returns a config that runs standalone: SQLite ledger, heuristic
// analysis, simulated trainer and three simulated reviewers.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       5,
			RateBurst:       10,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Tracing: observability.DefaultTracingConfig(),
		Storage: StorageConfig{
			DBPath:        "governor.db",
			LedgerBackend: "sqlite",
		},
		Gate:  gate.DefaultGateConfig(),
		Eval:  eval.DefaultEvalConfig(),
		PoW:   pow.DefaultConfig(),
		Cycle: cycle.DefaultConfig(),
		Reviewers: []ReviewerConfig{
			{ID: "mistral", Kind: "simulated"},
			{ID: "llama", Kind: "simulated"},
			{ID: "openai", Kind: "simulated"},
		},
		Training: TrainingConfig{
			Generator:  "dir",
			DatasetDir: "data/training",
			PerTopic:   5,
		},
		Debate: DebateConfig{
			ArgumentTimeout: time.Minute,
			Debaters: []DebaterConfig{
				{ID: "pro", Position: "for"},
				{ID: "con", Position: "against"},
			},
		},
		Export: ExportConfig{Prefix: "ledger/"},
	}
}

// #endregion defaults

// #region load

var validate = validator.New()

// Load reads path over Default, applies environment overrides and validates.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// #endregion load

// #region env

func applyEnv(cfg *Config) {
	cfg.Storage.DBPath = envOr("GOVERNOR_DB", cfg.Storage.DBPath)
	cfg.Storage.LedgerBackend = envOr("GOVERNOR_LEDGER_BACKEND", cfg.Storage.LedgerBackend)
	cfg.Storage.BadgerDir = envOr("GOVERNOR_BADGER_DIR", cfg.Storage.BadgerDir)
	cfg.Server.Addr = envOr("GOVERNOR_ADDR", cfg.Server.Addr)
	cfg.Logging.Level = envOr("GOVERNOR_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOr("GOVERNOR_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Exporter = envOr("GOVERNOR_TRACE_EXPORTER", cfg.Tracing.Exporter)
	cfg.Firebase.ProjectID = envOr("GOVERNOR_FIREBASE_PROJECT", cfg.Firebase.ProjectID)
	cfg.Export.Bucket = envOr("GOVERNOR_EXPORT_BUCKET", cfg.Export.Bucket)

	if v := os.Getenv("GOVERNOR_POW_DIFFICULTY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.PoW.Difficulty = i
		}
	}
	if v := os.Getenv("GOVERNOR_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cycle.ScheduleInterval = d
		}
	}

	// One shared key fills every LLM endpoint that has none.
	if key := os.Getenv("GOVERNOR_LLM_API_KEY"); key != "" {
		for _, c := range cfg.llmConfigs() {
			if c.APIKey == "" {
				c.APIKey = key
			}
		}
	}
}

func (c *Config) llmConfigs() []*llm.Config {
	var out []*llm.Config
	for i := range c.Reviewers {
		if c.Reviewers[i].LLM != nil {
			out = append(out, c.Reviewers[i].LLM)
		}
	}
	for i := range c.Debate.Debaters {
		if c.Debate.Debaters[i].LLM != nil {
			out = append(out, c.Debate.Debaters[i].LLM)
		}
	}
	if c.Training.LLM != nil {
		out = append(out, c.Training.LLM)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion env
