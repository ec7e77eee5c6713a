package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	// Type is one of local, s3 or sqlite. Approvals and push subscriptions
	// always use the key/value storage; sqlite only replaces the task store.
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".featureguild/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket   string `envconfig:"S3_BUCKET"`
	S3Prefix   string `envconfig:"S3_PREFIX" default:"featureguild/"`
	S3Region   string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	S3Endpoint string `envconfig:"S3_ENDPOINT"`
	// SQLite settings (used when Type == "sqlite")
	SQLitePath string `envconfig:"SQLITE_PATH" default:".featureguild/featureguild.db"`
	// JournalDir receives the daily NDJSON event journal. Empty disables it.
	JournalDir string `envconfig:"JOURNAL_DIR" default:".featureguild/events"`
}

type SandboxEnv struct {
	RepoPath     string `envconfig:"REPO_PATH" default:"."`
	BaseBranch   string `envconfig:"BASE_BRANCH" default:"main"`
	WorktreesDir string `envconfig:"WORKTREES_DIR" default:".featureguild/worktrees"`
	BranchPrefix string `envconfig:"BRANCH_PREFIX" default:"feat/"`
	AuthorName   string `envconfig:"GIT_AUTHOR_NAME" default:"featureguild"`
	AuthorEmail  string `envconfig:"GIT_AUTHOR_EMAIL" default:"featureguild@localhost"`
}

type GatewayEnv struct {
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	CommandMaxTimeout time.Duration `envconfig:"COMMAND_MAX_TIMEOUT" default:"10m"`
	MaxOutputBytes    int           `envconfig:"MAX_OUTPUT_BYTES" default:"10485760"`
	MaxReadBytes      int           `envconfig:"MAX_READ_BYTES" default:"1048576"`
	RulesFile         string        `envconfig:"RULES_FILE"`
}

type SessionEnv struct {
	MaxRounds       int           `envconfig:"MAX_ROUNDS" default:"50"`
	ReasonerURL     string        `envconfig:"REASONER_URL"`
	ReasonerToken   string        `envconfig:"REASONER_TOKEN"`
	ReasonerTimeout time.Duration `envconfig:"REASONER_TIMEOUT" default:"5m"`
}

type VAPIDEnv struct {
	PublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	PrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	Subject    string `envconfig:"VAPID_SUBJECT" default:"mailto:admin@localhost"`
}

// Enabled reports whether both VAPID keys are configured.
func (e *VAPIDEnv) Enabled() bool {
	return e.PublicKey != "" && e.PrivateKey != ""
}

type JanitorEnv struct {
	Schedule string `envconfig:"JANITOR_SCHEDULE" default:"@every 10m"`
}

type Env struct {
	BaseEnv
	StorageEnv
	SandboxEnv
	GatewayEnv
	SessionEnv
	VAPIDEnv
	JanitorEnv
}

const namespace = "FEATUREGUILD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Env) validate() error {
	switch e.StorageEnv.Type {
	case "local", "sqlite":
	case "s3":
		if e.S3Bucket == "" {
			return fmt.Errorf("FEATUREGUILD_S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", e.StorageEnv.Type)
	}
	if e.MaxRounds <= 0 {
		return fmt.Errorf("FEATUREGUILD_MAX_ROUNDS must be positive")
	}
	if e.CommandTimeout <= 0 || e.CommandMaxTimeout < e.CommandTimeout {
		return fmt.Errorf("command timeout must be positive and not exceed the max timeout")
	}
	return nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
