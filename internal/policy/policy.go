package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPolicyPath = ".missionctl/policy.json"

type Config struct {
	Version int `json:"version"`
	Broker  struct {
		URL            string `json:"url"`
		KeyPrefix      string `json:"key_prefix"`
		ConnectRetries int    `json:"connect_retries"`
	} `json:"broker"`
	History struct {
		Limit      int `json:"limit"`
		TTLSeconds int `json:"ttl_seconds"`
	} `json:"history"`
	Stream struct {
		KeepaliveSeconds int `json:"keepalive_seconds"`
		QueueSize        int `json:"queue_size"`
	} `json:"stream"`
	Sandbox struct {
		Provider              string   `json:"provider"`
		RemoteURL             string   `json:"remote_url"`
		APIKey                string   `json:"api_key,omitempty"`
		Template              string   `json:"template"`
		WorkDir               string   `json:"workdir"`
		CommandTimeoutSeconds int      `json:"command_timeout_seconds"`
		ProvisionRetries      int      `json:"provision_retries"`
		GitUserName           string   `json:"git_user_name"`
		GitUserEmail          string   `json:"git_user_email"`
		CommitDenylist        []string `json:"commit_denylist"`
	} `json:"sandbox"`
	Store struct {
		DBPath string `json:"db_path"`
	} `json:"store"`
	Archive struct {
		Enabled bool   `json:"enabled"`
		Stream  string `json:"stream"`
	} `json:"archive"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Broker.URL = "redis://localhost:6379"
	cfg.Broker.KeyPrefix = "talos"
	cfg.Broker.ConnectRetries = 3
	cfg.History.Limit = 100
	cfg.History.TTLSeconds = 3600
	cfg.Stream.KeepaliveSeconds = 15
	cfg.Stream.QueueSize = 64
	cfg.Sandbox.Provider = "local"
	cfg.Sandbox.Template = "base"
	cfg.Sandbox.WorkDir = "/home/user/repo"
	cfg.Sandbox.CommandTimeoutSeconds = 60
	cfg.Sandbox.ProvisionRetries = 2
	cfg.Sandbox.GitUserName = "TALOS Agent"
	cfg.Sandbox.GitUserEmail = "talos@self-healing.ai"
	cfg.Sandbox.CommitDenylist = []string{
		"repomix_script.py",
		"package-lock.json",
		"yarn.lock",
		"poetry.lock",
		"pnpm-lock.yaml",
	}
	cfg.Store.DBPath = ".missionctl/missionctl.db"
	cfg.Archive.Enabled = false
	cfg.Archive.Stream = "talos:archive"
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		ApplyEnv(&cfg)
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	ApplyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

// ApplyEnv overlays REDIS_URL and SANDBOX_API_KEY when they are set.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Broker.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_API_KEY")); v != "" {
		cfg.Sandbox.APIKey = v
	}
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Broker.URL) == "" {
		return fmt.Errorf("broker.url cannot be empty")
	}
	if strings.TrimSpace(cfg.Broker.KeyPrefix) == "" {
		return fmt.Errorf("broker.key_prefix cannot be empty")
	}
	if cfg.Broker.ConnectRetries < 0 {
		return fmt.Errorf("broker.connect_retries must be >= 0")
	}
	if cfg.History.Limit <= 0 || cfg.History.TTLSeconds <= 0 {
		return fmt.Errorf("history limit and ttl must be > 0")
	}
	if cfg.Stream.KeepaliveSeconds <= 0 {
		return fmt.Errorf("stream.keepalive_seconds must be > 0")
	}
	if cfg.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be > 0")
	}
	switch cfg.Sandbox.Provider {
	case "local":
	case "remote":
		if strings.TrimSpace(cfg.Sandbox.RemoteURL) == "" {
			return fmt.Errorf("sandbox.remote_url is required for the remote provider")
		}
	default:
		return fmt.Errorf("sandbox.provider must be local|remote")
	}
	if strings.TrimSpace(cfg.Sandbox.WorkDir) == "" {
		return fmt.Errorf("sandbox.workdir cannot be empty")
	}
	if cfg.Sandbox.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.command_timeout_seconds must be > 0")
	}
	if cfg.Sandbox.ProvisionRetries < 0 {
		return fmt.Errorf("sandbox.provision_retries must be >= 0")
	}
	for _, entry := range cfg.Sandbox.CommitDenylist {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("sandbox.commit_denylist cannot contain empty entries")
		}
	}
	if cfg.Archive.Enabled && strings.TrimSpace(cfg.Archive.Stream) == "" {
		return fmt.Errorf("archive.stream is required when the archive is enabled")
	}
	return nil
}

func (c Config) HistoryTTL() time.Duration {
	return time.Duration(c.History.TTLSeconds) * time.Second
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Stream.KeepaliveSeconds) * time.Second
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.Sandbox.CommandTimeoutSeconds) * time.Second
}
