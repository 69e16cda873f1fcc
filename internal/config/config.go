package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads YAML strings like "5m" or
// "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models careline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	LLM struct {
		BaseURL   string   `yaml:"base_url"`
		APIKeyEnv string   `yaml:"api_key_env"`
		Model     string   `yaml:"model"`
		Timeout   Duration `yaml:"timeout"`
		MaxTurns  int      `yaml:"max_turns"`
	} `yaml:"llm"`
	Drafts struct {
		ConfirmWindow Duration `yaml:"confirm_window"`
	} `yaml:"drafts"`
	Worker struct {
		BatchSize   int      `yaml:"batch_size"`
		Interval    Duration `yaml:"interval"`
		MaxAttempts int      `yaml:"max_attempts"`
	} `yaml:"worker"`
	WorkItems struct {
		// Default priority per trigger name; a trigger without an entry
		// cannot mint work items (priority is never silently defaulted).
		Priorities map[string]string `yaml:"priorities"`
	} `yaml:"work_items"`
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careline.yml")
}

// Default returns a config with working defaults for local use.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8480"
	cfg.Server.BasePath = "/v0"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.APIKeyEnv = "CARELINE_LLM_API_KEY"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.Timeout = Duration(60 * time.Second)
	cfg.LLM.MaxTurns = 6
	cfg.Drafts.ConfirmWindow = Duration(5 * time.Minute)
	cfg.Worker.BatchSize = 20
	cfg.Worker.Interval = Duration(2 * time.Second)
	cfg.Worker.MaxAttempts = 3
	cfg.WorkItems.Priorities = map[string]string{
		"member_review":    "normal",
		"policy_follow_up": "high",
	}
	return cfg
}

// Load reads careline.yml from the workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document. Omitted fields keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.LLM.MaxTurns <= 0 {
		return fmt.Errorf("config.llm.max_turns must be positive")
	}
	if c.Drafts.ConfirmWindow <= 0 {
		return fmt.Errorf("config.drafts.confirm_window must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("config.worker.batch_size must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("config.worker.max_attempts must be positive")
	}
	for trigger, p := range c.WorkItems.Priorities {
		switch p {
		case "low", "normal", "high", "urgent":
		default:
			return fmt.Errorf("work_items.priorities.%s: unknown priority %q", trigger, p)
		}
	}
	return nil
}

// APIKey resolves the LLM API key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}
