package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML values such as "90s" or "2m".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config models orderline.yml.
type Config struct {
	Scripts struct {
		// Interpreter prefixes every script invocation, e.g. "node" or "bash".
		Interpreter string `yaml:"interpreter"`
		PM          string `yaml:"pm"`
		Worker      string `yaml:"worker"`
		Review      string `yaml:"review"`
		Dir         string `yaml:"dir"`
	} `yaml:"scripts"`
	AI struct {
		Model string `yaml:"model"`
	} `yaml:"ai"`
	Timeouts struct {
		Planning  Duration `yaml:"planning"`
		Execution Duration `yaml:"execution"`
		Review    Duration `yaml:"review"`
	} `yaml:"timeouts"`
	Polling struct {
		ActiveInterval Duration `yaml:"active_interval"`
		IdleInterval   Duration `yaml:"idle_interval"`
		TaskTimeout    Duration `yaml:"task_timeout"`
	} `yaml:"polling"`
	Monitor struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"monitor"`
	History struct {
		Limit int `yaml:"limit"`
	} `yaml:"history"`
	Parallel struct {
		MaxWorkers int `yaml:"max_workers"`
	} `yaml:"parallel"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards event log rows to an HTTP endpoint. An empty
// Events list matches every type.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
	Enabled *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with ol config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, d := range map[string]Duration{
		"timeouts.planning":       c.Timeouts.Planning,
		"timeouts.execution":      c.Timeouts.Execution,
		"timeouts.review":         c.Timeouts.Review,
		"polling.active_interval": c.Polling.ActiveInterval,
		"polling.idle_interval":   c.Polling.IdleInterval,
		"polling.task_timeout":    c.Polling.TaskTimeout,
		"monitor.interval":        c.Monitor.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	if c.Polling.ActiveInterval > c.Polling.IdleInterval {
		return fmt.Errorf("config.polling.active_interval must not exceed idle_interval")
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("config.history.limit must be positive")
	}
	if c.Parallel.MaxWorkers <= 0 {
		return fmt.Errorf("config.parallel.max_workers must be positive")
	}
	if c.AI.Model == "" {
		return fmt.Errorf("config.ai.model is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http or https", i)
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// ScriptPath resolves a configured script against scripts.dir.
func (c *Config) ScriptPath(script string) string {
	if script == "" || filepath.IsAbs(script) || c.Scripts.Dir == "" {
		return script
	}
	return filepath.Join(c.Scripts.Dir, script)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orderline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `scripts:
  interpreter: ""
  pm: scripts/pm.sh
  worker: scripts/worker.sh
  review: scripts/review.sh
  dir: ""

ai:
  model: sonnet

timeouts:
  planning: 2m
  execution: 60m
  review: 60m

polling:
  active_interval: 3s
  idle_interval: 7s
  task_timeout: 30m

monitor:
  interval: 5s

history:
  limit: 100

parallel:
  max_workers: 3

server:
  addr: 127.0.0.1:8787
  base_path: /v0
  jwt_secret: ""

log:
  level: info
  format: text

# webhooks:
#   - url: http://127.0.0.1:9000/hooks/orderline
#     events: [task-crash, all-tasks-completed]
#     timeout: 5s
webhooks: []
`
