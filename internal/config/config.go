package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixed system defaults.
const (
	DefaultConcurrency      = 5
	DefaultBatchSize        = 25
	DefaultMaxRetries       = 2
	DefaultMaxItems         = 10000
	DefaultFanIn            = 20
	DefaultProgressInterval = 10
	DefaultRetryDelay       = 2 * time.Second
)

// Input types.
const (
	InputLines           = "lines"
	InputStructuredArray = "structured-array"
)

// Reduce strategies.
const (
	ReduceConcatenate  = "concatenate"
	ReduceSummarize    = "summarize"
	ReduceHierarchical = "hierarchical"
)

type Config struct {
	NATS      NATSConfig                  `yaml:"nats"`
	Store     StoreConfig                 `yaml:"store"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Web       WebConfig                   `yaml:"web"`
	Telegram  TelegramConfig              `yaml:"telegram"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Executor  ExecutorConfig              `yaml:"executor"`
	Router    RouterConfig                `yaml:"router"`
	Defaults  DefaultsConfig              `yaml:"defaults"`
	Workers   map[string]WorkerDefinition `yaml:"workers"`
	Swarms    map[string]SwarmConfig      `yaml:"swarms"`
}

type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL of an existing NATS server. Used by commands that do not embed the bus.
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebConfig controls the HTTP API. Auth, when set, is the basic-auth
// password.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// TelegramConfig enables the chat intake when Token is set. An empty
// AllowFrom accepts every user.
type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ExecutorConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RouterConfig struct {
	DefaultSwarm string `yaml:"default_swarm"`
	// Classifier is an optional worker asked to pick a swarm for messages
	// without an explicit @name prefix.
	Classifier string `yaml:"classifier"`
}

// DefaultsConfig holds engine-wide limits applied to every swarm.
type DefaultsConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	MaxItems   int           `yaml:"max_items"`
	FanIn      int           `yaml:"hierarchical_reduce_fanin"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Model is passed to workers that do not declare their own.
	Model string `yaml:"model"`
}

// WorkerDefinition declares a worker. Workers with a command are served by
// the gateway itself; the prompt arrives on the command's stdin.
type WorkerDefinition struct {
	Description string `yaml:"description"`
	Model       string `yaml:"model"`
	Command     string `yaml:"command"`
	Concurrency int    `yaml:"concurrency"`
}

// SwarmConfig describes one map-reduce job type. It is copied per job and
// never mutated while the job runs.
type SwarmConfig struct {
	Name             string       `yaml:"name"`
	Description      string       `yaml:"description"`
	Agent            string       `yaml:"agent"`
	Concurrency      int          `yaml:"concurrency"`
	BatchSize        int          `yaml:"batch_size"`
	Input            InputConfig  `yaml:"input"`
	PromptTemplate   string       `yaml:"prompt_template"`
	Reduce           ReduceConfig `yaml:"reduce"`
	ProgressInterval int          `yaml:"progress_interval"`

	// Schedule is an optional cron expression; Message is the task text
	// submitted when it fires.
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
}

type InputConfig struct {
	Command string `yaml:"command"`
	Type    string `yaml:"type"`
}

type ReduceConfig struct {
	Strategy string `yaml:"strategy"`
	Prompt   string `yaml:"prompt"`
	Agent    string `yaml:"agent"`
}

// ReduceAgent returns the worker used for reduction passes.
func (s SwarmConfig) ReduceAgent() string {
	if s.Reduce.Agent != "" {
		return s.Reduce.Agent
	}
	return s.Agent
}

// WithDefaults fills zero-valued tunables.
func (s SwarmConfig) WithDefaults() SwarmConfig {
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.Input.Type == "" {
		s.Input.Type = InputLines
	}
	if s.Reduce.Strategy == "" {
		s.Reduce.Strategy = ReduceConcatenate
	}
	if s.ProgressInterval <= 0 {
		s.ProgressInterval = DefaultProgressInterval
	}
	return s
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port: 4222,
			URL:  "nats://127.0.0.1:4222",
		},
		Store: StoreConfig{
			Path: "data/swarmer.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Web: WebConfig{
			Port: 8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout: 15 * time.Minute,
		},
		Defaults: DefaultsConfig{
			MaxRetries: DefaultMaxRetries,
			MaxItems:   DefaultMaxItems,
			FanIn:      DefaultFanIn,
			RetryDelay: DefaultRetryDelay,
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("SWARMER_CONFIG"); p != "" {
		return p
	}
	return "config/swarmer.yaml"
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	// Map keys name swarms unless the entry says otherwise.
	for key, sw := range cfg.Swarms {
		if sw.Name == "" {
			sw.Name = key
			cfg.Swarms[key] = sw
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWARMER_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SWARMER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SWARMER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARMER_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("SWARMER_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SWARMER_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SWARMER_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}
