// Package config handles Counselor configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/counselor/config.yaml,
// /etc/counselor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "counselor", "config.yaml"))
	}

	paths = append(paths, "/etc/counselor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Counselor configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Assistant AssistantConfig `yaml:"assistant"`
	Poller    PollerConfig    `yaml:"poller"`
	Jobs      JobsConfig      `yaml:"jobs"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json

	// Pricing maps model names to per-million-token prices for usage
	// accounting. Unlisted models are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines access to the Assistants API.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// AssistantID reuses an existing assistant instead of creating one
	// at startup.
	AssistantID string `yaml:"assistant_id"`
}

// AssistantConfig is the persona the engine runs every prompt against.
// It is read once at startup and never changes for the process lifetime.
type AssistantConfig struct {
	Name            string `yaml:"name"`
	Instructions    string `yaml:"instructions"`
	RunInstructions string `yaml:"run_instructions"`
	Model           string `yaml:"model"`
	// StarterQuestions are offered to clients opening a new thread.
	StarterQuestions []string `yaml:"starter_questions"`
}

// PollerConfig controls run polling.
type PollerConfig struct {
	// Delay is the fixed wait before every poll, including the first.
	Delay time.Duration `yaml:"delay"`
	// MaxAttempts bounds how many polls one run gets before it is
	// abandoned.
	MaxAttempts int `yaml:"max_attempts"`
	// StepTimeout bounds a single poll step (engine calls plus tools).
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// JobsConfig is the fixed filter profile of the job-search tool.
type JobsConfig struct {
	BaseURL           string `yaml:"base_url"`
	Keyword           string `yaml:"keyword"`
	Location          string `yaml:"location"`
	PostedWithin      string `yaml:"posted_within"`    // past_24h, past_week, past_month
	JobType           string `yaml:"job_type"`         // full_time, part_time, contract, temporary, internship
	Remote            string `yaml:"remote"`           // on_site, remote, hybrid
	MinSalary         int    `yaml:"min_salary"`       // 40000, 60000, 80000, 100000 or 120000
	ExperienceLevel   string `yaml:"experience_level"` // internship, entry_level, associate, senior, director, executive
	Limit             int    `yaml:"limit"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// MQTTConfig enables publication of run events to a broker. Empty
// Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// PricingEntry is the USD price of a model per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. A .env file in the config
// file's directory and one in the working directory are loaded first
// (without overriding variables already set), then ${VAR} references
// in the YAML are expanded.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Default returns the default configuration: the career counselor
// persona and the job-search profile the service ships with.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 5000},
		OpenAI: OpenAIConfig{BaseURL: "https://api.openai.com/v1"},
		Assistant: AssistantConfig{
			Name:            "Career Counselor",
			Instructions:    "You identify and help user assess their interests, abilities, and values, also suited jobs.",
			RunInstructions: "Keep the chats open ended and ask questions to know more",
			Model:           "gpt-3.5-turbo-16k",
			StarterQuestions: []string{
				"Let's just start with your introduction, name, age, and your passion",
				"Why do you want this counseling?",
				"Tell me what are your skills",
				"What skills do you want to develop?",
			},
		},
		Poller: PollerConfig{
			Delay:       15 * time.Second,
			MaxAttempts: 20,
			StepTimeout: 2 * time.Minute,
		},
		Jobs: JobsConfig{
			BaseURL:           "https://www.linkedin.com/jobs-guest/jobs/api/seeMoreJobPostings/search",
			Keyword:           "software engineer",
			Location:          "India",
			PostedWithin:      "past_week",
			JobType:           "full_time",
			Remote:            "remote",
			MinSalary:         100000,
			ExperienceLevel:   "entry_level",
			Limit:             5,
			RequestsPerMinute: 6,
		},
		MQTT:     MQTTConfig{TopicPrefix: "counselor"},
		DataDir:  "./data",
		LogLevel: "info",
		Pricing: map[string]PricingEntry{
			"gpt-3.5-turbo-16k": {InputPerMillion: 3.0, OutputPerMillion: 4.0},
			"gpt-4o":            {InputPerMillion: 2.5, OutputPerMillion: 10.0},
			"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.6},
		},
	}
}

// applyDefaults restores defaults for fields a config file explicitly
// blanked (e.g. "port: ${PORT}" with PORT unset).
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = d.OpenAI.BaseURL
	}
	c.OpenAI.BaseURL = strings.TrimRight(c.OpenAI.BaseURL, "/")
	if c.Assistant.Name == "" {
		c.Assistant.Name = d.Assistant.Name
	}
	if c.Assistant.Model == "" {
		c.Assistant.Model = d.Assistant.Model
	}
	if c.Poller.Delay == 0 {
		c.Poller.Delay = d.Poller.Delay
	}
	if c.Poller.MaxAttempts == 0 {
		c.Poller.MaxAttempts = d.Poller.MaxAttempts
	}
	if c.Poller.StepTimeout == 0 {
		c.Poller.StepTimeout = d.Poller.StepTimeout
	}
	if c.Jobs.BaseURL == "" {
		c.Jobs.BaseURL = d.Jobs.BaseURL
	}
	if c.Jobs.Limit == 0 {
		c.Jobs.Limit = d.Jobs.Limit
	}
	if c.Jobs.RequestsPerMinute == 0 {
		c.Jobs.RequestsPerMinute = d.Jobs.RequestsPerMinute
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if _, err := url.ParseRequestURI(c.OpenAI.BaseURL); err != nil {
		return fmt.Errorf("openai.base_url: %w", err)
	}
	if c.OpenAI.AssistantID == "" && c.Assistant.Instructions == "" {
		return fmt.Errorf("assistant.instructions is required when openai.assistant_id is not set")
	}
	if c.Poller.Delay < 0 {
		return fmt.Errorf("poller.delay must not be negative")
	}
	if c.Poller.MaxAttempts < 1 {
		return fmt.Errorf("poller.max_attempts must be at least 1")
	}
	for model, p := range c.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("pricing.%s: prices must not be negative", model)
		}
	}
	if c.Jobs.Limit < 1 {
		return fmt.Errorf("jobs.limit must be at least 1")
	}
	if _, err := url.ParseRequestURI(c.Jobs.BaseURL); err != nil {
		return fmt.Errorf("jobs.base_url: %w", err)
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
		default:
			return fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme)
		}
	}
	return nil
}
