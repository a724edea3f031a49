// Package config loads the server configuration: a yaml file with
// environment-variable expansion plus a small set of environment variables
// read once at startup.
package config

import (
	"fmt"
	"os"
	"strings"
)

// ConfigError is a fatal startup validation failure.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	LLM     LLMConfig     `yaml:"llm"`
	MCP     MCPConfig     `yaml:"mcp"`
	Agent   AgentConfig   `yaml:"agent"`
	Quota   QuotaConfig   `yaml:"quota"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig selects log level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig holds the provider fleet. The per-provider model lists form the
// static model-to-provider membership table the dispatcher is built from.
type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one backend entry. APIKey and Endpoint support
// ${ENV_VAR} expansion in the yaml file; the Env overlay fills them when the
// file leaves them empty.
type ProviderConfig struct {
	APIKey   string   `yaml:"api_key"`
	Endpoint string   `yaml:"endpoint"`
	Models   []string `yaml:"models"`
	// ToolUnsupported lists models for which the tools argument is
	// silently dropped.
	ToolUnsupported []string `yaml:"tool_unsupported"`
	// MultimodalUnsupported lists models that only accept plain text;
	// adapters strip binary content parts for them.
	MultimodalUnsupported []string `yaml:"multimodal_unsupported"`
}

// MCPConfig points at the JSON server registry file.
type MCPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ConfigPath string `yaml:"config_path"`
}

// AgentConfig tunes the executor loop.
type AgentConfig struct {
	MaxSteps            int           `yaml:"max_steps"`
	ReflectionThreshold int           `yaml:"reflection_threshold"`
	Prompts             PromptsConfig `yaml:"prompts"`
}

// PromptsConfig carries the four system prompt templates selected by the
// (react, mcp) mode matrix. Empty entries fall back to built-in defaults.
type PromptsConfig struct {
	Simple    string `yaml:"simple"`
	SimpleMCP string `yaml:"simple_mcp"`
	React     string `yaml:"react"`
	ReactMCP  string `yaml:"react_mcp"`
}

// QuotaConfig sets the per-user daily call limits.
type QuotaConfig struct {
	DailyLimit  int            `yaml:"daily_limit"`
	ModelLimits map[string]int `yaml:"model_limits"`
}

// StorageConfig selects the collaborator store backends.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	MongoURL   string `yaml:"mongo_url"`
}

// Env is the recognized environment-variable set, read once at startup.
type Env struct {
	GitHubToken       string
	GitHubEndpoint    string
	GeminiAPIKey      string
	OllamaBaseURL     string
	OllamaAPIKey      string
	NIMAPIKey         string
	NIMEndpoint       string
	OpenRouterAPIKey  string
	MongoURL          string
	SQLitePath        string
	AdminAPIKey       string
}

// ReadEnv snapshots the recognized environment variables.
func ReadEnv() Env {
	return Env{
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
		GitHubEndpoint:   os.Getenv("GITHUB_INFERENCE_ENDPOINT"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		OllamaBaseURL:    os.Getenv("OLLAMA_BASE_URL"),
		OllamaAPIKey:     os.Getenv("OLLAMA_API_KEY"),
		NIMAPIKey:        os.Getenv("NVIDIA_NIM_API_KEY"),
		NIMEndpoint:      os.Getenv("NVIDIA_NIM_ENDPOINT"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		MongoURL:         os.Getenv("MONGODB_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),
	}
}

// ApplyEnv fills provider credentials and storage paths that the config file
// left empty. File values win over environment values.
func (c *Config) ApplyEnv(env Env) {
	if c.LLM.Providers == nil {
		c.LLM.Providers = map[string]ProviderConfig{}
	}
	overlay := func(name, key, endpoint string) {
		p := c.LLM.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
		}
		if p.Endpoint == "" {
			p.Endpoint = endpoint
		}
		c.LLM.Providers[name] = p
	}
	overlay("github", env.GitHubToken, env.GitHubEndpoint)
	overlay("gemini", env.GeminiAPIKey, "")
	overlay("ollama", env.OllamaAPIKey, env.OllamaBaseURL)
	overlay("nim", env.NIMAPIKey, env.NIMEndpoint)
	overlay("openrouter", env.OpenRouterAPIKey, "")

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = env.SQLitePath
	}
	if c.Storage.MongoURL == "" {
		c.Storage.MongoURL = env.MongoURL
	}
}

// Validate checks the startup invariants. A provider whose models appear in
// the membership table must carry the credentials its adapter needs;
// otherwise startup fails rather than deferring the error to request time.
func (c *Config) Validate() error {
	for name, p := range c.LLM.Providers {
		if len(p.Models) == 0 {
			continue
		}
		switch name {
		case "github":
			if p.APIKey == "" || p.Endpoint == "" {
				return &ConfigError{Field: "llm.providers.github", Reason: "models configured but api_key or endpoint missing"}
			}
		case "gemini", "openrouter", "nim":
			if p.APIKey == "" {
				return &ConfigError{Field: "llm.providers." + name, Reason: "models configured but api_key missing"}
			}
		case "ollama":
			// Local daemon; endpoint defaults, no key required.
		default:
			return &ConfigError{Field: "llm.providers." + name, Reason: "unknown provider"}
		}
	}
	seen := map[string]string{}
	for name, p := range c.LLM.Providers {
		for _, model := range p.Models {
			if prev, ok := seen[model]; ok && prev != name {
				return &ConfigError{
					Field:  "llm.providers",
					Reason: fmt.Sprintf("model %q listed under both %s and %s", model, prev, name),
				}
			}
			seen[model] = name
		}
	}
	if c.Agent.MaxSteps < 0 {
		return &ConfigError{Field: "agent.max_steps", Reason: "must be non-negative"}
	}
	if level := strings.ToLower(c.Logging.Level); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return &ConfigError{Field: "logging.level", Reason: "must be one of debug, info, warn, error"}
		}
	}
	return nil
}

// SetDefaults fills unset fields with the built-in defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.MCP.ConfigPath == "" {
		c.MCP.ConfigPath = "mcp.json"
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.ReflectionThreshold == 0 {
		c.Agent.ReflectionThreshold = 2
	}
	if c.Quota.DailyLimit == 0 {
		c.Quota.DailyLimit = 100
	}
	if p, ok := c.LLM.Providers["ollama"]; ok && p.Endpoint == "" {
		p.Endpoint = "http://localhost:11434"
		c.LLM.Providers["ollama"] = p
	}
}
