package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// ANALYTICSHUB_LLM_MODEL for llm.model.
const EnvPrefix = "ANALYTICSHUB"

// Config is the full application configuration.
type Config struct {
	Application Application `mapstructure:"application" yaml:"application"`
	LLM         LLM         `mapstructure:"llm" yaml:"llm"`
	Sandbox     Sandbox     `mapstructure:"sandbox" yaml:"sandbox"`
	Retry       Retry       `mapstructure:"retry" yaml:"retry"`
	Server      Server      `mapstructure:"server" yaml:"server"`
	Journal     Journal     `mapstructure:"journal" yaml:"journal"`
	Models      Models      `mapstructure:"models" yaml:"models"`
	// Templates points at a YAML prompt file; empty uses the built-in prompts.
	Templates string `mapstructure:"templates" yaml:"templates,omitempty"`
}

type Application struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LLM selects the chat model and its HTTP behaviour.
type LLM struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TimeoutSec  int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// Host is the Ollama daemon address.
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	HTTPRetryMax     int `mapstructure:"http_retry_max" yaml:"http_retry_max"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
	// ContextReserve is kept free in the model's context window for the answer.
	ContextReserve int `mapstructure:"context_reserve" yaml:"context_reserve"`
}

// Sandbox configures the per-session Python worker.
type Sandbox struct {
	Python          string   `mapstructure:"python" yaml:"python"`
	ExecTimeoutSec  int      `mapstructure:"exec_timeout_sec" yaml:"exec_timeout_sec"`
	StartTimeoutSec int      `mapstructure:"start_timeout_sec" yaml:"start_timeout_sec"`
	Screen          bool     `mapstructure:"screen" yaml:"screen"`
	MaxCodeBytes    int      `mapstructure:"max_code_bytes" yaml:"max_code_bytes"`
	ExtraForbidden  []string `mapstructure:"extra_forbidden" yaml:"extra_forbidden,omitempty"`
	IncludePlotlyJS string   `mapstructure:"include_plotlyjs" yaml:"include_plotlyjs"`
}

// Retry is the per-query attempt budget.
type Retry struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	DelayMs     int `mapstructure:"delay_ms" yaml:"delay_ms"`
}

type Server struct {
	SessionSecret  string `mapstructure:"session_secret" yaml:"session_secret,omitempty"`
	CookieName     string `mapstructure:"cookie_name" yaml:"cookie_name"`
	IdleTimeoutMin int    `mapstructure:"idle_timeout_min" yaml:"idle_timeout_min"`
	MaxUploadMB    int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	MaxSessions    int    `mapstructure:"max_sessions" yaml:"max_sessions"`
}

// Journal enables the SQLite run log when Path is set.
type Journal struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// Models controls the model catalog used for context-window checks.
type Models struct {
	CatalogURL string `mapstructure:"catalog_url" yaml:"catalog_url,omitempty"`
	AutoSync   bool   `mapstructure:"auto_sync" yaml:"auto_sync"`
	Merge      bool   `mapstructure:"merge" yaml:"merge"`
}

// Addr is the host:port the server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Application.Host, strconv.Itoa(c.Application.Port))
}

func (l LLM) Timeout() time.Duration { return seconds(l.TimeoutSec) }

func (l LLM) BaseDelay() time.Duration { return millis(l.RetryBaseDelayMs) }

func (l LLM) MaxDelay() time.Duration { return millis(l.RetryMaxDelayMs) }

func (s Sandbox) ExecTimeout() time.Duration { return seconds(s.ExecTimeoutSec) }

func (s Sandbox) StartTimeout() time.Duration { return seconds(s.StartTimeoutSec) }

func (r Retry) Delay() time.Duration { return millis(r.DelayMs) }

func (s Server) IdleTimeout() time.Duration { return time.Duration(s.IdleTimeoutMin) * time.Minute }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

// ResolvedAPIKey returns llm.api_key, falling back to the provider's
// conventional environment variable (GROQ_API_KEY, OPENROUTER_API_KEY,
// OPENAI_API_KEY).
func (l LLM) ResolvedAPIKey() string {
	if l.APIKey != "" {
		return l.APIKey
	}
	switch l.Provider {
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.host", "127.0.0.1")
	v.SetDefault("application.port", 8080)

	v.SetDefault("llm.provider", "groq")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout_sec", 60)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.host", "http://127.0.0.1:11434")
	v.SetDefault("llm.http_retry_max", 3)
	v.SetDefault("llm.retry_base_delay_ms", 500)
	v.SetDefault("llm.retry_max_delay_ms", 4000)
	v.SetDefault("llm.context_reserve", 1024)

	v.SetDefault("sandbox.python", "python3")
	v.SetDefault("sandbox.exec_timeout_sec", 60)
	v.SetDefault("sandbox.start_timeout_sec", 30)
	v.SetDefault("sandbox.screen", true)
	v.SetDefault("sandbox.max_code_bytes", 64<<10)
	v.SetDefault("sandbox.extra_forbidden", []string{})
	v.SetDefault("sandbox.include_plotlyjs", "True")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.delay_ms", 200)

	v.SetDefault("server.session_secret", "")
	v.SetDefault("server.cookie_name", "analyticshub")
	v.SetDefault("server.idle_timeout_min", 30)
	v.SetDefault("server.max_upload_mb", 32)
	v.SetDefault("server.max_sessions", 64)

	v.SetDefault("journal.path", "")
	v.SetDefault("models.catalog_url", "")
	v.SetDefault("models.auto_sync", false)
	v.SetDefault("models.merge", true)
	v.SetDefault("templates", "")
}

// DefaultPath is ~/.analyticshub/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".analyticshub", "config.yaml"), nil
}

// Load reads configuration from defaults, the config file and the environment.
// Precedence: env > config file > defaults. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		path, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(filepath.Dir(path))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Application.Port < 0 || c.Application.Port > 65535:
		return fmt.Errorf("application.port out of range: %d", c.Application.Port)
	case c.LLM.Model == "":
		return fmt.Errorf("llm.model is required")
	case c.LLM.Temperature < 0 || c.LLM.Temperature > 2:
		return fmt.Errorf("llm.temperature must be within [0, 2]: %v", c.LLM.Temperature)
	case c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 5:
		return fmt.Errorf("retry.max_attempts must be within [1, 5]: %d", c.Retry.MaxAttempts)
	case c.Sandbox.ExecTimeoutSec <= 0:
		return fmt.Errorf("sandbox.exec_timeout_sec must be positive")
	}
	return nil
}

// Save writes c as YAML to cfgFile, or to DefaultPath when cfgFile is empty.
func Save(c *Config, cfgFile string) error {
	path := cfgFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Set assigns one dotted key from its string form, as used by `config set`.
func Set(c *Config, key, val string) error {
	atoi := func() (int, error) {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid int for %s: %w", key, err)
		}
		return i, nil
	}
	var err error
	switch key {
	case "application.host":
		c.Application.Host = val
	case "application.port":
		c.Application.Port, err = atoi()
	case "llm.provider":
		p := strings.ToLower(val)
		switch p {
		case "groq", "openrouter", "openai", "ollama":
			c.LLM.Provider = p
		default:
			return fmt.Errorf("invalid llm.provider: %s (use groq, openrouter, openai or ollama)", val)
		}
	case "llm.model":
		c.LLM.Model = val
	case "llm.temperature":
		f, perr := strconv.ParseFloat(val, 64)
		if perr != nil {
			return fmt.Errorf("invalid float for llm.temperature: %w", perr)
		}
		c.LLM.Temperature = f
	case "llm.max_tokens":
		c.LLM.MaxTokens, err = atoi()
	case "llm.timeout_sec":
		c.LLM.TimeoutSec, err = atoi()
	case "llm.api_key":
		c.LLM.APIKey = val
	case "llm.base_url":
		c.LLM.BaseURL = val
	case "llm.host":
		c.LLM.Host = val
	case "sandbox.python":
		c.Sandbox.Python = val
	case "sandbox.exec_timeout_sec":
		c.Sandbox.ExecTimeoutSec, err = atoi()
	case "sandbox.screen":
		b, perr := strconv.ParseBool(val)
		if perr != nil {
			return fmt.Errorf("invalid bool for sandbox.screen: %w", perr)
		}
		c.Sandbox.Screen = b
	case "retry.max_attempts":
		c.Retry.MaxAttempts, err = atoi()
	case "retry.delay_ms":
		c.Retry.DelayMs, err = atoi()
	case "server.session_secret":
		c.Server.SessionSecret = val
	case "server.idle_timeout_min":
		c.Server.IdleTimeoutMin, err = atoi()
	case "journal.path":
		c.Journal.Path = val
	case "templates":
		c.Templates = val
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	if err != nil {
		return err
	}
	return c.Validate()
}
