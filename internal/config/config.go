package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	ProducerNative     = "native"
	ProducerDelta      = "delta"
	ProducerRelay      = "relay"
	ProducerRelayDelta = "relay-delta"
)

type fileConfig struct {
	HTTPAddr         string `yaml:"http_addr"`
	StoragePath      string `yaml:"storage_path"`
	Producer         string `yaml:"producer"`
	Model            string `yaml:"model"`
	Instructions     string `yaml:"instructions"`
	NIMBaseURL       string `yaml:"nim_base_url"`
	ResponsesBaseURL string `yaml:"responses_base_url"`
	RelayURL         string `yaml:"relay_url"`
	RequestTimeout   string `yaml:"request_timeout"`
	TurnTimeout      string `yaml:"turn_timeout"`
	PersistInterval  string `yaml:"persist_interval"`
	LLMMaxRetries    *int   `yaml:"llm_max_retries"`
	EnableThinking   *bool  `yaml:"enable_thinking"`
	ClearThinking    *bool  `yaml:"clear_thinking"`
	StrictReducer    *bool  `yaml:"strict_reducer"`
	SealOnCancel     *bool  `yaml:"seal_on_cancel"`
	RedisURL         string `yaml:"redis_url"`
	RedisChannel     string `yaml:"redis_channel"`
	RedisRetries     *int   `yaml:"redis_retries"`
	ToolsEnabled     *bool  `yaml:"tools_enabled"`
	ToolOutputLimit  int    `yaml:"tool_output_limit"`
	WorkspaceRoot    string `yaml:"workspace_root"`
	LogLevel         string `yaml:"log_level"`
}

type Config struct {
	HTTPAddr         string
	StoragePath      string
	Producer         string
	Model            string
	Instructions     string
	NIMBaseURL       string
	NVIDIAAPIKey     string
	ResponsesBaseURL string
	OpenAIAPIKey     string
	RelayURL         string
	RequestTimeout   time.Duration
	TurnTimeout      time.Duration
	PersistInterval  time.Duration
	LLMMaxRetries    int
	EnableThinking   bool
	ClearThinking    bool
	StrictReducer    bool
	SealOnCancel     bool
	RedisURL         string
	RedisChannel     string
	RedisRetries     int
	ToolsEnabled     bool
	ToolOutputLimit  int
	WorkspaceRoot    string
	LogLevel         string
}

func Load(configPath string) (Config, error) {
	_ = loadDotEnv(".env")
	cfg := defaultConfig()
	if strings.TrimSpace(configPath) != "" {
		if err := applyYAMLConfig(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := normalizeAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	cwd, _ := os.Getwd()
	return Config{
		HTTPAddr:         ":8090",
		StoragePath:      filepath.Join(cwd, "data", "turns.db"),
		Producer:         ProducerDelta,
		Model:            "z-ai/glm5",
		NIMBaseURL:       "https://integrate.api.nvidia.com/v1",
		NVIDIAAPIKey:     os.Getenv("NVIDIA_API_KEY"),
		ResponsesBaseURL: "https://api.openai.com/v1",
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		RequestTimeout:   180 * time.Second,
		TurnTimeout:      30 * time.Minute,
		PersistInterval:  250 * time.Millisecond,
		LLMMaxRetries:    2,
		EnableThinking:   true,
		ClearThinking:    false,
		RedisChannel:     "turns:finished",
		RedisRetries:     3,
		ToolOutputLimit:  12 * 1024,
		WorkspaceRoot:    cwd,
		LogLevel:         "info",
	}
}

func applyYAMLConfig(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml config: %w", err)
	}
	if v := strings.TrimSpace(fc.HTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(fc.StoragePath); v != "" {
		cfg.StoragePath = v
	}
	if v := strings.TrimSpace(fc.Producer); v != "" {
		cfg.Producer = v
	}
	if v := strings.TrimSpace(fc.Model); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(fc.Instructions); v != "" {
		cfg.Instructions = v
	}
	if v := strings.TrimSpace(fc.NIMBaseURL); v != "" {
		cfg.NIMBaseURL = v
	}
	if v := strings.TrimSpace(fc.ResponsesBaseURL); v != "" {
		cfg.ResponsesBaseURL = v
	}
	if v := strings.TrimSpace(fc.RelayURL); v != "" {
		cfg.RelayURL = v
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", fc.RequestTimeout, &cfg.RequestTimeout},
		{"turn_timeout", fc.TurnTimeout, &cfg.TurnTimeout},
		{"persist_interval", fc.PersistInterval, &cfg.PersistInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(d.raw)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s in yaml: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if fc.LLMMaxRetries != nil {
		cfg.LLMMaxRetries = *fc.LLMMaxRetries
	}
	if fc.EnableThinking != nil {
		cfg.EnableThinking = *fc.EnableThinking
	}
	if fc.ClearThinking != nil {
		cfg.ClearThinking = *fc.ClearThinking
	}
	if fc.StrictReducer != nil {
		cfg.StrictReducer = *fc.StrictReducer
	}
	if fc.SealOnCancel != nil {
		cfg.SealOnCancel = *fc.SealOnCancel
	}
	if v := strings.TrimSpace(fc.RedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(fc.RedisChannel); v != "" {
		cfg.RedisChannel = v
	}
	if fc.RedisRetries != nil {
		cfg.RedisRetries = *fc.RedisRetries
	}
	if fc.ToolsEnabled != nil {
		cfg.ToolsEnabled = *fc.ToolsEnabled
	}
	if fc.ToolOutputLimit > 0 {
		cfg.ToolOutputLimit = fc.ToolOutputLimit
	}
	if v := strings.TrimSpace(fc.WorkspaceRoot); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := strings.TrimSpace(fc.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"NVIDIA_API_KEY", &cfg.NVIDIAAPIKey},
		{"OPENAI_API_KEY", &cfg.OpenAIAPIKey},
		{"NIM_BASE_URL", &cfg.NIMBaseURL},
		{"RESPONSES_BASE_URL", &cfg.ResponsesBaseURL},
		{"RELAY_URL", &cfg.RelayURL},
		{"TURNS_HTTP_ADDR", &cfg.HTTPAddr},
		{"TURNS_PRODUCER", &cfg.Producer},
		{"TURNS_MODEL", &cfg.Model},
		{"STORAGE_PATH", &cfg.StoragePath},
		{"WORKSPACE_ROOT", &cfg.WorkspaceRoot},
		{"REDIS_URL", &cfg.RedisURL},
		{"REDIS_CHANNEL", &cfg.RedisChannel},
		{"LOG_LEVEL", &cfg.LogLevel},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(os.Getenv(s.env)); v != "" {
			*s.dst = v
		}
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"TURN_TIMEOUT", &cfg.TurnTimeout},
		{"PERSIST_INTERVAL", &cfg.PersistInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	if v := strings.TrimSpace(os.Getenv("LLM_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LLMMaxRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RedisRetries = n
		}
	}
	bools := []struct {
		env string
		dst *bool
	}{
		{"ENABLE_THINKING", &cfg.EnableThinking},
		{"CLEAR_THINKING", &cfg.ClearThinking},
		{"STRICT_REDUCER", &cfg.StrictReducer},
		{"SEAL_ON_CANCEL", &cfg.SealOnCancel},
		{"TOOLS_ENABLED", &cfg.ToolsEnabled},
	}
	for _, b := range bools {
		if v := strings.TrimSpace(strings.ToLower(os.Getenv(b.env))); v != "" {
			*b.dst = v == "1" || v == "true" || v == "yes" || v == "on"
		}
	}
	return nil
}

func normalizeAndValidate(cfg *Config) error {
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		return errors.New("workspace_root is required")
	}
	absRoot, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace_root: %w", err)
	}
	cfg.WorkspaceRoot = absRoot

	if strings.TrimSpace(cfg.StoragePath) == "" {
		cfg.StoragePath = filepath.Join(cfg.WorkspaceRoot, "data", "turns.db")
	}
	if !filepath.IsAbs(cfg.StoragePath) {
		cfg.StoragePath = filepath.Join(cfg.WorkspaceRoot, cfg.StoragePath)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StoragePath), 0o755); err != nil {
		return fmt.Errorf("ensure storage dir: %w", err)
	}

	cfg.Producer = strings.ToLower(strings.TrimSpace(cfg.Producer))
	if cfg.Producer == "" {
		cfg.Producer = ProducerDelta
	}
	switch cfg.Producer {
	case ProducerDelta:
		if strings.TrimSpace(cfg.NVIDIAAPIKey) == "" {
			return errors.New("NVIDIA_API_KEY is required for producer=delta")
		}
		if strings.TrimSpace(cfg.NIMBaseURL) == "" {
			return errors.New("nim_base_url is required for producer=delta")
		}
	case ProducerNative:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return errors.New("OPENAI_API_KEY is required for producer=native")
		}
		if strings.TrimSpace(cfg.ResponsesBaseURL) == "" {
			return errors.New("responses_base_url is required for producer=native")
		}
	case ProducerRelay, ProducerRelayDelta:
		if strings.TrimSpace(cfg.RelayURL) == "" {
			return fmt.Errorf("relay_url is required for producer=%s", cfg.Producer)
		}
	default:
		return fmt.Errorf("unknown producer %q", cfg.Producer)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return errors.New("model is required")
	}

	if cfg.LLMMaxRetries < 0 {
		cfg.LLMMaxRetries = 0
	}
	if cfg.LLMMaxRetries > 6 {
		cfg.LLMMaxRetries = 6
	}
	if cfg.RedisRetries < 0 {
		cfg.RedisRetries = 0
	}
	if cfg.RedisRetries > 10 {
		cfg.RedisRetries = 10
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = 0
	}
	if cfg.TurnTimeout < 0 {
		cfg.TurnTimeout = 0
	}
	if cfg.PersistInterval < 0 {
		cfg.PersistInterval = 0
	}
	if cfg.ToolOutputLimit <= 0 {
		cfg.ToolOutputLimit = 12 * 1024
	}
	if strings.TrimSpace(cfg.RedisChannel) == "" {
		cfg.RedisChannel = "turns:finished"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	return nil
}

func loadDotEnv(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:idx])
		v := strings.TrimSpace(line[idx+1:])
		if (strings.HasPrefix(v, "\"") && strings.HasSuffix(v, "\"")) || (strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'")) {
			v = strings.Trim(v, "\"'")
		}
		if os.Getenv(k) == "" {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}
