package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"

	"github.com/gcforged/pylot/pkg/types"
)

// EnvModelPath overrides the configured model path when set and non-empty.
const EnvModelPath = "GC_MODEL_PATH"

const (
	BackendModeNative = "native"
	BackendModeRemote = "remote"
)

type ServerSettings struct {
	Host                       string   `json:"host" envconfig:"GC_HOST"`
	Port                       int      `json:"port" envconfig:"GC_PORT"`
	APIKeys                    []string `json:"api_keys" envconfig:"GC_API_KEYS"`
	RequestTimeoutSeconds      int      `json:"request_timeout_seconds" envconfig:"GC_REQUEST_TIMEOUT"`
	AllowUnauthenticatedModels bool     `json:"allow_unauthenticated_models" envconfig:"GC_ALLOW_UNAUTHENTICATED_MODELS"`
}

type ModelSettings struct {
	// Path is a local GGUF file or an http(s) URL fetched into CacheDir.
	Path       string `json:"path" ignored:"true"`
	CacheDir   string `json:"cache_dir" envconfig:"GC_MODEL_CACHE_DIR"`
	Preload    bool   `json:"preload" envconfig:"GC_MODEL_PRELOAD"`
	Embeddings bool   `json:"embeddings" envconfig:"GC_MODEL_EMBEDDINGS"`
}

type BackendSettings struct {
	Mode                  string `json:"mode" envconfig:"GC_BACKEND_MODE"`
	Binary                string `json:"binary" envconfig:"GC_BACKEND_BINARY"`
	RemoteURL             string `json:"remote_url" envconfig:"GC_REMOTE_URL"`
	RemoteAPIKey          string `json:"remote_api_key" envconfig:"GC_REMOTE_API_KEY"`
	RemoteModel           string `json:"remote_model" envconfig:"GC_REMOTE_MODEL"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" envconfig:"GC_CONNECT_TIMEOUT"`
	MaxRetries            int    `json:"max_retries" envconfig:"GC_MAX_RETRIES"`
}

type CacheSettings struct {
	Enabled    bool `json:"enabled" envconfig:"GC_CACHE_ENABLED"`
	Capacity   int  `json:"capacity" envconfig:"GC_CACHE_CAPACITY"`
	TTLSeconds int  `json:"ttl_seconds" envconfig:"GC_CACHE_TTL"`
}

type GenerationSettings struct {
	MaxTokens          int     `json:"max_tokens" envconfig:"GC_MAX_TOKENS"`
	Temperature        float32 `json:"temperature" envconfig:"GC_TEMPERATURE"`
	TopP               float32 `json:"top_p" envconfig:"GC_TOP_P"`
	TopK               int     `json:"top_k" envconfig:"GC_TOP_K"`
	RepeatPenalty      float32 `json:"repeat_penalty" envconfig:"GC_REPEAT_PENALTY"`
	CanonicalizePrompt bool    `json:"canonicalize_prompt" envconfig:"GC_CANONICALIZE_PROMPT"`
}

type OptimizationSettings struct {
	Skip                   bool   `json:"skip" envconfig:"GC_SKIP_OPTIMIZATION"`
	Force                  bool   `json:"force" envconfig:"GC_FORCE_OPTIMIZATION"`
	ReserveInteractiveCore bool   `json:"reserve_interactive_core" envconfig:"GC_RESERVE_INTERACTIVE_CORE"`
	ProfileDir             string `json:"profile_dir" envconfig:"GC_PROFILE_DIR"`
	MockBenchmark          bool   `json:"mock_benchmark" envconfig:"GC_MOCK_BENCHMARK"`
}

type Config struct {
	Server       ServerSettings       `json:"server"`
	Model        ModelSettings        `json:"model"`
	Backend      BackendSettings      `json:"backend"`
	Cache        CacheSettings        `json:"cache"`
	Generation   GenerationSettings   `json:"generation"`
	Optimization OptimizationSettings `json:"optimization"`
}

func Default() Config {
	return Config{
		Server: ServerSettings{
			Host:                       "127.0.0.1",
			Port:                       8080,
			RequestTimeoutSeconds:      300,
			AllowUnauthenticatedModels: true,
		},
		Model: ModelSettings{
			Path:     "models/model.gguf",
			CacheDir: "models",
			Preload:  true,
		},
		Backend: BackendSettings{
			Mode:                  BackendModeNative,
			Binary:                "llama-server",
			ConnectTimeoutSeconds: 10,
			MaxRetries:            3,
		},
		Cache: CacheSettings{
			Enabled:    true,
			Capacity:   100,
			TTLSeconds: 3600,
		},
		Generation: GenerationSettings{
			MaxTokens:     256,
			Temperature:   0.7,
			TopP:          0.95,
			TopK:          40,
			RepeatPenalty: 1.1,
		},
		Optimization: OptimizationSettings{
			ProfileDir: "config",
		},
	}
}

// Load layers the JSON config file (when path is non-empty) and then the
// environment over the built-in defaults. GC_MODEL_PATH wins over everything
// when set and non-empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &Error{Kind: types.ErrorKindConfigInvalid, Err: fmt.Errorf("reading config file %s: %w", path, err)}
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, &Error{Kind: types.ErrorKindConfigInvalid, Err: fmt.Errorf("parsing config file %s: %w", path, err)}
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, &Error{Kind: types.ErrorKindConfigInvalid, Err: fmt.Errorf("processing environment: %w", err)}
	}

	if v := os.Getenv(EnvModelPath); v != "" {
		cfg.Model.Path = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return &Error{Kind: types.ErrorKindConfigInvalid, Err: fmt.Errorf(format, args...)}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	if c.Backend.Mode != BackendModeNative && c.Backend.Mode != BackendModeRemote {
		return invalid("backend.mode %q must be %q or %q", c.Backend.Mode, BackendModeNative, BackendModeRemote)
	}
	if c.Backend.Mode == BackendModeRemote && c.Backend.RemoteURL == "" {
		return invalid("backend.mode is remote but backend.remote_url is empty")
	}
	if c.Model.Path == "" {
		return invalid("model.path is empty")
	}
	if c.Cache.Capacity < 0 {
		return invalid("cache.capacity %d must be >= 0", c.Cache.Capacity)
	}
	if c.Cache.TTLSeconds <= 0 {
		return invalid("cache.ttl_seconds %d must be > 0", c.Cache.TTLSeconds)
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return invalid("server.request_timeout_seconds %d must be > 0", c.Server.RequestTimeoutSeconds)
	}
	if c.Generation.MaxTokens < 1 || c.Generation.MaxTokens > 4096 {
		return invalid("generation.max_tokens %d out of range [1, 4096]", c.Generation.MaxTokens)
	}
	return nil
}

// AuthEnabled reports whether API-key auth is on: any non-empty key in the
// configured list enables it.
func (c *Config) AuthEnabled() bool {
	for _, k := range c.Server.APIKeys {
		if k != "" {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to serve from GET /v1/config: secrets are
// masked, never removed, so clients can tell whether one is set.
func (c *Config) Redacted() Config {
	out := *c
	if len(c.Server.APIKeys) > 0 {
		masked := make([]string, len(c.Server.APIKeys))
		for i := range masked {
			masked[i] = "********"
		}
		out.Server.APIKeys = masked
	}
	if c.Backend.RemoteAPIKey != "" {
		out.Backend.RemoteAPIKey = "********"
	}
	return out
}

// Error tags a configuration failure with its error kind.
type Error struct {
	Kind types.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
