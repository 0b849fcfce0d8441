package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultStatePath      = "data/state"
	DefaultPollTimeout    = 30
	DefaultCacheCapacity  = 512
	DefaultRetention      = 72 * time.Hour
	DefaultFlushInterval  = 30 * time.Second
	DefaultTrimInterval   = 10 * time.Minute
	DefaultChunkLimit     = 4096
	DefaultFetchRetryMax  = 3
	DefaultShutdownGrace  = 10 * time.Second
	DefaultInferTimeout   = 60 * time.Second
	DefaultRetryAttempts  = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Telegram  TelegramConfig  `toml:"telegram"`
	Inference InferenceConfig `toml:"inference"`
	Cache     CacheConfig     `toml:"cache"`
	State     StateConfig     `toml:"state"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type TelegramConfig struct {
	BotToken    string `toml:"bot_token"`
	PollTimeout int    `toml:"poll_timeout"`
}

// BackendConfig describes one inference backend. Kind selects the client
// implementation ("openai" for any chat-completions compatible API,
// "gemini" for the Google generative language API).
type BackendConfig struct {
	Kind    string   `toml:"kind"`
	Model   string   `toml:"model"`
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout Duration `toml:"timeout"`
}

type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

type InferenceConfig struct {
	Primary   BackendConfig `toml:"primary"`
	Secondary BackendConfig `toml:"secondary"`
	Retry     RetryConfig   `toml:"retry"`
}

type CacheConfig struct {
	Capacity int `toml:"capacity"`
}

type StateConfig struct {
	Path          string   `toml:"path"`
	Retention     Duration `toml:"retention"`
	FlushInterval Duration `toml:"flush_interval"`
	TrimInterval  Duration `toml:"trim_interval"`
}

type DispatchConfig struct {
	ChunkLimit    int      `toml:"chunk_limit"`
	FetchRetryMax int      `toml:"fetch_retry_max"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// Duration wraps time.Duration so TOML values like "30s" decode directly.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Telegram: TelegramConfig{
			PollTimeout: DefaultPollTimeout,
		},
		Inference: InferenceConfig{
			Primary: BackendConfig{
				Kind:    "openai",
				Timeout: Duration(DefaultInferTimeout),
			},
			Retry: RetryConfig{
				MaxAttempts:    DefaultRetryAttempts,
				InitialBackoff: Duration(DefaultInitialBackoff),
				MaxBackoff:     Duration(DefaultMaxBackoff),
			},
		},
		Cache: CacheConfig{
			Capacity: DefaultCacheCapacity,
		},
		State: StateConfig{
			Path:          DefaultStatePath,
			Retention:     Duration(DefaultRetention),
			FlushInterval: Duration(DefaultFlushInterval),
			TrimInterval:  Duration(DefaultTrimInterval),
		},
		Dispatch: DispatchConfig{
			ChunkLimit:    DefaultChunkLimit,
			FetchRetryMax: DefaultFetchRetryMax,
			ShutdownGrace: Duration(DefaultShutdownGrace),
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
