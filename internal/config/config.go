package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix     = "TUNELAB_"
	EnvConfigPath = "TUNELAB_CONFIG"
)

type Config struct {
	Backend BackendConfig `koanf:"backend"`
	Poll    PollConfig    `koanf:"poll"`
	Submit  SubmitConfig  `koanf:"submit"`
	Server  ServerConfig  `koanf:"server"`
	Tracing TracingConfig `koanf:"tracing"`
	Log     LogConfig     `koanf:"log"`
	Secrets SecretsConfig `koanf:"secrets"`
}

type BackendConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APIToken       string        `koanf:"api_token"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type PollConfig struct {
	Interval    time.Duration `koanf:"interval"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
	MaxFailures int           `koanf:"max_failures"`
}

type SubmitConfig struct {
	Attempts int `koanf:"attempts"`
}

type ServerConfig struct {
	Addr           string   `koanf:"addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type TracingConfig struct {
	Exporter    string  `koanf:"exporter"`
	Endpoint    string  `koanf:"endpoint"`
	SampleRatio float64 `koanf:"sample_ratio"`
	Insecure    bool    `koanf:"insecure"`
}

// SecretsConfig locates the key file used for enc: values when
// TUNELAB_SECRET_KEY is unset.
type SecretsConfig struct {
	KeyDir string `koanf:"key_dir"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000/api/v1",
			RequestTimeout: 5 * time.Second,
		},
		Poll: PollConfig{
			Interval:    time.Second,
			MaxBackoff:  30 * time.Second,
			MaxFailures: 10,
		},
		Submit: SubmitConfig{Attempts: 3},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Tracing: TracingConfig{Exporter: "none", SampleRatio: 1},
		Log:     LogConfig{Level: "info", Format: "json"},
		Secrets: SecretsConfig{KeyDir: DefaultKeyDir()},
	}
}

// SecretSource supplies the key for an encrypted API token from the
// configured key directory. It is only called when the loaded token carries
// the enc: prefix.
type SecretSource func(keyDir string) (*SecretKey, error)

// Load layers defaults, the optional YAML file at path, and TUNELAB_*
// environment variables, in that order.
func Load(path string, secret SecretSource) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// A comma-separated env value arrives as a single element.
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	if strings.HasPrefix(cfg.Backend.APIToken, encPrefix) {
		if secret == nil {
			return Config{}, errors.New("backend.api_token is encrypted but no secret key is available")
		}
		key, err := secret(cfg.Secrets.KeyDir)
		if err != nil {
			return Config{}, fmt.Errorf("load secret key: %w", err)
		}
		token, err := key.Decrypt(cfg.Backend.APIToken)
		if err != nil {
			return Config{}, fmt.Errorf("decrypt backend.api_token: %w", err)
		}
		cfg.Backend.APIToken = token
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.RequestTimeout <= 0 {
		errs = append(errs, errors.New("backend.request_timeout must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Poll.MaxBackoff < c.Poll.Interval {
		errs = append(errs, errors.New("poll.max_backoff must be >= poll.interval"))
	}
	if c.Poll.MaxFailures < 1 {
		errs = append(errs, errors.New("poll.max_failures must be >= 1"))
	}
	if c.Submit.Attempts < 1 {
		errs = append(errs, errors.New("submit.attempts must be >= 1"))
	}
	if c.Secrets.KeyDir == "" {
		errs = append(errs, errors.New("secrets.key_dir is required"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Masked returns a copy safe for display.
func (c Config) Masked() Config {
	c.Backend.APIToken = MaskSecret(c.Backend.APIToken)
	c.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return c
}

// Dump renders the masked config as YAML.
func Dump(c Config) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(c.Masked(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return k.Marshal(yaml.Parser())
}

// NewLogger builds the process logger from the log section.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
