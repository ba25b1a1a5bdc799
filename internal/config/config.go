package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/visionbridge/internal/common"
)

// DefaultPath is used when neither an explicit path nor VISIONBRIDGE_CONFIG is set.
const DefaultPath = "config.yaml"

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "VISIONBRIDGE_CONFIG"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inference InferenceConfig `yaml:"inference"`
	Store     StoreConfig     `yaml:"store"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr               string        `yaml:"address"`
	ReadTimeout        time.Duration `yaml:"readTimeout"`
	WriteTimeout       time.Duration `yaml:"writeTimeout"`
	IdleTimeout        time.Duration `yaml:"idleTimeout"`
	MaxUploadSize      ByteSize      `yaml:"maxUploadSize"`
	MaxImagePixels     uint64        `yaml:"maxImagePixels"` // width*height limit checked before decoding; 0 disables
	WorkerCount        int           `yaml:"workerCount"`
	QueueCapacity      int           `yaml:"queueCapacity"`
	StorageDir         string        `yaml:"storageDir"`
	ShutdownGrace      time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel           string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat          string        `yaml:"logFormat"`     // text|json
	CORSAllowedOrigins []string      `yaml:"corsAllowedOrigins"`
}

// InferenceConfig describes how the multimodal model is run.
type InferenceConfig struct {
	Backend          string        `yaml:"backend"`   // exec|http
	Binary           string        `yaml:"binary"`    // exec: executable name or path, e.g. llama-mtmd-cli
	ModelsDir        string        `yaml:"modelsDir"` // directory holding <model>.gguf and <projector>.gguf
	Model            string        `yaml:"model"`
	Projector        string        `yaml:"projector"`
	SchemaPath       string        `yaml:"schemaPath"` // optional; enables structured extraction
	Prompt           string        `yaml:"prompt"`
	StructuredPrompt string        `yaml:"structuredPrompt"` // used instead of Prompt when a schema is set
	GPULayers        int           `yaml:"gpuLayers"`
	Temperature      float64       `yaml:"temperature"`
	Threads          int           `yaml:"threads"`
	Timeout          time.Duration `yaml:"timeout"` // per-job deadline for the background step
	Endpoint         string        `yaml:"endpoint"` // http: base URL of an OpenAI-compatible server
	APIKey           string        `yaml:"apiKey"`
	MaxTokens        int           `yaml:"maxTokens"`
}

// Inference backends.
const (
	BackendExec = "exec"
	BackendHTTP = "http"
)

// LocalModels reports whether model and projector files are read from
// ModelsDir, which is the case for the exec backend only.
func (c InferenceConfig) LocalModels() bool {
	return c.Backend != BackendHTTP
}

// ModelPath returns the path of the language model weights.
func (c InferenceConfig) ModelPath() string {
	return filepath.Join(c.ModelsDir, c.Model+common.ModelFileExt)
}

// ProjectorPath returns the path of the multimodal projector weights.
func (c InferenceConfig) ProjectorPath() string {
	return filepath.Join(c.ModelsDir, c.Projector+common.ModelFileExt)
}

// Structured reports whether a JSON schema is configured.
func (c InferenceConfig) Structured() bool {
	return strings.TrimSpace(c.SchemaPath) != ""
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Driver       string        `yaml:"driver"`       // memory|sqlite|redis
	DatabasePath string        `yaml:"databasePath"` // sqlite only; defaults to storageDir/visionbridge.db
	Retention    time.Duration `yaml:"retention"`    // 0 keeps terminal jobs for the process lifetime
	SweepEvery   time.Duration `yaml:"sweepEvery"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis store.
type RedisConfig struct {
	Addr      string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads a .env file if present, then the YAML config at path, expands
// environment variables, applies defaults and validates the result.
// If path is empty, VISIONBRIDGE_CONFIG is consulted, then config.yaml; a
// missing default file is not an error and yields an all-defaults config.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	explicit := path != ""
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
			explicit = true
		} else {
			path = DefaultPath
		}
	}

	cfg := seededDefaults()
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// run on defaults
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	return &cfg, nil
}

// seededDefaults returns the settings for which zero is a meaningful value.
// They are set before decoding so only an absent key falls back to them.
func seededDefaults() Config {
	return Config{
		Server: ServerConfig{
			MaxImagePixels: 40_000_000,
		},
		Inference: InferenceConfig{
			GPULayers:   99,
			Temperature: 0.1,
		},
	}
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(20 * 1024 * 1024) // 20 MiB default
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = 128
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = filepath.Join(os.TempDir(), "visionbridge")
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "text"
	}
	if len(cfg.Server.CORSAllowedOrigins) == 0 {
		cfg.Server.CORSAllowedOrigins = []string{"*"}
	}

	// Inference defaults
	inf := &cfg.Inference
	if inf.Backend == "" {
		inf.Backend = BackendExec
	}
	inf.Backend = strings.ToLower(strings.TrimSpace(inf.Backend))
	if inf.Binary == "" {
		inf.Binary = "llama-mtmd-cli"
	}
	if inf.ModelsDir == "" {
		inf.ModelsDir = "models"
	}
	if inf.Model == "" {
		inf.Model = "gemma-3-4b-it-Q4_K_M"
	}
	if inf.Projector == "" {
		inf.Projector = "mmproj-gemma-3-4b-it-f16"
	}
	if strings.TrimSpace(inf.Prompt) == "" {
		inf.Prompt = "Describe what is shown on this screenshot in a few sentences."
	}
	if strings.TrimSpace(inf.StructuredPrompt) == "" {
		inf.StructuredPrompt = "Describe what is shown on this screenshot. Answer only with JSON that matches the provided schema."
	}
	if inf.Threads <= 0 {
		inf.Threads = 4
	}
	if inf.Timeout == 0 {
		inf.Timeout = 10 * time.Minute
	}

	// Store defaults
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.DatabasePath == "" {
		cfg.Store.DatabasePath = filepath.Join(cfg.Server.StorageDir, "visionbridge.db")
	}
	if cfg.Store.SweepEvery == 0 {
		cfg.Store.SweepEvery = time.Minute
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "localhost:6379"
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = "visionbridge:job:"
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
	default:
		return fmt.Errorf("store.driver %q not supported (memory, sqlite, redis)", cfg.Store.Driver)
	}
	switch cfg.Inference.Backend {
	case BackendExec:
	case BackendHTTP:
		if strings.TrimSpace(cfg.Inference.Endpoint) == "" {
			return errors.New("inference.endpoint is required for the http backend")
		}
		if _, err := url.Parse(cfg.Inference.Endpoint); err != nil {
			return fmt.Errorf("inference.endpoint: %w", err)
		}
	default:
		return fmt.Errorf("inference.backend %q not supported (exec, http)", cfg.Inference.Backend)
	}
	if cfg.Store.Retention < 0 {
		return errors.New("store.retention must not be negative")
	}
	if cfg.Inference.Timeout < 0 {
		return errors.New("inference.timeout must not be negative")
	}
	if cfg.Inference.Temperature < 0 {
		return errors.New("inference.temperature must not be negative")
	}
	switch strings.ToLower(cfg.Server.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("server.logFormat %q not supported (text, json)", cfg.Server.LogFormat)
	}
	return nil
}
