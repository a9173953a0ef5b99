package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	OCR      OCRConfig      `yaml:"ocr"`
	NLP      NLPConfig      `yaml:"nlp"`
	LLM      LLMConfig      `yaml:"llm"`
	Quick    QuickConfig    `yaml:"quick"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // sqlite | postgres
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// StorageConfig selects and configures the content store.
type StorageConfig struct {
	Backend        string      `yaml:"backend"` // fs | minio
	Dir            string      `yaml:"dir"`
	MaxUploadBytes int64       `yaml:"max_upload_bytes"`
	Minio          MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// QueueConfig selects the task queue backend and worker pool shape.
type QueueConfig struct {
	Backend           string        `yaml:"backend"` // memory | sql | redis
	Workers           int           `yaml:"workers"`
	Size              int           `yaml:"size"`
	ProcessTimeout    time.Duration `yaml:"process_timeout"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisKey          string        `yaml:"redis_key"`
}

// PipelineConfig holds retry and reconciliation policy.
type PipelineConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	StuckAfter     time.Duration `yaml:"stuck_after"`
	ReconcileEvery time.Duration `yaml:"reconcile_every"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Pdftotext        string        `yaml:"pdftotext"`
	Pdftoppm         string        `yaml:"pdftoppm"`
	Tesseract        string        `yaml:"tesseract"`
	Language         string        `yaml:"language"`
	DPI              int           `yaml:"dpi"`
	MaxPages         int           `yaml:"max_pages"`
	HeicConverter    string        `yaml:"heic_converter"`
	TessdataDir      string        `yaml:"tessdata_dir"`
	ArtifactCacheDir string        `yaml:"artifact_cache_dir"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NLPConfig picks the tagger behind the NLP strategy.
type NLPConfig struct {
	Tagger string `yaml:"tagger"` // rules | llm
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// QuickConfig bounds the quick-extract fetch.
type QuickConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBytes     int64         `yaml:"max_bytes"`
	AllowPrivate bool          `yaml:"allow_private"`
	UserAgent    string        `yaml:"user_agent"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "dexi.db",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			GRPCAddr: ":8080",
		},
		Storage: StorageConfig{
			Backend:        "fs",
			Dir:            "./data/content",
			MaxUploadBytes: 50 << 20,
			Minio:          MinioConfig{Bucket: "dexi-content"},
		},
		Queue: QueueConfig{
			Backend:           "memory",
			Workers:           4,
			Size:              256,
			ProcessTimeout:    3 * time.Minute,
			VisibilityTimeout: 5 * time.Minute,
			PollInterval:      time.Second,
			RedisAddr:         "localhost:6379",
			RedisKey:          "dexi:jobs",
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			BackoffMax:     time.Minute,
			StuckAfter:     10 * time.Minute,
			ReconcileEvery: time.Minute,
		},
		OCR: OCRConfig{
			Language:         "eng",
			DPI:              300,
			HeicConverter:    "magick",
			ArtifactCacheDir: "./tmp",
			Timeout:          2 * time.Minute,
		},
		NLP: NLPConfig{Tagger: "rules"},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 45 * time.Second,
		},
		Quick: QuickConfig{
			Timeout:   15 * time.Second,
			MaxBytes:  5 << 20,
			UserAgent: "dexi-quick-extract/1.0",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named
// by DEXI_CONFIG (if set), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("DEXI_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile overlays a YAML file onto cfg. Keys missing from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", "read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("parse config file %s", path), err)
	}
	return nil
}

func (c *Config) applyEnv() {
	d := &c.Database
	d.Driver = getEnv("DB_DRIVER", d.Driver)
	d.DSN = getEnv("DB_URL", d.DSN)
	d.MaxConns = getEnvAsInt32("DB_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvAsInt32("DB_MIN_CONNS", d.MinConns)
	d.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", d.MaxConnLifetime)
	d.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", d.MaxConnIdleTime)
	d.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", d.DialTimeout)
	d.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", d.StatementTimeout)

	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)

	s := &c.Storage
	s.Backend = getEnv("STORAGE_BACKEND", s.Backend)
	s.Dir = getEnv("STORAGE_DIR", s.Dir)
	s.MaxUploadBytes = getEnvAsInt64("STORAGE_MAX_UPLOAD_BYTES", s.MaxUploadBytes)
	s.Minio.Endpoint = getEnv("MINIO_ENDPOINT", s.Minio.Endpoint)
	s.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", s.Minio.AccessKey)
	s.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", s.Minio.SecretKey)
	s.Minio.Bucket = getEnv("MINIO_BUCKET", s.Minio.Bucket)
	s.Minio.UseSSL = getEnvAsBool("MINIO_USE_SSL", s.Minio.UseSSL)

	q := &c.Queue
	q.Backend = getEnv("QUEUE_BACKEND", q.Backend)
	q.Workers = getEnvAsInt("QUEUE_WORKERS", q.Workers)
	q.Size = getEnvAsInt("QUEUE_SIZE", q.Size)
	q.ProcessTimeout = getEnvAsDuration("QUEUE_PROCESS_TIMEOUT", q.ProcessTimeout)
	q.VisibilityTimeout = getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", q.VisibilityTimeout)
	q.PollInterval = getEnvAsDuration("QUEUE_POLL_INTERVAL", q.PollInterval)
	q.RedisAddr = getEnv("REDIS_ADDR", q.RedisAddr)
	q.RedisPassword = getEnv("REDIS_PASSWORD", q.RedisPassword)
	q.RedisKey = getEnv("REDIS_QUEUE_KEY", q.RedisKey)

	p := &c.Pipeline
	p.MaxAttempts = getEnvAsInt("PIPELINE_MAX_ATTEMPTS", p.MaxAttempts)
	p.BackoffBase = getEnvAsDuration("PIPELINE_BACKOFF_BASE", p.BackoffBase)
	p.BackoffMax = getEnvAsDuration("PIPELINE_BACKOFF_MAX", p.BackoffMax)
	p.StuckAfter = getEnvAsDuration("PIPELINE_STUCK_AFTER", p.StuckAfter)
	p.ReconcileEvery = getEnvAsDuration("PIPELINE_RECONCILE_EVERY", p.ReconcileEvery)

	o := &c.OCR
	o.Pdftotext = getEnv("PDFTOTEXT_BIN", o.Pdftotext)
	o.Pdftoppm = getEnv("PDFTOPPM_BIN", o.Pdftoppm)
	o.Tesseract = getEnv("TESSERACT_BIN", o.Tesseract)
	o.Language = getEnv("OCR_LANG", o.Language)
	o.DPI = getEnvAsInt("OCR_DPI", o.DPI)
	o.MaxPages = getEnvAsInt("OCR_MAX_PAGES", o.MaxPages)
	o.HeicConverter = getEnv("HEIC_CONVERTER", o.HeicConverter)
	o.TessdataDir = getEnv("TESSDATA_PREFIX", o.TessdataDir)
	o.ArtifactCacheDir = getEnv("ARTIFACT_CACHE_DIR", o.ArtifactCacheDir)
	o.Timeout = getEnvAsDuration("OCR_TIMEOUT", o.Timeout)

	c.NLP.Tagger = getEnv("NLP_TAGGER", c.NLP.Tagger)

	l := &c.LLM
	l.BaseURL = getEnv("OPENAI_BASE_URL", l.BaseURL)
	l.Model = getEnv("OPENAI_MODEL", l.Model)
	l.APIKey = getEnv("OPENAI_API_KEY", l.APIKey)
	l.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", l.Temperature)
	l.Timeout = getEnvAsDuration("OPENAI_TIMEOUT", l.Timeout)

	k := &c.Quick
	k.Timeout = getEnvAsDuration("QUICK_TIMEOUT", k.Timeout)
	k.MaxBytes = getEnvAsInt64("QUICK_MAX_BYTES", k.MaxBytes)
	k.AllowPrivate = getEnvAsBool("QUICK_ALLOW_PRIVATE", k.AllowPrivate)
	k.UserAgent = getEnv("QUICK_USER_AGENT", k.UserAgent)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be sqlite or postgres", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR is required", ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Dir == "" {
			return NewAppError("CONFIG_ERROR", "STORAGE_DIR is required for fs storage", ErrInvalidInput)
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return NewAppError("CONFIG_ERROR", "MINIO_ENDPOINT and MINIO_BUCKET are required for minio storage", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "STORAGE_BACKEND must be fs or minio", ErrInvalidInput)
	}
	switch c.Queue.Backend {
	case "memory":
	case "sql":
		if c.Queue.ProcessTimeout >= c.Queue.VisibilityTimeout {
			return NewAppError("CONFIG_ERROR", "QUEUE_PROCESS_TIMEOUT must be shorter than QUEUE_VISIBILITY_TIMEOUT", ErrInvalidInput)
		}
	case "redis":
		if c.Queue.RedisAddr == "" {
			return NewAppError("CONFIG_ERROR", "REDIS_ADDR is required for redis queue", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "QUEUE_BACKEND must be memory, sql or redis", ErrInvalidInput)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	switch strings.ToLower(c.NLP.Tagger) {
	case "rules":
	case "llm":
		if c.LLM.APIKey == "" {
			return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required for the llm tagger", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "NLP_TAGGER must be rules or llm", ErrInvalidInput)
	}
	return nil
}
