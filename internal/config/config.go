package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

type Config struct {
	ReposFile       string
	DataDir         string
	ReportsDir      string
	WorkDir         string
	GitPath         string
	GitleaksPath    string
	CloneDepth      int
	ScanConcurrency int
	ScanTimeout     time.Duration
	HTTPAddr        string
	LogLevel        string
	LogFile         string
	StoreBackend    string
	DatabaseURL     string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	ReportsBucket   string
	SQSQueueURL     string
	AWSRegion       string
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// LoadDotEnv loads .env files if present. Missing files are fine, this only
// exists to make local runs convenient.
func LoadDotEnv() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		ReposFile:       getString("REPOS_FILE", "repos.txt"),
		DataDir:         getString("DATA_DIR", "reports"),
		ReportsDir:      os.Getenv("REPORTS_DIR"),
		WorkDir:         getString("WORK_DIR", "temp"),
		GitPath:         getString("GIT_PATH", "git"),
		GitleaksPath:    getString("GITLEAKS_PATH", "gitleaks"),
		CloneDepth:      getInt("CLONE_DEPTH", 1000),
		ScanConcurrency: getInt("SCAN_CONCURRENCY", runtime.NumCPU()),
		ScanTimeout:     getDuration("SCAN_TIMEOUT", 0),
		HTTPAddr:        getString("HTTP_ADDR", ":3000"),
		LogLevel:        getString("LOG_LEVEL", "info"),
		LogFile:         os.Getenv("LOG_FILE"),
		StoreBackend:    getString("STORE_BACKEND", BackendFile),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:        getBool("S3_USE_SSL", "false"),
		ReportsBucket:   os.Getenv("REPORTS_BUCKET"),
		SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
		AWSRegion:       os.Getenv("AWS_REGION"),
	}
	// raw gitleaks reports live next to the metadata unless told otherwise
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = cfg.DataDir
	}
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = 1000
	}
	if cfg.ScanConcurrency < 0 {
		cfg.ScanConcurrency = 0
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.S3Endpoint != "" && c.ReportsBucket == "" {
		errs = append(errs, errors.New("REPORTS_BUCKET is required when S3_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether raw reports should be copied to object storage.
func (c Config) ArchiveEnabled() bool { return c.S3Endpoint != "" }
