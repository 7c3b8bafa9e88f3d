/**
 * Configuration for the OCR worker
 *
 * Loads configuration from environment variables. No globals: the
 * loaded Config is passed explicitly to every component that needs it.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (task queue and fingerprint cache)
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Object storage configuration
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	DefaultBucket  string

	// OCR engine configuration
	OCREngine      string
	OCRLanguage    string
	OCRPageSegMode int
	OCREngineMode  int
	TessdataDir    string

	// Rasterization and preprocessing
	PageDPI          int
	MinImageWidth    int
	PreprocessImages bool
	OverlapFraction  float64

	// Worker configuration
	WorkerConcurrency int
	PageWorkers       int
	QueueName         string
	InlineExecution   bool

	// Timeouts
	DownloadTimeout   time.Duration
	PageOCRTimeout    time.Duration
	ProcessingTimeout time.Duration

	// Retention
	DropInputAfterProcessing bool
	ResultKeyPrefix          string

	// Cache
	CacheTTL time.Duration

	// Temporary directory for document work dirs
	TempDir string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                 getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		MinioEndpoint:            getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:           os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:           os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:              getEnvAsBoolOrDefault("MINIO_USE_SSL", false),
		DefaultBucket:            getEnvOrDefault("DEFAULT_BUCKET", "ocr-documents"),
		OCREngine:                getEnvOrDefault("OCR_ENGINE", "tesseract"),
		OCRLanguage:              getEnvOrDefault("OCR_LANGUAGE", "eng"),
		OCRPageSegMode:           getEnvAsIntOrDefault("OCR_PSM", -1),
		OCREngineMode:            getEnvAsIntOrDefault("OCR_OEM", -1),
		TessdataDir:              getEnvOrDefault("TESSDATA_DIR", ""),
		PageDPI:                  getEnvAsIntOrDefault("PAGE_DPI", 300),
		MinImageWidth:            getEnvAsIntOrDefault("MIN_IMAGE_WIDTH", 1000),
		PreprocessImages:         getEnvAsBoolOrDefault("PREPROCESS_IMAGES", true),
		OverlapFraction:          getEnvAsFloatOrDefault("LINE_OVERLAP_FRACTION", 0.3),
		WorkerConcurrency:        getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		PageWorkers:              getEnvAsIntOrDefault("PAGE_WORKERS", 4),
		QueueName:                getEnvOrDefault("QUEUE_NAME", "ocr"),
		InlineExecution:          getEnvAsBoolOrDefault("INLINE_EXECUTION", false),
		DownloadTimeout:          getEnvAsDurationOrDefault("DOWNLOAD_TIMEOUT", 2*time.Minute),
		PageOCRTimeout:           getEnvAsDurationOrDefault("PAGE_OCR_TIMEOUT", 3*time.Minute),
		ProcessingTimeout:        getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 30*time.Minute),
		DropInputAfterProcessing: getEnvAsBoolOrDefault("DROP_INPUT_AFTER_PROCESSING", false),
		ResultKeyPrefix:          getEnvOrDefault("RESULT_KEY_PREFIX", "ocr_results"),
		CacheTTL:                 getEnvAsDurationOrDefault("CACHE_TTL", 24*time.Hour),
		TempDir:                  getEnvOrDefault("TEMP_DIR", "/tmp/ocr-worker"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.MinioEndpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.PageWorkers < 1 || c.PageWorkers > 64 {
		return fmt.Errorf("PAGE_WORKERS must be between 1 and 64, got %d", c.PageWorkers)
	}

	if c.PageDPI < 72 || c.PageDPI > 1200 {
		return fmt.Errorf("PAGE_DPI must be between 72 and 1200, got %d", c.PageDPI)
	}

	if c.OverlapFraction <= 0 || c.OverlapFraction > 1 {
		return fmt.Errorf("LINE_OVERLAP_FRACTION must be in (0, 1], got %v", c.OverlapFraction)
	}

	if !c.InlineExecution && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required unless INLINE_EXECUTION is set")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault gets environment variable as duration or returns default
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
