package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/user/poplens/internal/logging"
)

const defaultSecret = "your-secret-key-change-in-production"

// Config 应用配置
type Config struct {
	Env         string
	Port        string
	AppSecret   string
	DatabaseURL string
	JWTExpiry   time.Duration

	LogLevel  string
	LogFormat string

	// 外部目录凭据，显式传给各个 source 构造函数
	TMDBToken        string
	GoogleBooksKey   string
	IGDBClientID     string
	IGDBClientSecret string

	EmbeddingURL     string
	EmbeddingModel   string
	EmbeddingTimeout time.Duration

	Ingest   IngestConfig
	Backfill BackfillConfig

	// 抓取运行记录保留天数，0 表示不清理
	RunRetentionDays int
}

// IngestConfig 抓取管道配置
type IngestConfig struct {
	RequireImage     bool
	PageRetries      int
	FetchConcurrency int
	RatePerSecond    float64
}

// BackfillConfig 向量回填配置
type BackfillConfig struct {
	BatchSize int
}

// Load 加载配置
func Load() (*Config, error) {
	dbUser := getEnv("DB_USER", "postgres")
	dbPass := getEnv("DB_PASSWORD", "postgres")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_NAME", "media")
	dbSSL := getEnv("DB_SSLMODE", "disable")

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPass, dbHost, dbPort, dbName, dbSSL)

	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "5005"),
		AppSecret:   getEnv("APP_SECRET", defaultSecret),
		DatabaseURL: getEnv("DATABASE_URL", dbURL),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		TMDBToken:        os.Getenv("TMDB_TOKEN"),
		GoogleBooksKey:   os.Getenv("GOOGLE_BOOKS_KEY"),
		IGDBClientID:     os.Getenv("IGDB_CLIENT_ID"),
		IGDBClientSecret: os.Getenv("IGDB_CLIENT_SECRET"),

		EmbeddingURL:   getEnv("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "all-minilm"),
	}

	var err error
	if cfg.JWTExpiry, err = getDuration("JWT_EXPIRY", 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.EmbeddingTimeout, err = getDuration("EMBEDDING_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Ingest.RequireImage, err = getBool("INGEST_REQUIRE_IMAGE", true); err != nil {
		return nil, err
	}
	if cfg.Ingest.PageRetries, err = getInt("INGEST_PAGE_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.Ingest.FetchConcurrency, err = getInt("INGEST_FETCH_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if cfg.Ingest.RatePerSecond, err = getFloat("INGEST_RATE_PER_SEC", 4); err != nil {
		return nil, err
	}
	if cfg.Backfill.BatchSize, err = getInt("BACKFILL_BATCH_SIZE", 10000); err != nil {
		return nil, err
	}
	if cfg.RunRetentionDays, err = getInt("RUN_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}

	if cfg.Ingest.PageRetries < 0 {
		return nil, fmt.Errorf("INGEST_PAGE_RETRIES must be >= 0")
	}
	if cfg.Ingest.FetchConcurrency < 1 {
		return nil, fmt.Errorf("INGEST_FETCH_CONCURRENCY must be >= 1")
	}
	if cfg.Backfill.BatchSize <= 0 {
		return nil, fmt.Errorf("BACKFILL_BATCH_SIZE must be > 0")
	}

	if cfg.Env == "production" && cfg.AppSecret == defaultSecret {
		logging.Warn().Msg("【严重警告】生产环境正在使用默认密钥！请立即设置 APP_SECRET 环境变量。")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
