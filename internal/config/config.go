package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr               string
	DatabaseURL        string
	Env                string
	UploadDir          string
	OpenAPIPath        string
	AdminBaseURL       string
	OperatorTokenHash  string
	ImportChunkSize    int
	ImportDelimiter    rune
	ImportChunkTimeout time.Duration
	ImportMaxFileBytes int64
	APIMaxBodyBytes    int64
	CORSAllowedOrigins []string
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RateLimitMaxIPs    int
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:              getEnv("API_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Env:               getEnv("APP_ENV", "dev"),
		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),
		OpenAPIPath:       getEnv("OPENAPI_PATH", "openapi.yaml"),
		AdminBaseURL:      getEnv("ADMIN_BASE_URL", ""),
		OperatorTokenHash: os.Getenv("OPERATOR_TOKEN_HASH"),
		ImportChunkSize:   getEnvInt("IMPORT_CHUNK_SIZE", 15),
		CORSAllowedOrigins: getEnvCSV("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		}),
		ImportChunkTimeout: time.Duration(getEnvInt("IMPORT_CHUNK_TIMEOUT_SEC", 60)) * time.Second,
		ImportMaxFileBytes: int64(getEnvInt("IMPORT_MAX_FILE_MB", 25)) * 1024 * 1024,
		APIMaxBodyBytes:    int64(getEnvInt("API_MAX_BODY_MB", 2)) * 1024 * 1024,
		ReadHeaderTimeout:  time.Duration(getEnvInt("API_READ_HEADER_TIMEOUT_SEC", 5)) * time.Second,
		ReadTimeout:        time.Duration(getEnvInt("API_READ_TIMEOUT_SEC", 15)) * time.Second,
		WriteTimeout:       time.Duration(getEnvInt("API_WRITE_TIMEOUT_SEC", 120)) * time.Second,
		IdleTimeout:        time.Duration(getEnvInt("API_IDLE_TIMEOUT_SEC", 60)) * time.Second,
		RateLimitMaxIPs:    getEnvInt("RATE_LIMIT_MAX_IPS", 10000),
	}

	delimiter := getEnv("IMPORT_DELIMITER", ",")
	r, size := utf8.DecodeRuneInString(delimiter)
	if size == 0 || size != len(delimiter) || r == utf8.RuneError {
		return Config{}, fmt.Errorf("IMPORT_DELIMITER must be a single character, got %q", delimiter)
	}
	cfg.ImportDelimiter = r

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ImportChunkSize < 1 {
		return Config{}, fmt.Errorf("IMPORT_CHUNK_SIZE must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
