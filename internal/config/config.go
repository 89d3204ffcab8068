package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is not set")
	ErrIncompleteMinIO    = errors.New("MINIO_ENDPOINT requires MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET")
	ErrBadProjection      = errors.New("PROJECTION is empty")
)

// Config is everything the server reads from the environment.
type Config struct {
	Port        string
	DatabaseURL string
	CORSOrigins []string

	// Redis backs the task store when RedisHost is set; otherwise tasks
	// live in memory.
	RedisHost string
	RedisPort string
	RedisPass string
	RedisDB   int

	// Kafka receives task lifecycle events when brokers are configured.
	KafkaBrokers   []string
	KafkaTaskTopic string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	MinIORegion    string
	ExportURLTTL   time.Duration

	RulesPath  string
	Projection string

	MaxUploadBytes     int64
	RouteMaxIterations int
	RouteTimeout       time.Duration

	GoogleMapsAPIKey string
	GeocodeRPS       float64

	// AsyncAssignThreshold is the voter count above which assignment runs
	// as a background task.
	AsyncAssignThreshold int
}

const (
	DefaultPort           = "5050"
	DefaultTaskTopic      = "district-tasks"
	DefaultProjection     = "EPSG:5070"
	DefaultMaxUploadBytes = 256 << 20
)

// LoadFromEnv reads configuration from environment variables. Malformed
// numbers and durations are errors; missing ones take defaults.
//
// Environment variables:
//   - PORT (default 5050), DATABASE_URL, CORS_ORIGINS (comma separated)
//   - REDIS_HOST, REDIS_PORT (6379), REDIS_PASS, REDIS_DB (0)
//   - KAFKA_BROKERS (comma separated), KAFKA_TASK_TOPIC (district-tasks)
//   - MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_BUCKET,
//     MINIO_USE_SSL, MINIO_REGION, EXPORT_URL_TTL (24h)
//   - RULES_PATH, PROJECTION (EPSG:5070)
//   - MAX_UPLOAD_BYTES (256 MiB, humanized sizes like "64MB" accepted)
//   - ROUTE_MAX_ITERATIONS (1000), ROUTE_TIMEOUT (10s)
//   - GOOGLE_MAPS_API_KEY, GEOCODE_RPS (10)
//   - ASYNC_ASSIGN_THRESHOLD (5000)
func LoadFromEnv() (Config, error) {
	c := Config{
		Port:             envOr("PORT", DefaultPort),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CORSOrigins:      list(os.Getenv("CORS_ORIGINS")),
		RedisHost:        strings.TrimSpace(os.Getenv("REDIS_HOST")),
		RedisPort:        envOr("REDIS_PORT", "6379"),
		RedisPass:        os.Getenv("REDIS_PASS"),
		KafkaBrokers:     list(os.Getenv("KAFKA_BROKERS")),
		KafkaTaskTopic:   envOr("KAFKA_TASK_TOPIC", DefaultTaskTopic),
		MinIOEndpoint:    strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")),
		MinIOAccessKey:   os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey:   os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:      strings.TrimSpace(os.Getenv("MINIO_BUCKET")),
		MinIORegion:      strings.TrimSpace(os.Getenv("MINIO_REGION")),
		RulesPath:        strings.TrimSpace(os.Getenv("RULES_PATH")),
		Projection:       envOr("PROJECTION", DefaultProjection),
		GoogleMapsAPIKey: strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY")),
	}

	var err error
	if c.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return c, err
	}
	if c.MinIOUseSSL, err = boolEnv("MINIO_USE_SSL", false); err != nil {
		return c, err
	}
	if c.ExportURLTTL, err = durationEnv("EXPORT_URL_TTL", 24*time.Hour); err != nil {
		return c, err
	}
	if c.RouteMaxIterations, err = intEnv("ROUTE_MAX_ITERATIONS", 1000); err != nil {
		return c, err
	}
	if c.RouteTimeout, err = durationEnv("ROUTE_TIMEOUT", 10*time.Second); err != nil {
		return c, err
	}
	if c.AsyncAssignThreshold, err = intEnv("ASYNC_ASSIGN_THRESHOLD", 5000); err != nil {
		return c, err
	}
	if c.GeocodeRPS, err = floatEnv("GEOCODE_RPS", 10); err != nil {
		return c, err
	}
	c.MaxUploadBytes = DefaultMaxUploadBytes
	if v := strings.TrimSpace(os.Getenv("MAX_UPLOAD_BYTES")); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return c, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = int64(n)
	}
	return c, nil
}

// Validate checks settings that must hold before the server starts.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.MinIOEndpoint != "" && (c.MinIOAccessKey == "" || c.MinIOSecretKey == "" || c.MinIOBucket == "") {
		return ErrIncompleteMinIO
	}
	if strings.TrimSpace(c.Projection) == "" {
		return ErrBadProjection
	}
	if c.RouteMaxIterations <= 0 {
		return fmt.Errorf("ROUTE_MAX_ITERATIONS must be positive, got %d", c.RouteMaxIterations)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// RedisAddr is host:port, empty when Redis is not configured.
func (c Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func list(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
