// Package config provides configuration loading and management for the promptloom service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the OS
// environment always wins over .env, which wins over .env.local.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the promptloom service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer; empty disables bearer identity
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Overrides <issuer>/.well-known/jwks.json

	// Generation pipeline
	PromptCeiling int           // Maximum percent-encoded prompt length
	MaxImages     int           // Upper bound on images per request
	BaseTimeout   time.Duration // Attempt k gets BaseTimeout*k
	MaxAttempts   int           // Attempts per image
	BackoffUnit   time.Duration // Backoff is 2^attempt units plus up to one unit of jitter
	Stagger       time.Duration // Dispatch offset between images of one batch
	FetchTimeout  time.Duration // Timer for re-fetching a remote image URL
	StrictRetry   bool          // Treat 4xx other than 408/429 as permanent
	MaxImageBytes int64         // Upper bound on a decoded image

	FamilyAURL    string
	FamilyAModels []string
	FamilyBURL    string
	FamilyBModels []string

	// Gallery
	GalleryCapacity int      // Maximum number of approved records
	Moderators      []string // Caller ids allowed to moderate and delete any record

	// Rate limiting on generation
	GenerateRPM   int
	GenerateBurst int

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort            = "8080"
	defaultS3Region        = "us-east-1"
	defaultEnv             = "dev"
	defaultPromptCeiling   = 1800
	defaultMaxImages       = 4
	defaultBaseTimeout     = 60 * time.Second
	defaultMaxAttempts     = 3
	defaultBackoffUnit     = time.Second
	defaultStagger         = time.Second
	defaultFetchTimeout    = 30 * time.Second
	defaultMaxImageBytes   = 10 * 1024 * 1024
	defaultGalleryCapacity = 100
	defaultGenerateRPM     = 30
	defaultGenerateBurst   = 5
	defaultFamilyAURL      = "https://image.quality-gen.example/generate"
	defaultFamilyBURL      = "https://image.seeded-gen.example/prompt"
)

var (
	defaultFamilyAModels = []string{"flux-pro", "flux-realism", "sdxl-turbo"}
	defaultFamilyBModels = []string{"flux", "turbo", "kontext"}
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error when a value is present but malformed or out of range.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("PL_ENV", defaultEnv),
		Port:        getEnv("PL_PORT", defaultPort),
		DatabaseDSN: os.Getenv("PL_DB_DSN"),
		NATSURL:     os.Getenv("PL_NATS_URL"),
		S3Endpoint:  os.Getenv("PL_S3_ENDPOINT"),
		S3Region:    getEnv("PL_S3_REGION", defaultS3Region),
		S3Bucket:    os.Getenv("PL_S3_BUCKET"),
		S3AccessKey: os.Getenv("PL_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("PL_S3_SECRET_KEY"),
		JWTIssuer:   os.Getenv("PL_JWT_ISSUER"),
		JWTAudience: os.Getenv("PL_JWT_AUDIENCE"),
		JWKSURL:     os.Getenv("PL_JWKS_URL"),
		FamilyAURL:  getEnv("PL_FAMILY_A_URL", defaultFamilyAURL),
		FamilyBURL:  getEnv("PL_FAMILY_B_URL", defaultFamilyBURL),
		StrictRetry: parseBool(os.Getenv("PL_STRICT_RETRY")),
	}

	var err error
	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"PL_PROMPT_CEILING", &cfg.PromptCeiling, defaultPromptCeiling},
		{"PL_MAX_IMAGES", &cfg.MaxImages, defaultMaxImages},
		{"PL_MAX_ATTEMPTS", &cfg.MaxAttempts, defaultMaxAttempts},
		{"PL_GALLERY_CAPACITY", &cfg.GalleryCapacity, defaultGalleryCapacity},
		{"PL_GENERATE_RPM", &cfg.GenerateRPM, defaultGenerateRPM},
		{"PL_GENERATE_BURST", &cfg.GenerateBurst, defaultGenerateBurst},
	}
	for _, it := range ints {
		if *it.dst, err = getInt(it.key, it.fallback); err != nil {
			return cfg, err
		}
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"PL_BASE_TIMEOUT", &cfg.BaseTimeout, defaultBaseTimeout},
		{"PL_BACKOFF_UNIT", &cfg.BackoffUnit, defaultBackoffUnit},
		{"PL_STAGGER", &cfg.Stagger, defaultStagger},
		{"PL_FETCH_TIMEOUT", &cfg.FetchTimeout, defaultFetchTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return cfg, err
		}
	}

	cfg.MaxImageBytes = defaultMaxImageBytes
	if v, exists := os.LookupEnv("PL_MAX_IMAGE_BYTES"); exists {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("PL_MAX_IMAGE_BYTES: %w", err)
		}
		cfg.MaxImageBytes = size
	}

	cfg.FamilyAModels = getList("PL_FAMILY_A_MODELS", defaultFamilyAModels)
	cfg.FamilyBModels = getList("PL_FAMILY_B_MODELS", defaultFamilyBModels)
	cfg.CORSAllowedOrigins = getList("PL_CORS_ALLOWED_ORIGINS", nil)
	cfg.Moderators = getList("PL_MODERATORS", nil)

	if cfg.PromptCeiling <= 0 {
		return cfg, fmt.Errorf("PL_PROMPT_CEILING must be positive")
	}
	if cfg.MaxImages <= 0 {
		return cfg, fmt.Errorf("PL_MAX_IMAGES must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return cfg, fmt.Errorf("PL_MAX_ATTEMPTS must be positive")
	}
	if cfg.GalleryCapacity <= 0 {
		return cfg, fmt.Errorf("PL_GALLERY_CAPACITY must be positive")
	}
	if cfg.JWTIssuer != "" && cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("PL_JWT_AUDIENCE is required when PL_JWT_ISSUER is set")
	}

	return cfg, nil
}

// S3Enabled reports whether gallery images should be written to object storage.
func (c Config) S3Enabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getList splits a comma separated variable, trimming whitespace and dropping empties.
func getList(key string, fallback []string) []string {
	v, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
