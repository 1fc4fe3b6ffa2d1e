package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the health server
	// DecideAddr serves POST /v1/decide for an out-of-process recognizer.
	// It must be loopback; empty disables it.
	DecideAddr string `yaml:"decide_addr" validate:"omitempty,hostname_port"`

	// DB
	Env            string   `yaml:"env" validate:"oneof=dev prod"`
	Store          string   `yaml:"store" validate:"oneof=sqlite memory"`
	DBPath         string   `yaml:"db_path"`
	SeedIdentities []string `yaml:"seed_identities"` // dev only

	// Admin channel
	SharedSecret  string        `yaml:"shared_secret" validate:"required_if=Env prod"`
	AdminMode     bool          `yaml:"admin_mode"`
	NonceWindow   time.Duration `yaml:"nonce_window" validate:"gt=0"`
	NonceCapacity int           `yaml:"nonce_capacity" validate:"gte=1"`
	RedisAddr     string        `yaml:"redis_addr"` // empty keeps nonces in memory

	// Enrollment
	SessionTimeout      time.Duration `yaml:"session_timeout" validate:"gt=0"`
	MinPhotos           int           `yaml:"min_photos" validate:"gte=1"`
	MaxPhotos           int           `yaml:"max_photos" validate:"gtefield=MinPhotos"`
	MaxChunkBytes       int           `yaml:"max_chunk_bytes" validate:"gte=1"`
	MaxPhotoBytes       int           `yaml:"max_photo_bytes" validate:"gtefield=MaxChunkBytes"`
	RequireAllPhotos    bool          `yaml:"require_all_photos"`
	MaxPipelineFailures int           `yaml:"max_pipeline_failures" validate:"gte=1"`
	EmbeddingSide       int           `yaml:"embedding_side" validate:"gte=4,lte=64"`
	MinFaceSize         int           `yaml:"min_face_size" validate:"gte=1"`

	// Access decisions
	SimilarityThreshold    float64       `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
	Cooldown               time.Duration `yaml:"cooldown" validate:"gte=0"`
	MaxAttemptsPerIdentity int           `yaml:"max_attempts_per_identity" validate:"gte=0"`
	MaxAttemptsGlobal      int           `yaml:"max_attempts_global" validate:"gte=0"`
	UnlockDuration         time.Duration `yaml:"unlock_duration" validate:"gt=0"`

	// Background work
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"` // 0 disables
	FrameDir      string        `yaml:"frame_dir"`                       // empty disables the recognition loop
	FrameInterval time.Duration `yaml:"frame_interval" validate:"gte=0"`
}

func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Env:      "dev",
		Store:    "sqlite",
		DBPath:   "./data/portunus-gate.db",

		NonceWindow:   5 * time.Minute,
		NonceCapacity: 4096,

		SessionTimeout:      5 * time.Minute,
		MinPhotos:           1,
		MaxPhotos:           5,
		MaxChunkBytes:       512,
		MaxPhotoBytes:       5 << 20,
		RequireAllPhotos:    true,
		MaxPipelineFailures: 3,
		EmbeddingSide:       16,
		MinFaceSize:         64,

		SimilarityThreshold:    0.6,
		Cooldown:               2 * time.Second,
		MaxAttemptsPerIdentity: 10,
		MaxAttemptsGlobal:      30,
		UnlockDuration:         3 * time.Second,

		SweepInterval: 30 * time.Second,
		FrameInterval: 200 * time.Millisecond,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load layers defaults, the optional YAML file at path, dotenv files and
// the process environment, in that order, then validates the result.
// With no dotenv files given, ./.env is tried.
func Load(path string, dotenv ...string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	applyEnv(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// FromEnv is Load without a YAML file.
func FromEnv() (Config, error) {
	return Load("")
}

func applyEnv(c *Config) {
	c.HTTPAddr = getenvDefault("PORTUNUS_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenvDefault("PORTUNUS_GRPC_ADDR", c.GRPCAddr)
	c.DecideAddr = getenvDefault("PORTUNUS_DECIDE_ADDR", c.DecideAddr)

	c.Env = strings.ToLower(getenvDefault("PORTUNUS_ENV", c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	c.Store = strings.ToLower(getenvDefault("PORTUNUS_STORE", c.Store))
	c.DBPath = getenvDefault("PORTUNUS_DB_PATH", c.DBPath)
	if v := splitCSV(os.Getenv("PORTUNUS_SEED_IDENTITIES")); v != nil {
		c.SeedIdentities = v
	}

	c.SharedSecret = getenvDefault("PORTUNUS_SHARED_SECRET", c.SharedSecret)
	c.AdminMode = getenvBool("PORTUNUS_ADMIN_MODE", c.AdminMode)
	c.NonceWindow = getenvDuration("PORTUNUS_NONCE_WINDOW", c.NonceWindow)
	c.NonceCapacity = getenvInt("PORTUNUS_NONCE_CAPACITY", c.NonceCapacity)
	c.RedisAddr = getenvDefault("PORTUNUS_REDIS_ADDR", c.RedisAddr)

	c.SessionTimeout = getenvDuration("PORTUNUS_SESSION_TIMEOUT", c.SessionTimeout)
	c.MinPhotos = getenvInt("PORTUNUS_MIN_PHOTOS", c.MinPhotos)
	c.MaxPhotos = getenvInt("PORTUNUS_MAX_PHOTOS", c.MaxPhotos)
	c.MaxChunkBytes = getenvInt("PORTUNUS_MAX_CHUNK_BYTES", c.MaxChunkBytes)
	c.MaxPhotoBytes = getenvInt("PORTUNUS_MAX_PHOTO_BYTES", c.MaxPhotoBytes)
	c.RequireAllPhotos = getenvBool("PORTUNUS_REQUIRE_ALL_PHOTOS", c.RequireAllPhotos)
	c.MaxPipelineFailures = getenvInt("PORTUNUS_MAX_PIPELINE_FAILURES", c.MaxPipelineFailures)
	c.EmbeddingSide = getenvInt("PORTUNUS_EMBEDDING_SIDE", c.EmbeddingSide)
	c.MinFaceSize = getenvInt("PORTUNUS_MIN_FACE_SIZE", c.MinFaceSize)

	c.SimilarityThreshold = getenvFloat("PORTUNUS_SIMILARITY_THRESHOLD", c.SimilarityThreshold)
	c.Cooldown = getenvDuration("PORTUNUS_COOLDOWN", c.Cooldown)
	c.MaxAttemptsPerIdentity = getenvInt("PORTUNUS_MAX_ATTEMPTS_PER_IDENTITY", c.MaxAttemptsPerIdentity)
	c.MaxAttemptsGlobal = getenvInt("PORTUNUS_MAX_ATTEMPTS_GLOBAL", c.MaxAttemptsGlobal)
	c.UnlockDuration = getenvDuration("PORTUNUS_UNLOCK_DURATION", c.UnlockDuration)

	c.SweepInterval = getenvDuration("PORTUNUS_SWEEP_INTERVAL", c.SweepInterval)
	c.FrameDir = getenvDefault("PORTUNUS_FRAME_DIR", c.FrameDir)
	c.FrameInterval = getenvDuration("PORTUNUS_FRAME_INTERVAL", c.FrameInterval)
}
