package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds shared runtime configuration for the API and consumer services.
type Config struct {
	Env      string `mapstructure:"app_env"`
	HTTPPort string `mapstructure:"http_port" validate:"required,numeric"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`

	DeliveryBackend  string `mapstructure:"delivery_backend" validate:"oneof=memory redis"`
	DeliveryQueueKey string `mapstructure:"delivery_queue_key" validate:"required"`

	// PostgresDSN enables the stage audit trail when set.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollMaxWait   time.Duration `mapstructure:"poll_max_wait" validate:"gt=0"`
	TaskTTL       time.Duration `mapstructure:"task_ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`

	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" validate:"gt=0"`

	RateLimitEnabled  bool    `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity int     `mapstructure:"rate_limit_capacity" validate:"gt=0"`
	RateLimitRefill   float64 `mapstructure:"rate_limit_refill_per_sec" validate:"gt=0"`

	TripoAPIKey         string        `mapstructure:"tripo_api_key"`
	TripoBaseURL        string        `mapstructure:"tripo_base_url" validate:"required,url"`
	TripoModelVersion   string        `mapstructure:"tripo_model_version" validate:"required"`
	TripoTexture        bool          `mapstructure:"tripo_texture"`
	TripoPBR            bool          `mapstructure:"tripo_pbr"`
	TripoRequestTimeout time.Duration `mapstructure:"tripo_request_timeout" validate:"gt=0"`

	// Base mesh task ids per design. A design with an id is textured onto
	// that mesh instead of generated from scratch.
	TripoSpaceshipMeshID string `mapstructure:"mesh_spaceship_task_id"`
	TripoLocketMeshID    string `mapstructure:"mesh_locket_task_id"`
	TripoCharacterMeshID string `mapstructure:"mesh_character_task_id"`

	ArtifactDownloadTimeout time.Duration `mapstructure:"artifact_download_timeout" validate:"gt=0"`
	ArtifactMaxBytes        int64         `mapstructure:"artifact_max_bytes" validate:"gt=0"`
	ArtifactOutputDir       string        `mapstructure:"artifact_output_dir"`
	ArtifactS3Bucket        string        `mapstructure:"artifact_s3_bucket"`
	ArtifactS3Region        string        `mapstructure:"artifact_s3_region"`
	ArtifactS3Endpoint      string        `mapstructure:"artifact_s3_endpoint" validate:"omitempty,url"`
	ArtifactS3PathStyle     bool          `mapstructure:"artifact_s3_path_style"`

	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model" validate:"required"`

	ImageHeaderCropRatio float64 `mapstructure:"image_header_crop_ratio" validate:"gte=0,lt=1"`
	ImageMaxDimension    int     `mapstructure:"image_max_dimension" validate:"gte=0"`
	ImageForcePortrait   bool    `mapstructure:"image_force_portrait"`
	ImageJPEGQuality     int     `mapstructure:"image_jpeg_quality" validate:"gte=1,lte=100"`

	ConsumerAPIURL       string        `mapstructure:"consumer_api_url" validate:"required,url"`
	ConsumerPollInterval time.Duration `mapstructure:"consumer_poll_interval" validate:"gt=0"`
	ConsumerManifest     string        `mapstructure:"consumer_manifest"`
}

var defaults = map[string]any{
	"app_env":                   "dev",
	"http_port":                 "8000",
	"log_level":                 "info",
	"redis_addr":                "",
	"redis_password":            "",
	"redis_db":                  0,
	"delivery_backend":          "memory",
	"delivery_queue_key":        "queue:delivery",
	"postgres_dsn":              "",
	"poll_interval":             3 * time.Second,
	"poll_max_wait":             10 * time.Minute,
	"task_ttl":                  time.Hour,
	"sweep_interval":            time.Minute,
	"max_upload_bytes":          int64(25 * 1024 * 1024),
	"rate_limit_enabled":        false,
	"rate_limit_capacity":       30,
	"rate_limit_refill_per_sec": 0.5,
	"tripo_api_key":             "",
	"tripo_base_url":            "https://api.tripo3d.ai/v2/openapi",
	"tripo_model_version":       "v2.5-20250123",
	"tripo_texture":             true,
	"tripo_pbr":                 true,
	"tripo_request_timeout":     30 * time.Second,
	"mesh_spaceship_task_id":    "",
	"mesh_locket_task_id":       "",
	"mesh_character_task_id":    "",
	"artifact_download_timeout": 60 * time.Second,
	"artifact_max_bytes":        int64(200 * 1024 * 1024),
	"artifact_output_dir":       "./output",
	"artifact_s3_bucket":        "",
	"artifact_s3_region":        "us-east-1",
	"artifact_s3_endpoint":      "",
	"artifact_s3_path_style":    false,
	"gemini_api_key":            "",
	"gemini_model":              "gemini-2.0-flash",
	"image_header_crop_ratio":   0.15,
	"image_max_dimension":       2048,
	"image_force_portrait":      false,
	"image_jpeg_quality":        95,
	"consumer_api_url":          "http://localhost:8000",
	"consumer_poll_interval":    2 * time.Second,
	"consumer_manifest":         "./output/deliveries.jsonl",
}

var validate = validator.New()

// Load reads configuration from environment variables (and an optional YAML file named by
// CONFIG_FILE) with sane defaults for local development.
func Load() (Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	// Keys are flat, so AutomaticEnv maps http_port to HTTP_PORT directly.
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.DeliveryBackend == "redis" && c.RedisAddr == "" {
		return errors.New("config validation: DELIVERY_BACKEND=redis requires REDIS_ADDR")
	}
	if c.RateLimitEnabled && c.RedisAddr == "" {
		return errors.New("config validation: RATE_LIMIT_ENABLED requires REDIS_ADDR")
	}
	return nil
}
