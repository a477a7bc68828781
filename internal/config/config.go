package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Images   ImagesConfig   `mapstructure:"images" validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// PublicBaseURL is prepended to image paths in responses. When empty the
	// scheme and host of the incoming request are used instead.
	PublicBaseURL string `mapstructure:"public_base_url" validate:"omitempty,url"`

	// MaxUploadMB bounds the size of multipart request bodies.
	MaxUploadMB int `mapstructure:"max_upload_mb" validate:"required,min=1,max=100"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	// Driver selects the persistence backend: "postgres" or the in-process "memory" store.
	Driver      string `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL         string `mapstructure:"url" validate:"required_if=Driver postgres"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,min=1,max=44640"`
	BCryptCost           int    `mapstructure:"bcrypt_cost" validate:"required,min=4,max=31"`
	// ClockSkewSeconds is the leeway granted to exp and nbf checks. Zero
	// rejects a token the moment it expires.
	ClockSkewSeconds     int    `mapstructure:"clock_skew_seconds" validate:"min=0,max=300"`
}

// ImagesConfig controls where cover images live and how they are normalized.
type ImagesConfig struct {
	Dir          string `mapstructure:"dir" validate:"required"`
	TempDir      string `mapstructure:"temp_dir"`
	MaxDimension int    `mapstructure:"max_dimension" validate:"required,min=16,max=8192"`
	Quality      int    `mapstructure:"quality" validate:"required,min=1,max=100"`
	// MaxPixels caps width*height of an upload, checked from its header
	// before the frame is decoded. Zero means images.DefaultMaxPixels.
	MaxPixels    int    `mapstructure:"max_pixels" validate:"omitempty,min=1"`
}

// CacheConfig configures the optional Redis cache for the top-rated listing.
// Caching is disabled when RedisURL is empty.
type CacheConfig struct {
	RedisURL   string `mapstructure:"redis_url" validate:"omitempty,url"`
	TTLSeconds int    `mapstructure:"ttl_seconds" validate:"required,min=1,max=86400"`
}
