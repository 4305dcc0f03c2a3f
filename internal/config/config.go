package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Camera    CameraConfig    `json:"camera"`
	Recording RecordingConfig `json:"recording"`
	Cleanup   CleanupConfig   `json:"cleanup"`
	Security  SecurityConfig  `json:"security"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type AuthConfig struct {
	SecretKey  string        `json:"secret_key"`
	Expiration time.Duration `json:"expiration"`
}

// CameraConfig bounds the upstream connection per session: how long a
// connect/read may block, how often a dropped camera is retried before the
// session surfaces an upstream failure, and how much buffering each preview
// subscriber gets before frames are dropped.
type CameraConfig struct {
	ConnectTimeout   time.Duration `json:"connect_timeout"`
	ReadTimeout      time.Duration `json:"read_timeout"`
	MaxRetries       int           `json:"max_retries"`
	BackoffBase      time.Duration `json:"backoff_base"`
	BackoffMax       time.Duration `json:"backoff_max"`
	SnapshotWait     time.Duration `json:"snapshot_wait"`
	SubscriberBuffer int           `json:"subscriber_buffer"`
	ChunkSize        int           `json:"chunk_size"`
}

type RecordingConfig struct {
	StoragePath string        `json:"storage_path"`
	LogPath     string        `json:"log_path"`
	FFmpegPath  string        `json:"ffmpeg_path"`
	MaxDuration time.Duration `json:"max_duration"`
	StopGrace   time.Duration `json:"stop_grace"`
	MaxSessions int           `json:"max_sessions"`
}

type CleanupConfig struct {
	SweepInterval     time.Duration `json:"sweep_interval"`
	Retention         time.Duration `json:"retention"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	DurationTolerance time.Duration `json:"duration_tolerance"`
}

type SecurityConfig struct {
	CORSOrigins []string      `json:"cors_origins"`
	RateLimit   int           `json:"rate_limit"`
	RateWindow  time.Duration `json:"rate_window"`
}

// Load reads configuration from environment variables and the .env file.
func Load() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	if err := config.loadAuthConfig(); err != nil {
		return nil, fmt.Errorf("failed to load auth config: %w", err)
	}

	config.loadCameraConfig()
	config.loadRecordingConfig()
	config.loadCleanupConfig()
	config.loadSecurityConfig()

	return config, nil
}

func (c *Config) loadServerConfig() error {
	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:        port,
		Host:        getEnv("HOST", "0.0.0.0"),
		ReadTimeout: getDurationEnv("READ_TIMEOUT", 10*time.Second),
		// Preview streams are long-lived; zero disables the write deadline.
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 0),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 30*time.Second),
	}
	return nil
}

func (c *Config) loadAuthConfig() error {
	secretKey := getEnv("JWT_SECRET", "")
	if secretKey == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}

	c.Auth = AuthConfig{
		SecretKey:  secretKey,
		Expiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),
	}
	return nil
}

func (c *Config) loadCameraConfig() {
	c.Camera = CameraConfig{
		ConnectTimeout:   getDurationEnv("CAMERA_CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:      getDurationEnv("CAMERA_READ_TIMEOUT", 15*time.Second),
		MaxRetries:       getIntEnv("CAMERA_MAX_RETRIES", 5),
		BackoffBase:      getDurationEnv("CAMERA_BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:       getDurationEnv("CAMERA_BACKOFF_MAX", 5*time.Second),
		SnapshotWait:     getDurationEnv("CAMERA_SNAPSHOT_WAIT", 5*time.Second),
		SubscriberBuffer: getIntEnv("CAMERA_SUBSCRIBER_BUFFER", 8),
		ChunkSize:        getIntEnv("CAMERA_CHUNK_SIZE", 32*1024),
	}
}

func (c *Config) loadRecordingConfig() {
	c.Recording = RecordingConfig{
		StoragePath: getEnv("RECORDING_STORAGE_PATH", "storage/recordings"),
		LogPath:     getEnv("RECORDING_LOG_PATH", "storage/logs"),
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		MaxDuration: getDurationEnv("RECORDING_MAX_DURATION", 1*time.Hour),
		StopGrace:   getDurationEnv("RECORDING_STOP_GRACE", 10*time.Second),
		MaxSessions: getIntEnv("RECORDING_MAX_SESSIONS", 32),
	}
}

func (c *Config) loadCleanupConfig() {
	c.Cleanup = CleanupConfig{
		SweepInterval:     getDurationEnv("CLEANUP_SWEEP_INTERVAL", 30*time.Second),
		Retention:         getDurationEnv("CLEANUP_RETENTION", 5*time.Minute),
		IdleTimeout:       getDurationEnv("CLEANUP_IDLE_TIMEOUT", 2*time.Minute),
		DurationTolerance: getDurationEnv("CLEANUP_DURATION_TOLERANCE", 15*time.Second),
	}
}

func (c *Config) loadSecurityConfig() {
	corsOriginsStr := getEnv("CORS_ORIGINS", "*")
	var corsOrigins []string
	if corsOriginsStr != "*" {
		for _, origin := range strings.Split(corsOriginsStr, ",") {
			corsOrigins = append(corsOrigins, strings.TrimSpace(origin))
		}
	} else {
		corsOrigins = []string{"*"}
	}
	c.Security = SecurityConfig{
		CORSOrigins: corsOrigins,
		RateLimit:   getIntEnv("RATE_LIMIT", 100),
		RateWindow:  getDurationEnv("RATE_WINDOW", 1*time.Minute),
	}
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("jwt secret key is required")
	}
	if c.Recording.StoragePath == "" {
		return fmt.Errorf("recording storage path is required")
	}
	if c.Recording.LogPath == "" {
		return fmt.Errorf("recording log path is required")
	}
	if c.Recording.MaxDuration <= 0 {
		return fmt.Errorf("recording max duration must be positive")
	}
	if c.Camera.MaxRetries < 1 {
		return fmt.Errorf("camera max retries must be at least 1")
	}
	if c.Cleanup.SweepInterval <= 0 {
		return fmt.Errorf("cleanup sweep interval must be positive")
	}
	return nil
}
