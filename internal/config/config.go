package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Transcoder TranscoderConfig
	Store      StoreConfig
	Logging    LoggingConfig
	Tracing    TracingConfig
	Metrics    MetricsConfig
	Webhook    WebhookConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	AuthSecret      string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	URLExpiry       time.Duration
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	Vhost      string
	MaxRetries int
}

// TranscoderConfig holds clip transcoding configuration
type TranscoderConfig struct {
	WorkerCount         int
	TempDir             string
	FFmpegPath          string
	FFprobePath         string
	TargetHeight        int
	FrameRate           float64
	VideoBitrate        int
	AudioBitrate        int
	PlaybackRate        float64
	MaxOutputDuration   time.Duration
	Timeout             time.Duration
	DecodePreviewHeight int
	MaxSourceBytes      int64
	MaxSourceDuration   time.Duration
	MIMEPreference      []string
}

// StoreConfig selects the key-value persistence backend
type StoreConfig struct {
	Backend string // badger, redis
	Dir     string
	Prefix  string
	TTL     time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled           bool
	ServiceName       string
	CollectorEndpoint string
	SamplerParam      float64
}

// MetricsConfig holds the standalone metrics server configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// WebhookConfig lists endpoints notified about finished clips
type WebhookConfig struct {
	URLs       []string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// RateLimitConfig bounds upload requests per client
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TBMCLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if _, err := config.Transcoder.Options(); err != nil {
		return nil, fmt.Errorf("invalid transcoder config: %w", err)
	}

	return &config, nil
}

// Options converts the transcoder section into pipeline options.
func (c TranscoderConfig) Options() (transcoder.Options, error) {
	opts := transcoder.DefaultOptions()
	opts.TargetHeight = c.TargetHeight
	opts.FrameRate = c.FrameRate
	opts.VideoBitrate = c.VideoBitrate
	opts.AudioBitrate = c.AudioBitrate
	opts.PlaybackRate = c.PlaybackRate
	opts.MaxOutputDuration = c.MaxOutputDuration
	opts.Timeout = c.Timeout
	opts.MaxSourceBytes = c.MaxSourceBytes
	opts.MaxSourceDuration = c.MaxSourceDuration
	if len(c.MIMEPreference) > 0 {
		opts.MIMEPreference = c.MIMEPreference
	}
	if err := opts.Validate(); err != nil {
		return transcoder.Options{}, err
	}
	return opts, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "60s")
	v.SetDefault("server.writeTimeout", "60s")
	v.SetDefault("server.shutdownTimeout", "30s")
	v.SetDefault("server.maxUploadBytes", 500*1024*1024) // 500MB

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "tbmclip")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "tbm-clips")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)
	v.SetDefault("storage.urlExpiry", "1h")

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.maxRetries", 3)

	// Transcoder defaults
	v.SetDefault("transcoder.workerCount", 2)
	v.SetDefault("transcoder.tempDir", "/tmp/tbmclip")
	v.SetDefault("transcoder.ffmpegPath", "ffmpeg")
	v.SetDefault("transcoder.ffprobePath", "ffprobe")
	v.SetDefault("transcoder.targetHeight", 144)
	v.SetDefault("transcoder.frameRate", 10)
	v.SetDefault("transcoder.videoBitrate", 100_000)
	v.SetDefault("transcoder.audioBitrate", 32_000)
	v.SetDefault("transcoder.playbackRate", 3.0)
	v.SetDefault("transcoder.maxOutputDuration", "10s")
	v.SetDefault("transcoder.timeout", "20s")
	v.SetDefault("transcoder.decodePreviewHeight", 360)
	v.SetDefault("transcoder.maxSourceBytes", 500*1024*1024) // 500MB
	v.SetDefault("transcoder.maxSourceDuration", "2h")

	// Store defaults
	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.dir", "/var/lib/tbmclip/kv")
	v.SetDefault("store.prefix", "tbmclip:")
	v.SetDefault("store.ttl", "168h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "tbmclip")
	v.SetDefault("tracing.collectorEndpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.samplerParam", 0.1)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Webhook defaults
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.maxRetries", 3)

	// Rate limit defaults
	v.SetDefault("ratelimit.requestsPerSecond", 2)
	v.SetDefault("ratelimit.burst", 5)
}
