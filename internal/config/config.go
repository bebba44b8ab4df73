package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the churnwatch server, worker, and CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	BlobStore BlobStoreConfig
	Queue     QueueConfig
	Upload    UploadConfig
	Worker    WorkerConfig
	Sweeper   SweeperConfig
	Model     ModelConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
	PresignedURLTTL    time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AWSConfig is shared by the s3 blob driver and the sqs queue driver.
// Empty keys fall back to the SDK's default credential chain.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type BlobStoreConfig struct {
	Driver             string
	Bucket             string
	Prefix             string
	Endpoint           string
	GCSCredentialsFile string
}

type QueueConfig struct {
	Driver          string
	URL             string
	Name            string
	Endpoint        string
	ReceiveWait     time.Duration
	Visibility      time.Duration
	MaxReceiveCount int
}

type UploadConfig struct {
	MaxBytes     int64
	StallTimeout time.Duration
}

type WorkerConfig struct {
	SoftDeadline  time.Duration
	ShutdownGrace time.Duration
	MessageMaxAge time.Duration
	MetricsPort   int
}

type SweeperConfig struct {
	Interval time.Duration
	MinAge   time.Duration
	// StallAge is how long a RUNNING prediction may go without a re-claim before the
	// sweeper fails it. Defaults to Visibility*MaxReceiveCount + SoftDeadline.
	StallAge time.Duration
}

type ModelConfig struct {
	BundlePath     string
	ExplanationTop int
}

const (
	DefaultMaxUploadBytes    int64 = 10 * 1024 * 1024
	MaxPresignedURLTTL             = 10 * time.Minute
	MinExplanationTopN             = 1
	MaxExplanationTopN             = 5
	defaultMessageMaxAgeSecs       = 14 * 24 * 60 * 60
)

var (
	validBlobDrivers  = map[string]bool{"s3": true, "gcs": true, "memory": true}
	validQueueDrivers = map[string]bool{"sqs": true, "redis": true, "memory": true}
)

// Load reads configuration from the environment (after an optional .env file)
// and returns a validated Config. Returns a descriptive error on the first invalid value.
func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("CHURNWATCH_PORT", 8080),
			Env:                envString("CHURNWATCH_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			PresignedURLTTL:    envDurationSecs("PRESIGNED_URL_TTL_SECONDS", 600*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AWS: AWSConfig{
			Region:          envString("AWS_REGION", "us-east-1"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		},
		BlobStore: BlobStoreConfig{
			Driver:             strings.ToLower(envString("BLOBSTORE_DRIVER", "s3")),
			Bucket:             os.Getenv("BLOBSTORE_BUCKET"),
			Prefix:             os.Getenv("BLOBSTORE_PREFIX"),
			Endpoint:           os.Getenv("S3_ENDPOINT"),
			GCSCredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
		},
		Queue: QueueConfig{
			Driver:          strings.ToLower(envString("QUEUE_DRIVER", "sqs")),
			URL:             os.Getenv("QUEUE_URL"),
			Name:            envString("QUEUE_NAME", "churnwatch-jobs"),
			Endpoint:        os.Getenv("SQS_ENDPOINT"),
			ReceiveWait:     envDurationSecs("QUEUE_RECEIVE_WAIT_SECONDS", 20*time.Second),
			Visibility:      envDurationSecs("QUEUE_VISIBILITY_SECONDS", 300*time.Second),
			MaxReceiveCount: envInt("QUEUE_MAX_RECEIVE_COUNT", 3),
		},
		Upload: UploadConfig{
			MaxBytes:     envInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
			StallTimeout: envDurationSecs("UPLOAD_STALL_TIMEOUT_SECONDS", 30*time.Second),
		},
		Worker: WorkerConfig{
			SoftDeadline:  envDurationSecs("PROCESSING_SOFT_DEADLINE_SECONDS", 600*time.Second),
			ShutdownGrace: envDurationSecs("WORKER_GRACEFUL_SHUTDOWN_GRACE_SECONDS", 30*time.Second),
			MessageMaxAge: envDurationSecs("MESSAGE_MAX_AGE_SECONDS", defaultMessageMaxAgeSecs*time.Second),
			MetricsPort:   envInt("WORKER_METRICS_PORT", 9090),
		},
		Sweeper: SweeperConfig{
			Interval: envDurationSecs("SWEEP_INTERVAL_SECONDS", 60*time.Second),
			MinAge:   envDurationSecs("SWEEP_MIN_AGE_SECONDS", 120*time.Second),
			StallAge: envDurationSecs("SWEEP_STALL_AGE_SECONDS", 0),
		},
		Model: ModelConfig{
			BundlePath:     os.Getenv("MODEL_BUNDLE_PATH"),
			ExplanationTop: envInt("EXPLANATION_TOP_N", 3),
		},
	}

	if cfg.Sweeper.StallAge == 0 {
		cfg.Sweeper.StallAge = cfg.Queue.Visibility*time.Duration(cfg.Queue.MaxReceiveCount) + cfg.Worker.SoftDeadline
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBlobDrivers[c.BlobStore.Driver] {
		return fmt.Errorf("BLOBSTORE_DRIVER must be one of s3, gcs, memory; got %q", c.BlobStore.Driver)
	}
	if c.BlobStore.Driver != "memory" && c.BlobStore.Bucket == "" {
		return fmt.Errorf("BLOBSTORE_BUCKET is required when BLOBSTORE_DRIVER is %s", c.BlobStore.Driver)
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	if c.BlobStore.Endpoint != "" && !strings.HasPrefix(c.BlobStore.Endpoint, "http://") && !strings.HasPrefix(c.BlobStore.Endpoint, "https://") {
		return fmt.Errorf("S3_ENDPOINT must start with http:// or https://, got %q", c.BlobStore.Endpoint)
	}

	if !validQueueDrivers[c.Queue.Driver] {
		return fmt.Errorf("QUEUE_DRIVER must be one of sqs, redis, memory; got %q", c.Queue.Driver)
	}
	if c.Queue.Driver == "sqs" && c.Queue.URL == "" {
		return fmt.Errorf("QUEUE_URL is required when QUEUE_DRIVER is sqs")
	}
	if c.Queue.ReceiveWait < 0 || c.Queue.ReceiveWait > 20*time.Second {
		return fmt.Errorf("QUEUE_RECEIVE_WAIT_SECONDS must be between 0 and 20, got %s", c.Queue.ReceiveWait)
	}
	if c.Queue.Visibility < 2*time.Second {
		return fmt.Errorf("QUEUE_VISIBILITY_SECONDS must be at least 2, got %s", c.Queue.Visibility)
	}
	if c.Queue.MaxReceiveCount < 1 {
		return fmt.Errorf("QUEUE_MAX_RECEIVE_COUNT must be >= 1, got %d", c.Queue.MaxReceiveCount)
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0, got %d", c.Upload.MaxBytes)
	}

	if c.Server.PresignedURLTTL <= 0 || c.Server.PresignedURLTTL > MaxPresignedURLTTL {
		return fmt.Errorf("PRESIGNED_URL_TTL_SECONDS must be between 1 and 600, got %s", c.Server.PresignedURLTTL)
	}

	if c.Worker.SoftDeadline <= 0 {
		return fmt.Errorf("PROCESSING_SOFT_DEADLINE_SECONDS must be > 0")
	}

	if c.Sweeper.StallAge < c.Queue.Visibility+c.Worker.SoftDeadline {
		return fmt.Errorf("SWEEP_STALL_AGE_SECONDS must cover one visibility timeout plus the soft deadline (%s), got %s",
			c.Queue.Visibility+c.Worker.SoftDeadline, c.Sweeper.StallAge)
	}

	if c.Model.ExplanationTop < MinExplanationTopN || c.Model.ExplanationTop > MaxExplanationTopN {
		return fmt.Errorf("EXPLANATION_TOP_N must be between %d and %d, got %d",
			MinExplanationTopN, MaxExplanationTopN, c.Model.ExplanationTop)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
