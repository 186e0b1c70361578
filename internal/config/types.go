package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Upload   UploadConfig   `json:"upload"`
	Database Database       `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	S3       S3Config       `json:"s3"`
	Queue    QueueConfig    `json:"queue"`
	Worker   WorkerConfig   `json:"worker"`
	Codec    CodecConfig    `json:"codec"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Sentry   SentryConfig   `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type S3Config struct {
	AccountID     string `json:"account_id"`
	BucketName    string `json:"bucket_name"`
	AccessKeyID   string `json:"access_key_id"`
	SecretKey     string `json:"secret_key"`
	Endpoint      string `json:"endpoint"`
	PublicBaseURL string `json:"public_base_url"`
}

type QueueConfig struct {
	Stream          string        `json:"stream"`           // redis stream name
	Group           string        `json:"group"`            // consumer group name
	MaxLen          int64         `json:"max_len"`          // stream max length before trim
	LeaseTTL        time.Duration `json:"lease_ttl"`        // idle time before a job is considered stalled
	BlockTimeout    time.Duration `json:"block_timeout"`    // XREADGROUP block timeout
	ReclaimInterval time.Duration `json:"reclaim_interval"` // minimum spacing between stalled-entry scans
	StatsInterval   time.Duration `json:"stats_interval"`   // operational stats log cadence
}

type WorkerConfig struct {
	Count          int    `json:"count"` // number of concurrent consumers
	ConsumerPrefix string `json:"consumer_prefix"`
}

type CodecConfig struct {
	BinPath string        `json:"bin_path"` // point-cloud codec binary
	Timeout time.Duration `json:"timeout"`  // per-transform ceiling, zero means none
	TempDir string        `json:"temp_dir"`
}

type WatchdogConfig struct {
	Interval   time.Duration `json:"interval"`    // sweep cadence
	StaleAfter time.Duration `json:"stale_after"` // processing records older than this with no live job are failed
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
