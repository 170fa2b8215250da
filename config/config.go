/*
Copyright 2024 Spartan One Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT              = "5005"
	DEFAULT_DRIVER            = "sqlite3"
	DEFAULT_DNS               = "file:spartan.db?_busy_timeout=5000&_journal_mode=WAL"
	DEFAULT_REQUEST_TIMEOUT   = 20
	DEFAULT_SYNC_INTERVAL     = 60
	DEFAULT_PROBE_INTERVAL    = 15
	DEFAULT_ESCALATE_AFTER    = 10
	DEFAULT_TRIGGER_QUEUE     = "spartan_drain"
	DEFAULT_INLINE_BLOB_LIMIT = 256 * 1024
	DEFAULT_SALES_NOTE_PATH   = "/api/sales-notes"
	DEFAULT_WEBHOOK_QUEUE     = "spartan_webhooks"
)

var ConfigStore atomic.Value

var supportedDrivers = map[string]bool{
	"sqlite3":  true,
	"postgres": true,
	"mysql":    true,
	"redis":    true,
}

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"SPARTAN_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"SPARTAN_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"SPARTAN_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"SPARTAN_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"SPARTAN_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"SPARTAN_SERVER_PORT"`
}

// DataSourceConfig selects the durable store backing the offline queue.
// Driver is one of sqlite3, postgres, mysql or redis.
type DataSourceConfig struct {
	Driver string `json:"driver" envconfig:"SPARTAN_DATA_SOURCE_DRIVER"`
	Dns    string `json:"dns" envconfig:"SPARTAN_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"SPARTAN_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"SPARTAN_REDIS_SKIP_TLS_VERIFY"`
}

// SyncConfig tunes the sync engine and the connectivity prober.
type SyncConfig struct {
	BaseURL           string `json:"base_url" envconfig:"SPARTAN_SYNC_BASE_URL"`
	RequestTimeoutSec int    `json:"request_timeout_sec" envconfig:"SPARTAN_SYNC_REQUEST_TIMEOUT_SEC"`
	IntervalSec       int    `json:"interval_sec" envconfig:"SPARTAN_SYNC_INTERVAL_SEC"`
	EscalateAfter     int    `json:"escalate_after" envconfig:"SPARTAN_SYNC_ESCALATE_AFTER"`
	ProbeURL          string `json:"probe_url" envconfig:"SPARTAN_SYNC_PROBE_URL"`
	ProbeIntervalSec  int    `json:"probe_interval_sec" envconfig:"SPARTAN_SYNC_PROBE_INTERVAL_SEC"`
	StuckThresholdSec int    `json:"stuck_threshold_sec" envconfig:"SPARTAN_SYNC_STUCK_THRESHOLD_SEC"`
	DistributedLock   bool   `json:"distributed_lock" envconfig:"SPARTAN_SYNC_DISTRIBUTED_LOCK"`
	TriggerQueue      string `json:"trigger_queue" envconfig:"SPARTAN_SYNC_TRIGGER_QUEUE"`
	WorkerMonitorPort string `json:"worker_monitor_port" envconfig:"SPARTAN_SYNC_WORKER_MONITOR_PORT"`
	StartOffline      bool   `json:"start_offline" envconfig:"SPARTAN_SYNC_START_OFFLINE"`
	SalesNoteEndpoint string `json:"sales_note_endpoint" envconfig:"SPARTAN_SYNC_SALES_NOTE_ENDPOINT"`
}

// BlobConfig controls where large attachments are offloaded to.
// Provider is empty (inline only), "fs" or "s3".
type BlobConfig struct {
	Provider           string `json:"provider" envconfig:"SPARTAN_BLOB_PROVIDER"`
	Dir                string `json:"dir" envconfig:"SPARTAN_BLOB_DIR"`
	InlineLimitBytes   int    `json:"inline_limit_bytes" envconfig:"SPARTAN_BLOB_INLINE_LIMIT_BYTES"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"SPARTAN_BLOB_S3_ENDPOINT"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"SPARTAN_BLOB_S3_BUCKET_NAME"`
	S3Region           string `json:"s3_region" envconfig:"SPARTAN_BLOB_S3_REGION"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"SPARTAN_BLOB_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"SPARTAN_BLOB_AWS_SECRET_ACCESS_KEY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"SPARTAN_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"SPARTAN_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"SPARTAN_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"SPARTAN_SLACK_WEBHOOK_URL"`
}

// WebhookConfig receives sync events (document.delivered, document.failed,
// document.escalated).
type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"SPARTAN_WEBHOOK_URL"`
	Headers map[string]string `json:"headers" envconfig:"SPARTAN_WEBHOOK_HEADERS"`
	Queue   string            `json:"queue" envconfig:"SPARTAN_WEBHOOK_QUEUE"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type OtelConfig struct {
	ExporterOtlpProtocol string `json:"exporter_otlp_protocol" envconfig:"SPARTAN_OTEL_EXPORTER_OTLP_PROTOCOL"`
	ExporterOtlpEndpoint string `json:"exporter_otlp_endpoint" envconfig:"SPARTAN_OTEL_EXPORTER_OTLP_ENDPOINT"`
	ExporterOtlpHeaders  string `json:"exporter_otlp_headers" envconfig:"SPARTAN_OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"SPARTAN_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"SPARTAN_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Sync            SyncConfig       `json:"sync"`
	Blob            BlobConfig       `json:"blob"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
	Otel            OtelConfig       `json:"otel"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("spartan", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called spartan.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Spartan One"
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Driver = strings.ToLower(strings.TrimSpace(cnf.DataSource.Driver))
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Sync.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Sync.BaseURL), "/")

	if cnf.DataSource.Driver == "" {
		cnf.DataSource.Driver = DEFAULT_DRIVER
	}
	if !supportedDrivers[cnf.DataSource.Driver] {
		return fmt.Errorf("unsupported data source driver %q", cnf.DataSource.Driver)
	}

	if cnf.DataSource.Driver == "redis" {
		if cnf.DataSource.Dns == "" {
			cnf.DataSource.Dns = cnf.Redis.Dns
		}
		if cnf.DataSource.Dns == "" {
			log.Println("Error: Redis DNS is empty. It's required for the redis data source.")
			return errors.New("redis DNS is required")
		}
	}

	if cnf.DataSource.Dns == "" {
		if cnf.DataSource.Driver != DEFAULT_DRIVER {
			log.Println("Error: Data source DNS is empty. It's a required field.")
			return errors.New("data source DNS is required")
		}
		cnf.DataSource.Dns = DEFAULT_DNS
		log.Printf("Warning: Data source DNS not specified. Using local store: %s", DEFAULT_DNS)
	}

	if cnf.Sync.DistributedLock && cnf.Redis.Dns == "" {
		return errors.New("redis DNS is required when the distributed lock is enabled")
	}

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Sync.RequestTimeoutSec <= 0 {
		cnf.Sync.RequestTimeoutSec = DEFAULT_REQUEST_TIMEOUT
	}
	if cnf.Sync.IntervalSec <= 0 {
		cnf.Sync.IntervalSec = DEFAULT_SYNC_INTERVAL
	}
	if cnf.Sync.ProbeIntervalSec <= 0 {
		cnf.Sync.ProbeIntervalSec = DEFAULT_PROBE_INTERVAL
	}
	if cnf.Sync.EscalateAfter <= 0 {
		cnf.Sync.EscalateAfter = DEFAULT_ESCALATE_AFTER
	}
	if cnf.Sync.StuckThresholdSec < 0 {
		cnf.Sync.StuckThresholdSec = 0
	}
	if cnf.Sync.TriggerQueue == "" {
		cnf.Sync.TriggerQueue = DEFAULT_TRIGGER_QUEUE
	}
	if cnf.Sync.WorkerMonitorPort == "" {
		cnf.Sync.WorkerMonitorPort = "5006"
	}
	if cnf.Sync.SalesNoteEndpoint == "" {
		cnf.Sync.SalesNoteEndpoint = DEFAULT_SALES_NOTE_PATH
	}
	if cnf.Notification.Webhook.Queue == "" {
		cnf.Notification.Webhook.Queue = DEFAULT_WEBHOOK_QUEUE
	}

	switch cnf.Blob.Provider {
	case "":
	case "fs":
		if cnf.Blob.Dir == "" {
			cnf.Blob.Dir = "blobs"
		}
	case "s3":
		if cnf.Blob.S3BucketName == "" {
			return errors.New("s3 bucket name is required for the s3 blob provider")
		}
		if cnf.Blob.S3Region == "" {
			cnf.Blob.S3Region = "us-east-1"
		}
	default:
		return fmt.Errorf("unsupported blob provider %q", cnf.Blob.Provider)
	}
	if cnf.Blob.InlineLimitBytes <= 0 {
		cnf.Blob.InlineLimitBytes = DEFAULT_INLINE_BLOB_LIMIT
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// RequestTimeout is the per-document delivery timeout.
func (s SyncConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutSec <= 0 {
		return DEFAULT_REQUEST_TIMEOUT * time.Second
	}
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// Interval is the idle period between automatic drain passes.
func (s SyncConfig) Interval() time.Duration {
	if s.IntervalSec <= 0 {
		return DEFAULT_SYNC_INTERVAL * time.Second
	}
	return time.Duration(s.IntervalSec) * time.Second
}

func (s SyncConfig) ProbeInterval() time.Duration {
	if s.ProbeIntervalSec <= 0 {
		return DEFAULT_PROBE_INTERVAL * time.Second
	}
	return time.Duration(s.ProbeIntervalSec) * time.Second
}

func (s SyncConfig) StuckThreshold() time.Duration {
	return time.Duration(s.StuckThresholdSec) * time.Second
}

// SetOtelExporterEnvs exports the OTLP settings so the exporters pick them up.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.Otel.ExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.Otel.ExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.Otel.ExporterOtlpHeaders,
	}
	for key, value := range envs {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
