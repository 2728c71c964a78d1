// Package config turns viper state (flags, environment, config file) into the
// immutable process configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/storage"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// Keys understood by Load. Environment variables use the MIRRORSTORE_ prefix
// and upper case, e.g. MIRRORSTORE_STORAGE_BUCKET.
const (
	KeyBucket         = "storage_bucket"
	KeyAccessKey      = "storage_access_key"
	KeySecretKey      = "storage_secret_key"
	KeyACL            = "storage_acl"
	KeyHeaders        = "storage_headers"
	KeyFarFutureCache = "storage_far_future_cache"
	KeyHashedNames    = "storage_hashed_names"
	KeyHashAlgorithm  = "storage_hash_algorithm"
	KeyCustomDomain   = "storage_custom_domain"
	KeyLocalRoot      = "local_root"
	KeyMediaURL       = "media_url"
	KeyBackupMediaURL = "backup_media_url"
	KeyURLCacheSize   = "url_cache_size"

	KeyEndpoint     = "remote_endpoint"
	KeyRegion       = "remote_region"
	KeySessionToken = "remote_session_token"
	KeyPublicDomain = "remote_public_domain"

	KeyQueuePath     = "queue_path"
	KeyQueueDisabled = "queue_disabled"
	KeyQueueLease    = "queue_lease"

	KeyWorkerConcurrency  = "worker_concurrency"
	KeyWorkerPollInterval = "worker_poll_interval"
	KeyWorkerMaxAttempts  = "worker_max_attempts"
	KeyWorkerBackoff      = "worker_backoff"

	KeyLogLevel       = "log_level"
	KeyLogDevelopment = "log_development"

	KeyAdminAddr      = "admin_addr"
	KeyAdminToken     = "admin_token"
	KeyAdminRateLimit = "admin_rate_limit"
)

// Remote describes the S3-compatible endpoint.
type Remote struct {
	Endpoint     string
	Region       string
	SessionToken string
	PublicDomain string
}

// Queue configures the durable replication queue. Disabled selects inline
// replication.
type Queue struct {
	Path     string
	Disabled bool
	// Lease bounds how long a claimed task may stay in flight before a
	// worker takes it back.
	Lease time.Duration
}

// Worker configures the replication worker pool.
type Worker struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      time.Duration
}

// Log configures the zap logger.
type Log struct {
	Level       string
	Development bool
}

// Config is the whole process configuration.
type Config struct {
	Storage      storage.Config
	URLCacheSize int
	Remote       Remote
	Queue        Queue
	Worker       Worker
	Log          Log
	Admin        Admin
}

// Admin configures the worker's admin HTTP endpoint. An empty Addr disables
// it.
type Admin struct {
	Addr  string
	Token string
	// RateLimit is requests per minute; zero disables limiting.
	RateLimit int
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyACL, blob.DefaultACL)
	v.SetDefault(KeyHashAlgorithm, "md5")
	v.SetDefault(KeyFarFutureCache, true)
	v.SetDefault(KeyLocalRoot, "media")
	v.SetDefault(KeyQueuePath, ".mirrorstore/queue.db")
	v.SetDefault(KeyQueueLease, 10*time.Minute)
	v.SetDefault(KeyWorkerConcurrency, 4)
	v.SetDefault(KeyWorkerPollInterval, time.Second)
	v.SetDefault(KeyWorkerMaxAttempts, 5)
	v.SetDefault(KeyWorkerBackoff, 2*time.Second)
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads the configuration from v. now anchors the far-future Expires
// header.
func Load(v *viper.Viper, now time.Time) (Config, error) {
	sc := storage.Config{
		AccessKey:      v.GetString(KeyAccessKey),
		SecretKey:      v.GetString(KeySecretKey),
		Bucket:         v.GetString(KeyBucket),
		ACL:            v.GetString(KeyACL),
		Headers:        v.GetStringMapString(KeyHeaders),
		FarFutureCache: v.GetBool(KeyFarFutureCache),
		HashedNames:    v.GetBool(KeyHashedNames),
		HashAlgorithm:  v.GetString(KeyHashAlgorithm),
		CustomDomain:   v.GetString(KeyCustomDomain),
		LocalRoot:      v.GetString(KeyLocalRoot),
		MediaURL:       v.GetString(KeyMediaURL),
		BackupMediaURL: v.GetString(KeyBackupMediaURL),
	}.WithDefaults(now)
	if err := sc.Validate(); err != nil {
		return Config{}, err
	}
	cfg := Config{
		Storage:      sc,
		URLCacheSize: v.GetInt(KeyURLCacheSize),
		Remote: Remote{
			Endpoint:     v.GetString(KeyEndpoint),
			Region:       v.GetString(KeyRegion),
			SessionToken: v.GetString(KeySessionToken),
			PublicDomain: v.GetString(KeyPublicDomain),
		},
		Queue: Queue{
			Path:     v.GetString(KeyQueuePath),
			Disabled: v.GetBool(KeyQueueDisabled),
			Lease:    v.GetDuration(KeyQueueLease),
		},
		Worker: Worker{
			Concurrency:  v.GetInt(KeyWorkerConcurrency),
			PollInterval: v.GetDuration(KeyWorkerPollInterval),
			MaxAttempts:  v.GetInt(KeyWorkerMaxAttempts),
			Backoff:      v.GetDuration(KeyWorkerBackoff),
		},
		Log: Log{
			Level:       v.GetString(KeyLogLevel),
			Development: v.GetBool(KeyLogDevelopment),
		},
		Admin: Admin{
			Addr:      v.GetString(KeyAdminAddr),
			Token:     v.GetString(KeyAdminToken),
			RateLimit: v.GetInt(KeyAdminRateLimit),
		},
	}
	if !cfg.Queue.Disabled && cfg.Queue.Path == "" {
		return Config{}, xerrors.Wrap(xerrors.KindConfiguration, "config.Load", KeyQueuePath,
			fmt.Errorf("queue path required unless the queue is disabled"))
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return Config{}, xerrors.Wrap(xerrors.KindConfiguration, "config.Load", KeyLogLevel, err)
	}
	return cfg, nil
}

// ClientConfig returns the remote client settings for a set of credentials.
func (c Config) ClientConfig(creds replication.Credentials) blob.ClientConfig {
	return blob.ClientConfig{
		Endpoint:     c.Remote.Endpoint,
		Region:       c.Remote.Region,
		AccessKey:    creds.AccessKey,
		SecretKey:    creds.SecretKey,
		SessionToken: c.Remote.SessionToken,
		PublicDomain: c.Remote.PublicDomain,
		Alias:        c.Storage.CustomDomain,
	}
}

// QueueConfig returns the durable queue settings.
func (c Config) QueueConfig() replication.QueueConfig {
	return replication.QueueConfig{Path: c.Queue.Path, Lease: c.Queue.Lease}
}

// WorkerConfig returns the worker pool settings.
func (c Config) WorkerConfig() replication.WorkerConfig {
	return replication.WorkerConfig{
		Concurrency:  c.Worker.Concurrency,
		PollInterval: c.Worker.PollInterval,
		MaxAttempts:  c.Worker.MaxAttempts,
		Backoff:      c.Worker.Backoff,
	}
}

// Logger builds the zap logger described by l.
func (l Log) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
