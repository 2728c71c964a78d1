package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

var now = time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

func baseViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyBucket, "media")
	v.Set(KeyAccessKey, "ak")
	v.Set(KeySecretKey, "sk")
	v.Set(KeyMediaURL, "http://media.example.com/media/")
	v.Set(KeyBackupMediaURL, "http://backup.example.com/media/")
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(baseViper(), now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.ACL != "public-read" {
		t.Fatalf("unexpected acl %q", cfg.Storage.ACL)
	}
	if cfg.Storage.Headers["Expires"] == "" {
		t.Fatalf("far-future Expires header missing")
	}
	if cfg.Storage.HashAlgorithm != "md5" || cfg.Storage.LocalRoot != "media" {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.PollInterval != time.Second || cfg.Worker.MaxAttempts != 5 {
		t.Fatalf("unexpected worker defaults %+v", cfg.Worker)
	}
	if cfg.Queue.Path == "" || cfg.Queue.Disabled || cfg.QueueConfig().Lease != 10*time.Minute {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
}

func TestLoadMissingBucket(t *testing.T) {
	v := baseViper()
	v.Set(KeyBucket, "")
	if _, err := Load(v, now); !xerrors.Is(err, xerrors.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	v := baseViper()
	v.Set(KeyLogLevel, "loud")
	if _, err := Load(v, now); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}

func TestLoadQueuePathRequired(t *testing.T) {
	v := baseViper()
	v.Set(KeyQueuePath, "")
	if _, err := Load(v, now); err == nil {
		t.Fatalf("expected error without queue path")
	}
	v.Set(KeyQueueDisabled, true)
	if _, err := Load(v, now); err != nil {
		t.Fatalf("inline replication needs no queue: %v", err)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirrorstore.yaml")
	data := []byte(`storage_bucket: media
storage_access_key: ak
storage_secret_key: sk
storage_hashed_names: true
storage_custom_domain: cdn.example.com
storage_headers:
  Cache-Control: max-age=86400
media_url: http://media.example.com/media/
backup_media_url: http://backup.example.com/media/
remote_endpoint: http://127.0.0.1:9000
worker_poll_interval: 250ms
admin_addr: 127.0.0.1:9100
admin_token: t0ken
admin_rate_limit: 60
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIRRORSTORE_STORAGE_BUCKET", "from-env")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("MIRRORSTORE")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg, err := Load(v, now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Bucket != "from-env" {
		t.Fatalf("env should override file, got %q", cfg.Storage.Bucket)
	}
	if !cfg.Storage.HashedNames || cfg.Storage.CustomDomain != "cdn.example.com" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	// viper lower-cases map keys read from files.
	if cfg.Storage.Headers["cache-control"] != "max-age=86400" {
		t.Fatalf("headers not loaded: %v", cfg.Storage.Headers)
	}
	if cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.Worker.PollInterval)
	}
	if cfg.Admin != (Admin{Addr: "127.0.0.1:9100", Token: "t0ken", RateLimit: 60}) {
		t.Fatalf("unexpected admin config %+v", cfg.Admin)
	}
	cc := cfg.ClientConfig(replication.Credentials{AccessKey: "ak", SecretKey: "sk"})
	if cc.Endpoint != "http://127.0.0.1:9000" || cc.Alias != "cdn.example.com" {
		t.Fatalf("unexpected client config %+v", cc)
	}
}

func TestLogLogger(t *testing.T) {
	logger, err := Log{Level: "debug", Development: true}.Logger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("expected debug level enabled")
	}
}
