package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jacktea/mirrorstore/pkg/blob"
	"github.com/jacktea/mirrorstore/pkg/replication"
	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// FarFutureTTL is how far ahead the Expires header points when far-future
// caching is enabled.
const FarFutureTTL = 3650 * 24 * time.Hour

// Config is the resolver configuration. Build it once with WithDefaults and
// treat it as immutable afterwards.
type Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	// ACL applied to uploaded objects. Defaults to "public-read".
	ACL string
	// Headers sent with every upload.
	Headers map[string]string
	// FarFutureCache injects an Expires header ten years ahead.
	FarFutureCache bool
	// HashedNames replaces file names with a digest of their content.
	HashedNames   bool
	HashAlgorithm string
	// CustomDomain replaces "<bucket>.<public domain>" in public URLs.
	CustomDomain   string
	LocalRoot      string
	MediaURL       string
	BackupMediaURL string
}

// WithDefaults returns a copy of c with defaults applied and the Expires
// header computed relative to now. The header map is never shared with c.
func (c Config) WithDefaults(now time.Time) Config {
	out := c
	if out.ACL == "" {
		out.ACL = blob.DefaultACL
	}
	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	if c.FarFutureCache {
		headers["Expires"] = ExpiresHeader(now)
	}
	out.Headers = headers
	return out
}

// ExpiresHeader formats the far-future Expires value for now. The time of
// day is pinned to 20:00 GMT.
func ExpiresHeader(now time.Time) string {
	return now.UTC().Add(FarFutureTTL).Format("Mon, 02 Jan 2006") + " 20:00:00 GMT"
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	var missing []string
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		missing = append(missing, "credentials")
	}
	if c.LocalRoot == "" {
		missing = append(missing, "local_root")
	}
	if c.MediaURL == "" {
		missing = append(missing, "media_url")
	}
	if c.BackupMediaURL == "" {
		missing = append(missing, "backup_media_url")
	}
	if len(missing) > 0 {
		return xerrors.Wrap(xerrors.KindConfiguration, "storage.Config", "",
			fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

// Credentials returns the remote credentials replication tasks carry.
func (c Config) Credentials() replication.Credentials {
	return replication.Credentials{AccessKey: c.AccessKey, SecretKey: c.SecretKey}
}

func (c Config) headers() map[string]string {
	out := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		out[k] = v
	}
	return out
}
