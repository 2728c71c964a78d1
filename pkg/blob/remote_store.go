package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jacktea/mirrorstore/pkg/xerrors"
)

// DefaultPublicDomain is the bucket domain used when building public URLs.
const DefaultPublicDomain = "s3.amazonaws.com"

// ClientConfig describes an S3-compatible endpoint and its credentials.
type ClientConfig struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	HTTPClient   *http.Client
	// PublicDomain is appended to the bucket name in public URLs.
	PublicDomain string
	// Alias replaces "<bucket>.<PublicDomain>" in public URLs when set.
	Alias string
	// Signer overrides the SigV4 signer built from the credentials.
	Signer Signer
}

// Client talks to an S3-compatible object store using path-style requests.
type Client struct {
	client       *http.Client
	endpoint     string
	signer       Signer
	publicDomain string
	alias        string
}

// NewClient builds a Client with AWS SigV4 signing.
func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://" + DefaultPublicDomain
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfiguration, "blob.NewClient", endpoint, err)
	}
	signer := cfg.Signer
	if signer == nil {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, xerrors.Wrap(xerrors.KindConfiguration, "blob.NewClient", endpoint,
				fmt.Errorf("access key and secret key are required"))
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		signer = &sigV4Signer{
			accessKey: cfg.AccessKey,
			secretKey: cfg.SecretKey,
			region:    region,
			token:     cfg.SessionToken,
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	domain := strings.Trim(cfg.PublicDomain, "/")
	if domain == "" {
		domain = DefaultPublicDomain
	}
	return &Client{
		client:       client,
		endpoint:     endpoint,
		signer:       signer,
		publicDomain: domain,
		alias:        strings.Trim(cfg.Alias, "/"),
	}, nil
}

// ResolveBucket looks up an existing bucket. A missing bucket is a
// configuration error: buckets are created out of band before first use.
func (c *Client) ResolveBucket(ctx context.Context, id string) (*Bucket, error) {
	id = strings.Trim(id, "/")
	if id == "" {
		return nil, xerrors.E(xerrors.KindConfiguration, "Client.ResolveBucket", "bucket")
	}
	resp, err := c.do(ctx, http.MethodHead, c.endpoint+"/"+id, nil, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "Client.ResolveBucket", id, err)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return &Bucket{client: c, name: id}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, xerrors.Wrap(xerrors.KindConfiguration, "Client.ResolveBucket", id,
			fmt.Errorf("bucket does not exist; create bucket before using storage backend"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, xerrors.Wrap(xerrors.KindConfiguration, "Client.ResolveBucket", id,
			fmt.Errorf("access denied: %s", resp.Status))
	default:
		return nil, xerrors.Wrap(xerrors.KindInternal, "Client.ResolveBucket", id,
			fmt.Errorf("remote head %s", resp.Status))
	}
}

// Bucket is a resolved remote bucket.
type Bucket struct {
	client *Client
	name   string
}

// Name returns the bucket identifier.
func (b *Bucket) Name() string { return b.name }

// Stat returns object metadata. A missing key yields KindNotFound.
func (b *Bucket) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	resp, err := b.client.do(ctx, http.MethodHead, b.objectURL(name), nil, nil)
	if err != nil {
		return ObjectInfo{}, xerrors.Wrap(xerrors.KindInternal, "Bucket.Stat", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return ObjectInfo{}, statusError("Bucket.Stat", name, resp)
	}
	info := ObjectInfo{
		Name:        name,
		Size:        contentLength(resp),
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if ts, err := http.ParseTime(lm); err == nil {
			info.LastModified = ts
		}
	}
	return info, nil
}

// Get streams the object body. The caller closes the reader.
func (b *Bucket) Get(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	resp, err := b.client.do(ctx, http.MethodGet, b.objectURL(name), nil, nil)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindInternal, "Bucket.Get", name, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, 0, statusError("Bucket.Get", name, resp)
	}
	return resp.Body, contentLength(resp), nil
}

// Put uploads r under name, overwriting any existing object.
func (b *Bucket) Put(ctx context.Context, name string, r io.Reader, size int64, opts PutOptions) error {
	var payload bytes.Buffer
	if size > 0 {
		payload.Grow(int(size))
	}
	if _, err := io.Copy(&payload, r); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "Bucket.Put", name, err)
	}
	data := payload.Bytes()
	if data == nil {
		data = []byte{}
	}
	md5Sum := md5.Sum(data)
	header := http.Header{}
	for k, v := range opts.Headers {
		header.Set(k, v)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	acl := opts.ACL
	if acl == "" {
		acl = DefaultACL
	}
	header.Set("Content-Type", contentType)
	header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	header.Set("x-amz-acl", acl)
	resp, err := b.client.do(ctx, http.MethodPut, b.objectURL(name), data, header)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "Bucket.Put", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError("Bucket.Put", name, resp)
	}
	return nil
}

// Delete removes name. Deleting a missing key is a no-op.
func (b *Bucket) Delete(ctx context.Context, name string) error {
	resp, err := b.client.do(ctx, http.MethodDelete, b.objectURL(name), nil, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "Bucket.Delete", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return statusError("Bucket.Delete", name, resp)
	}
	return nil
}

// Exists reports whether name is present in the bucket.
func (b *Bucket) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if xerrors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Size returns the object size in bytes.
func (b *Bucket) Size(ctx context.Context, name string) (int64, error) {
	info, err := b.Stat(ctx, name)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// PublicURL returns an unauthenticated URL for name, with the configured
// alias substituted for the bucket domain.
func (b *Bucket) PublicURL(name string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	host := b.publicHost()
	if b.client.alias != "" {
		host = b.client.alias
	}
	return scheme + "://" + host + "/" + escapeKey(name)
}

// publicHost is the un-aliased host of public URLs, "<bucket>.<domain>".
func (b *Bucket) publicHost() string {
	return b.name + "." + b.client.publicDomain
}

func (b *Bucket) objectURL(name string) string {
	return b.client.endpoint + "/" + b.name + "/" + escapeKey(name)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	sum := sha256.Sum256(body)
	if err := c.signer.Sign(req, hex.EncodeToString(sum[:])); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func statusError(op, name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return xerrors.Wrap(xerrors.KindNotFound, op, name, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return xerrors.Wrap(xerrors.KindConfiguration, op, name, err)
	default:
		return xerrors.Wrap(xerrors.KindInternal, op, name, err)
	}
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		return n
	}
	return 0
}

func escapeKey(name string) string {
	parts := strings.Split(strings.TrimPrefix(name, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
