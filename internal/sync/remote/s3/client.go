// Package s3 implements the remote backend on S3-compatible object storage
// (AWS S3, MinIO, Cloudflare R2). Each document is one JSON object.
package s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/clock"
	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
)

// ClientConfig holds S3 connection configuration.
type ClientConfig struct {
	Endpoint  string // base URL including scheme, e.g. https://s3.us-west-2.amazonaws.com
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	PathStyle bool // endpoint/bucket/key instead of bucket.endpoint/key
}

// Client is a minimal S3 REST client signing requests with AWS Signature V4.
type Client struct {
	config     ClientConfig
	base       *url.URL
	httpClient *http.Client
	clock      clock.Clock
}

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ListResult is one page of a ListObjectsV2 call.
type ListResult struct {
	Objects               []ObjectInfo
	NextContinuationToken string
	Truncated             bool
}

// listBucketResult represents the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid S3 endpoint %q", cfg.Endpoint)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Client{
		config: cfg,
		base:   base,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		clock: clock.System{},
	}, nil
}

// PutObject uploads data to key.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	resp, err := c.do(ctx, http.MethodPut, key, nil, data, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("put "+key, resp)
	}
	return nil
}

// GetObject downloads key. A missing object yields remote.NotFound.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, key, nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, remote.NotFound("object", key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get "+key, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Unavailable("read object body", err)
	}
	return data, nil
}

// DeleteObject deletes key. S3 reports success for missing keys.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, key, nil, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return statusError("delete "+key, resp)
	}
	return nil
}

// ListObjects returns one page of objects under prefix.
func (c *Client) ListObjects(ctx context.Context, prefix, continuationToken string, maxKeys int) (*ListResult, error) {
	q := url.Values{}
	q.Set("list-type", "2")
	q.Set("prefix", prefix)
	if maxKeys > 0 {
		q.Set("max-keys", strconv.Itoa(maxKeys))
	}
	if continuationToken != "" {
		q.Set("continuation-token", continuationToken)
	}

	resp, err := c.do(ctx, http.MethodGet, "", q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list "+prefix, resp)
	}

	var result listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, remote.Failed("parse list response", err)
	}

	out := &ListResult{NextContinuationToken: result.NextContinuationToken, Truncated: result.IsTruncated}
	for _, content := range result.Contents {
		modified, err := time.Parse(time.RFC3339Nano, content.LastModified)
		if err != nil {
			return nil, remote.Failed("parse LastModified of "+content.Key, err)
		}
		out.Objects = append(out.Objects, ObjectInfo{Key: content.Key, LastModified: modified, Size: content.Size})
	}
	return out, nil
}

// Ping checks connectivity and credentials by listing at most one key.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListObjects(ctx, "", "", 1)
	return err
}

// do builds, signs and sends a request. An empty key addresses the bucket.
func (c *Client) do(ctx context.Context, method, key string, query url.Values, body []byte, contentType string) (*http.Response, error) {
	u := *c.base
	host := c.base.Host
	if c.config.PathStyle {
		u.Path = "/" + c.config.Bucket
		if key != "" {
			u.Path += "/" + key
		}
	} else {
		host = c.config.Bucket + "." + c.base.Host
		u.Host = host
		u.Path = "/" + key
	}
	u.RawPath = encodePath(u.Path)
	u.RawQuery = canonicalQuery(query)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, remote.Failed("build request", err)
	}
	req.Host = host
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = int64(len(body))

	c.sign(req, u.RawPath, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, remote.Unavailable(method+" "+u.Path, err)
	}
	return resp, nil
}

// sign adds AWS Signature V4 headers covering host, payload hash and date.
func (c *Client) sign(req *http.Request, canonicalURI string, body []byte) {
	now := c.clock.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := "host:" + req.Host + "\n" +
		"x-amz-content-sha256:" + payloadHash + "\n" +
		"x-amz-date:" + amzDate + "\n"

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.config.AccessKey, scope, signedHeaders, signature))
}

// statusError maps S3 HTTP failures onto remote error classes.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable && bytes.Contains(body, []byte("SlowDown")),
		resp.StatusCode == http.StatusInsufficientStorage,
		resp.StatusCode == http.StatusForbidden && bytes.Contains(body, []byte("QuotaExceeded")):
		return remote.QuotaExceeded(op, err)
	case resp.StatusCode >= 500:
		return remote.Unavailable(op, err)
	default:
		return remote.Failed(op, err)
	}
}

// encodePath URI-encodes each path segment as SigV4 requires.
func encodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = uriEncode(s)
	}
	return strings.Join(segments, "/")
}

// canonicalQuery renders query parameters sorted by key with SigV4 encoding.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, uriEncode(k)+"="+uriEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

// uriEncode percent-encodes everything except RFC 3986 unreserved characters.
func uriEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == '.' || ch == '~' {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
