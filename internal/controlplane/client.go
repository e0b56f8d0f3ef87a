// Package controlplane is the REST client for the control plane: file list,
// sync configuration and content download.
package controlplane

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mirrornode/edgenode/internal/models"
)

// ErrHashMismatch is returned when downloaded content does not match its hash
var ErrHashMismatch = errors.New("content hash mismatch")

// TokenSource supplies the bearer credential
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Client
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Verify    bool // Check downloaded content against its hash
}

// Client talks to the control plane REST API
type Client struct {
	base       *url.URL
	userAgent  string
	httpClient *http.Client
	tokens     TokenSource
	verify     bool
}

// New creates a Client
func New(cfg Config, tokens TokenSource) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid control plane url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &Client{
		base:      base,
		userAgent: cfg.UserAgent,
		tokens:    tokens,
		verify:    cfg.Verify,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// GetFileList fetches the authoritative file list
func (c *Client) GetFileList(ctx context.Context) (*models.FileList, error) {
	resp, err := c.get(ctx, c.resolve("openbmclapi/files"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var list models.FileList
	if err := json.NewDecoder(body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode file list: %w", err)
	}
	for i := range list.Files {
		list.Files[i].Hash = strings.ToLower(list.Files[i].Hash)
	}
	return &list, nil
}

// GetConfiguration fetches and validates the sync policy
func (c *Client) GetConfiguration(ctx context.Context) (*models.AgentConfiguration, error) {
	resp, err := c.get(ctx, c.resolve("openbmclapi/configuration"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var cfg models.AgentConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.Sync.Source == "" {
		return nil, errors.New("invalid configuration: sync.source is empty")
	}
	if cfg.Sync.Concurrency < 1 {
		return nil, fmt.Errorf("invalid configuration: sync.concurrency %d", cfg.Sync.Concurrency)
	}
	return &cfg, nil
}

// Download fetches the content of file. When verification is enabled the
// content is checked against its hash.
func (c *Client) Download(ctx context.Context, file models.FileRecord) ([]byte, error) {
	target := c.resolve("openbmclapi/download/" + url.PathEscape(file.Hash))
	if file.URL != "" {
		u, err := c.base.Parse(file.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url for %s: %w", file.Path, err)
		}
		target = u
	}

	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := decodeEncoding(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
	}

	if file.Size > 0 && int64(len(data)) != file.Size {
		return nil, fmt.Errorf("%w: %s: expected %d bytes, got %d",
			ErrHashMismatch, file.Path, file.Size, len(data))
	}
	if c.verify && !VerifyHash(data, file.Hash) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrHashMismatch, file.Path, file.Hash)
	}
	return data, nil
}

// VerifyHash checks data against a hex digest: MD5 for 32 characters,
// SHA-1 otherwise
func VerifyHash(data []byte, expected string) bool {
	var h hash.Hash
	if len(expected) == 32 {
		h = md5.New()
	} else {
		h = sha1.New()
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)) == strings.ToLower(expected)
}

func (c *Client) resolve(path string) *url.URL {
	return c.base.ResolveReference(&url.URL{Path: path})
}

// isControlPlane reports whether u points at the control plane itself
func (c *Client) isControlPlane(u *url.URL) bool {
	return strings.EqualFold(u.Host, c.base.Host)
}

func (c *Client) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")

	if c.isControlPlane(u) && c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u.Redacted(), err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &StatusError{
			URL:        u.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// StatusError is a non-200 response
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// decodeBody unwraps a file list response. The control plane marks zstd
// payloads either by Content-Type or by Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if strings.Contains(resp.Header.Get("Content-Type"), "zstd") &&
		!strings.Contains(resp.Header.Get("Content-Encoding"), "zstd") {
		return newZstdReader(resp.Body)
	}
	return decodeEncoding(resp)
}

// decodeEncoding undoes the Content-Encoding of a response. Accept-Encoding
// is set by hand, so net/http leaves gzip bodies compressed as well.
func decodeEncoding(resp *http.Response) (io.ReadCloser, error) {
	ce := resp.Header.Get("Content-Encoding")
	switch {
	case strings.Contains(ce, "zstd"):
		return newZstdReader(resp.Body)
	case strings.Contains(ce, "gzip"):
		return newGzipReader(resp.Body)
	default:
		return io.NopCloser(resp.Body), nil
	}
}
