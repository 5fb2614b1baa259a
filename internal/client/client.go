// Package client talks to the printables HTTP API: gallery pages with ETag
// revalidation, cache invalidation, and image failure reports.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/briangreenhill/printables/cache"
	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/http/middleware"
	"github.com/briangreenhill/printables/internal/loader"
)

const DefaultBaseURL = "http://localhost:8080"

// APIError is a non-2xx response carrying the server's {"error": ...} body
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

type Client struct {
	http    *http.Client
	baseURL *url.URL
	secret  string

	cache responseCache // optional; nil means no cache
	ttl   time.Duration
}

type responseCache interface {
	cache.ReadWriter[[]byte]
	cache.ETagger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSecret sets the shared secret sent to operator endpoints
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithCache keeps gallery responses for ttl, then revalidates them with If-None-Match
func WithCache(ttl time.Duration) Option {
	return func(c *Client) { c.cache, c.ttl = cache.NewMemory[[]byte](), ttl }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("base url must be absolute")
	}
	c := &Client{http: http.DefaultClient, baseURL: u}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newReq(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(middleware.SecretHeader, c.secret)
	}
	return req, nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// getJSON fetches target into out, serving fresh cache hits locally and
// revalidating stale ones with If-None-Match.
func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := c.newReq(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	if c.cache != nil {
		if entry, ok := c.cache.Read(target, c.ttl); ok {
			if err := json.Unmarshal(entry.Value, out); err == nil {
				return nil
			}
		}
		if etag := c.cache.GetETag(target); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if c.cache != nil {
			if entry, ok := c.cache.Read(target, 0); ok {
				c.cache.Write(target, &cache.Entry[[]byte]{Value: entry.Value, ETag: entry.ETag})
				return json.Unmarshal(entry.Value, out)
			}
		}
		return fmt.Errorf("304 but no cached body for %s", target)
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return err
		}
		if c.cache != nil {
			c.cache.Write(target, &cache.Entry[[]byte]{Value: body, ETag: resp.Header.Get("ETag")})
		}
		return nil
	default:
		return apiError(resp)
	}
}

func (c *Client) postJSON(ctx context.Context, target string, in, out any, want int) error {
	req, err := c.newReq(ctx, http.MethodPost, target, in)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GalleryPage is one page of the catalog as served by the API
type GalleryPage struct {
	Images  []catalog.Entry `json:"images"`
	HasMore bool            `json:"hasMore"`
}

// Gallery returns a page of catalog entries (page starts at 1; limit 0 uses
// the server default)
func (c *Client) Gallery(ctx context.Context, page, limit int, category string) (*GalleryPage, error) {
	if page <= 0 {
		page = 1
	}
	q := url.Values{"page": {strconv.Itoa(page)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if category != "" {
		q.Set("category", category)
	}
	var p GalleryPage
	if err := c.getJSON(ctx, c.endpoint("/api/gallery", q), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Revalidation acknowledges an invalidation
type Revalidation struct {
	Revalidated bool   `json:"revalidated"`
	Now         int64  `json:"now"`
	Tag         string `json:"tag"`
	Evicted     int    `json:"evicted"`
}

// At is the server time the invalidation took effect
func (r Revalidation) At() time.Time {
	return time.UnixMilli(r.Now)
}

// Revalidate evicts every cached gallery page carrying tag
func (c *Client) Revalidate(ctx context.Context, tag string) (*Revalidation, error) {
	if tag == "" {
		return nil, errors.New("tag required")
	}
	var r Revalidation
	if err := c.postJSON(ctx, c.endpoint("/api/revalidate", url.Values{"tag": {tag}}), nil, &r, http.StatusOK); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReportFailure posts a terminal image load failure to the telemetry endpoint
func (c *Client) ReportFailure(ctx context.Context, f loader.Failure) error {
	return c.postJSON(ctx, c.endpoint("/api/telemetry/image-failures", nil), f, nil, http.StatusAccepted)
}
