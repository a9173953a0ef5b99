// Package fetch retrieves remote content over HTTP with bounded size and
// time, refusing private and loopback destinations unless allowed.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/common"
)

// ErrBlockedAddress marks a destination refused by the address policy.
var ErrBlockedAddress = errors.New("destination address not allowed")

// Config bounds a fetch.
type Config struct {
	Timeout      time.Duration // whole request, default 15s
	MaxBytes     int64         // body cap, default 10 MiB
	UserAgent    string
	AllowPrivate bool // permit loopback, private and link-local targets
	MaxRedirects int  // default 5
}

func ConfigFrom(c common.QuickConfig) Config {
	return Config{
		Timeout:      c.Timeout,
		MaxBytes:     c.MaxBytes,
		UserAgent:    c.UserAgent,
		AllowPrivate: c.AllowPrivate,
	}
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "dexi-quick/1.0"
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
}

// Result is a fetched resource.
type Result struct {
	URL         string // after redirects
	StatusCode  int
	ContentType string // media type without parameters
	Charset     string
	Body        []byte
}

type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// New builds a Fetcher. The address policy is enforced when dialing, so
// redirects and DNS answers are checked against the address actually
// connected to.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{
		Timeout: cfg.Timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			if cfg.AllowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || blockedIP(ip) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
			}
			return nil
		},
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
	f := &Fetcher{cfg: cfg, logger: logger}
	f.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			return f.validate(req.URL)
		},
	}
	return f
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// validate checks scheme and host before any connection is made.
func (f *Fetcher) validate(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q: %w", u.Scheme, common.ErrInvalidInput)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host: %w", common.ErrInvalidInput)
	}
	if f.cfg.AllowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: %s: %w", ErrBlockedAddress, host, common.ErrInvalidInput)
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return fmt.Errorf("%w: %s: %w", ErrBlockedAddress, host, common.ErrInvalidInput)
	}
	return nil
}

// Fetch GETs rawURL. Network errors, timeouts, non-2xx responses and
// oversized bodies wrap common.ErrFetchFailed; refused URLs wrap
// common.ErrInvalidInput.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w: %w", common.ErrInvalidInput, err)
	}
	if err := f.validate(u); err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w: %w", common.ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html, text/plain, application/pdf;q=0.9, */*;q=0.5")

	start := time.Now()
	f.logger.Debug("fetch.start", "req_id", reqID, "url", u.Redacted())
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("fetch.failed", "req_id", reqID, "url", u.Redacted(), "err", err)
		if errors.Is(err, ErrBlockedAddress) || errors.Is(err, common.ErrInvalidInput) {
			return nil, fmt.Errorf("fetch %s: %w: %w", u.Redacted(), common.ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("fetch %s: %w: %w", u.Redacted(), common.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		f.logger.Warn("fetch.status", "req_id", reqID, "url", u.Redacted(), "status", resp.StatusCode)
		return nil, fmt.Errorf("fetch %s: status %d: %w", u.Redacted(), resp.StatusCode, common.ErrFetchFailed)
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, fmt.Errorf("fetch %s: declared length %d exceeds %d bytes: %w", u.Redacted(), resp.ContentLength, f.cfg.MaxBytes, common.ErrFetchFailed)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %w", u.Redacted(), common.ErrFetchFailed, err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes: %w", u.Redacted(), f.cfg.MaxBytes, common.ErrFetchFailed)
	}

	res := &Result{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode, Body: body}
	res.ContentType, res.Charset = mediaType(resp.Header.Get("Content-Type"), body)
	f.logger.Info("fetch.ok",
		"req_id", reqID,
		"url", u.Redacted(),
		"final_url", res.URL,
		"content_type", res.ContentType,
		"bytes", len(body),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// mediaType parses the Content-Type header, sniffing the body when the
// header is missing or unparsable.
func mediaType(header string, body []byte) (string, string) {
	if header == "" {
		header = http.DetectContentType(body)
	}
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		mt, params, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	return strings.ToLower(mt), strings.ToLower(params["charset"])
}
