package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/datahive/personal-server/pkg/errdefs"
	"github.com/datahive/personal-server/pkg/log"
	"github.com/datahive/personal-server/pkg/metrics"
)

const downloadChunkSize = 32 * 1024

// Config holds fetcher settings
type Config struct {
	Gateways       []string // Content-addressed gateway URL prefixes, tried in order
	GatewayTimeout time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
}

// Fetcher downloads file content by URL with streaming size caps. It
// understands content-addressed URLs (multi-gateway fallback), cloud-drive
// share links and plain HTTP(S).
type Fetcher struct {
	gateways       []string
	gatewayTimeout time.Duration
	retryBase      time.Duration
	retryCap       time.Duration
	client         *http.Client
}

// New creates a fetcher
func New(cfg Config) *Fetcher {
	timeout := cfg.GatewayTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	base := cfg.RetryBase
	if base == 0 {
		base = time.Second
	}
	capD := cfg.RetryCap
	if capD == 0 {
		capD = 16 * time.Second
	}
	return &Fetcher{
		gateways:       cfg.Gateways,
		gatewayTimeout: timeout,
		retryBase:      base,
		retryCap:       capD,
		client:         &http.Client{},
	}
}

// Fetch downloads the content behind rawURL, capping the response at
// maxBytes. Exceeding the cap mid-stream aborts with a too-large error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	switch {
	case strings.HasPrefix(rawURL, "ipfs://"):
		return f.fetchContentAddressed(ctx, strings.TrimPrefix(rawURL, "ipfs://"), maxBytes)
	case isDriveURL(rawURL):
		return f.fetchDrive(ctx, rawURL, maxBytes)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		data, err := f.download(ctx, rawURL, maxBytes)
		recordAttempt("http", err)
		return data, err
	default:
		return nil, errdefs.Validation("unsupported URL scheme: %q", rawURL)
	}
}

// fetchContentAddressed walks the gateway list with exponential backoff.
// A 404 advances to the next gateway immediately; timeouts, transport
// errors and 5xx responses wait before the next attempt.
func (f *Fetcher) fetchContentAddressed(ctx context.Context, hash string, maxBytes int64) ([]byte, error) {
	logger := log.WithComponent("fetch")

	var lastErr error
	for i, gateway := range f.gateways {
		data, err := f.download(ctx, gateway+hash, maxBytes)
		recordAttempt("ipfs", err)
		if err == nil {
			return data, nil
		}

		// Size overrun is not a gateway fault; stop immediately
		if errdefs.GetSubtype(err) == errdefs.ContentTooLarge {
			return nil, err
		}

		lastErr = err
		logger.Warn().
			Str("gateway", gateway).
			Str("hash", hash).
			Err(err).
			Msg("gateway attempt failed")

		if i == len(f.gateways)-1 {
			break
		}

		// 404 means this gateway does not have the content; try the next
		// one without waiting
		if errdefs.GetSubtype(err) == errdefs.ContentNotFound {
			continue
		}

		delay := f.retryBase << i
		if delay > f.retryCap {
			delay = f.retryCap
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errdefs.Content(errdefs.ContentTimeout, ctx.Err(), "fetch cancelled")
		}
	}

	if lastErr == nil {
		lastErr = errdefs.Content(errdefs.ContentTransport, nil, "no gateways configured")
	}
	return nil, lastErr
}

var (
	driveFilePattern    = regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`)
	driveIDPattern      = regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`)
	driveConfirmPattern = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
)

// isDriveURL reports whether rawURL is a Google Drive share link
func isDriveURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Host, "drive.google.com") || strings.HasSuffix(u.Host, "docs.google.com")
}

// driveFileID extracts the file id from known Drive URL shapes
func driveFileID(rawURL string) (string, bool) {
	if m := driveFilePattern.FindStringSubmatch(rawURL); m != nil {
		return m[1], true
	}
	if m := driveIDPattern.FindStringSubmatch(rawURL); m != nil {
		return m[1], true
	}
	return "", false
}

// fetchDrive resolves a Drive share link to a direct download, handling the
// virus-scan confirmation interstitial for large files.
func (f *Fetcher) fetchDrive(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	id, ok := driveFileID(rawURL)
	if !ok {
		return nil, errdefs.Validation("unrecognized drive URL shape: %q", rawURL)
	}

	candidates := []string{
		"https://drive.google.com/uc?export=download&id=" + id,
		"https://drive.usercontent.google.com/download?id=" + id + "&export=download",
	}

	var lastErr error
	for _, direct := range candidates {
		data, err := f.download(ctx, direct, maxBytes)
		recordAttempt("drive", err)
		if err != nil {
			lastErr = err
			continue
		}

		// Large files return an HTML interstitial instead of the content;
		// extract the confirmation token and retry once.
		if looksLikeHTML(data) {
			token := driveConfirmPattern.FindSubmatch(data)
			if token == nil {
				lastErr = errdefs.Content(errdefs.ContentTransport, nil, "drive interstitial without confirm token")
				continue
			}
			data, err = f.download(ctx, direct+"&confirm="+string(token[1]), maxBytes)
			recordAttempt("drive", err)
			if err != nil {
				lastErr = err
				continue
			}
		}

		return data, nil
	}

	return nil, lastErr
}

// looksLikeHTML sniffs a virus-scan interstitial body
func looksLikeHTML(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<html"))
}

// download performs one streamed GET with the per-attempt timeout and the
// size cap, classifying failures into content subtypes.
func (f *Fetcher) download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.gatewayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errdefs.Content(errdefs.ContentTransport, err, "invalid request URL")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errdefs.Content(errdefs.ContentTimeout, err, "download timed out")
		}
		return nil, errdefs.Content(errdefs.ContentTransport, err, "download failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errdefs.Content(errdefs.ContentNotFound, nil, "content not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errdefs.Content(errdefs.ContentRateLimited, nil, "rate limited")
	case resp.StatusCode >= 500:
		return nil, errdefs.Content(errdefs.ContentTransport, nil, "server error %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errdefs.Content(errdefs.ContentTransport, nil, "unexpected status %d", resp.StatusCode)
	}

	data, err := readCapped(resp.Body, maxBytes)
	if err != nil {
		if isTimeout(err) {
			return nil, errdefs.Content(errdefs.ContentTimeout, err, "download timed out mid-stream")
		}
		var classified *errdefs.Error
		if errors.As(err, &classified) {
			return nil, err
		}
		return nil, errdefs.Content(errdefs.ContentTransport, err, "download interrupted")
	}

	metrics.FetchBytesTotal.Add(float64(len(data)))
	return data, nil
}

// readCapped streams the body in fixed-size chunks, failing once the total
// exceeds maxBytes. At most one chunk beyond the cap is ever buffered.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, downloadChunkSize)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if int64(buf.Len()) > maxBytes {
				return nil, errdefs.Content(errdefs.ContentTooLarge, nil,
					"content exceeds %d byte limit", maxBytes)
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// isTimeout reports whether err is a deadline or timeout failure
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// recordAttempt records a fetch attempt metric
func recordAttempt(scheme string, err error) {
	result := "ok"
	if err != nil {
		result = string(errdefs.GetSubtype(err))
		if result == "" {
			result = "error"
		}
	}
	metrics.FetchAttemptsTotal.WithLabelValues(scheme, result).Inc()
}
