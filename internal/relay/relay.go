// Package relay executes HTTP requests on behalf of the coordination server.
//
// A request arrives as the data of an HTTP_REQUEST envelope. The relay
// strips hop-specific headers, decodes the base64 body, performs the
// request through the node's own network egress, and packages the
// response (status, headers, base64 body) as a protocol.RelayResult.
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/philsphicas/herbivore/internal/metrics"
	"github.com/philsphicas/herbivore/internal/protocol"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxBodySize = 32 << 20
)

// ErrInvalidRequest is returned for relay requests that cannot be sent.
var ErrInvalidRequest = errors.New("invalid relay request")

// ErrBodyTooLarge is returned when a response body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("response body too large")

// Config holds relay configuration.
type Config struct {
	// Client performs the requests. Defaults to a client with its own
	// transport cloned from http.DefaultTransport.
	Client *http.Client

	// Timeout bounds each request, including reading the response body.
	Timeout time.Duration

	// MaxBodySize caps the response body read into memory.
	MaxBodySize int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Relay performs relayed HTTP requests. It is safe for concurrent use.
type Relay struct {
	cfg Config
}

// New creates a Relay, filling in defaults.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	return &Relay{cfg: cfg}
}

// Do executes req and returns the packaged response. Any error means the
// request produced no result; callers drop it without answering.
func (r *Relay) Do(ctx context.Context, req protocol.RelayRequest) (*protocol.RelayResult, error) {
	httpReq, reqBytes, err := r.build(ctx, req)
	if err != nil {
		r.cfg.Metrics.RelayRejected(metrics.ReasonInvalidRequest)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(httpReq.Context(), r.cfg.Timeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	r.cfg.Logger.Debug("relaying request", "method", httpReq.Method, "url", httpReq.URL.Redacted())

	tracker := r.cfg.Metrics.RelayStarted(httpReq.Method)
	start := time.Now()
	res, respBytes, err := r.send(httpReq)
	reason := ""
	if err != nil {
		reason = relayReason(err)
	}
	tracker.Done(time.Since(start).Seconds(), reqBytes, respBytes, err, reason)
	if err != nil {
		return nil, err
	}

	r.cfg.Logger.Info("relayed request",
		"method", httpReq.Method, "url", httpReq.URL.Redacted(),
		"status", res.Status, "bytes", respBytes)
	return res, nil
}

func (r *Relay) build(ctx context.Context, req protocol.RelayRequest) (*http.Request, int64, error) {
	if req.Method == "" {
		return nil, 0, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	if req.URL == "" {
		return nil, 0, fmt.Errorf("%w: missing url", ErrInvalidRequest)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, 0, fmt.Errorf("%w: url must be absolute http or https", ErrInvalidRequest)
	}

	// Undecodable bodies are omitted rather than failing the request.
	var body []byte
	if req.Body != "" {
		if decoded, err := base64.StdEncoding.DecodeString(req.Body); err == nil {
			body = decoded
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	applyHeaders(httpReq, req.Headers)
	return httpReq, int64(len(body)), nil
}

func (r *Relay) send(req *http.Request) (*protocol.RelayResult, int64, error) {
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodySize+1))
	if err != nil {
		return nil, int64(len(body)), fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > r.cfg.MaxBodySize {
		return nil, int64(len(body)), fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, r.cfg.MaxBodySize)
	}

	finalURL := req.URL
	if resp.Request != nil {
		finalURL = resp.Request.URL
	}
	return &protocol.RelayResult{
		URL:        finalURL.String(),
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    flattenHeaders(resp.Header),
		Body:       base64.StdEncoding.EncodeToString(body),
	}, int64(len(body)), nil
}

// statusText returns the reason phrase of the response status line.
func statusText(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func relayReason(err error) string {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return metrics.ReasonBodyTooLarge
	case metrics.DialReason(err, "") == metrics.ReasonDialTimeout:
		return metrics.ReasonRelayTimeout
	default:
		return metrics.ReasonSendFailed
	}
}
