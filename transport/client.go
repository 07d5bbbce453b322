// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Resilient authenticated HTTP delivery to the collection endpoint.
// Failures are represented as data (SendRetval) rather than thrown at the
// caller, and every error feeds the backoff ladder that gates further sends.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// unauthorizedCooldown blocks all sends after a 401.
	unauthorizedCooldown = 5 * time.Minute
	// DefaultSendTimeout bounds one upload request.
	DefaultSendTimeout = 30 * time.Second
	// DefaultMetadataTimeout bounds identify/token/monitor-info requests.
	DefaultMetadataTimeout = 5 * time.Second
	// maxRespBytes caps how much of a response body we read.
	maxRespBytes = 1 << 20
)

// Config carries the endpoint and delivery settings. All values are supplied
// by the host's configuration layer before first use.
type Config struct {
	// APIKey is sent as X-Stackify-Key on direct requests and used as the
	// client credential on the token path.
	APIKey string
	// APIURL is the base API endpoint, e.g. https://api.stackify.com.
	APIURL string
	// LogURL is the log ingest endpoint base. Defaults to APIURL + "/Log/Save".
	LogURL string
	// AuthURL is the token endpoint. Defaults to APIURL + "/oauth/token".
	AuthURL string
	// ProxyURL routes requests through a forward proxy when set; otherwise
	// the process environment's proxy settings apply.
	ProxyURL string
	// UseGzip compresses JSON upload bodies with Content-Encoding: gzip.
	UseGzip bool
	// NetworkSendTimeout bounds one upload request.
	NetworkSendTimeout time.Duration
	// MetadataTimeout bounds identify/token/monitor-info requests.
	MetadataTimeout time.Duration
	// HTTPTransport overrides the RoundTripper, for tests.
	HTTPTransport http.RoundTripper
}

// RequestOptions are per-request flags for SendJSON.
type RequestOptions struct {
	// UseBearer authenticates with a cached bearer token for Identity
	// instead of the API key header.
	UseBearer bool
	// Identity selects the token-cache entry when UseBearer is set.
	Identity *types.AppIdentity
	// Timeout overrides the client's send timeout.
	Timeout time.Duration
	// SuppressLogs lowers send-failure logging to Trace.
	SuppressLogs bool
}

// SendRetval carries the normalized outcome of one send. StatusCode 0 means
// the request never received a response.
type SendRetval struct {
	ReqURL       string
	Status       types.SenderResult
	StatusCode   int
	RespContents []byte
}

// Client is the process-wide delivery primitive shared by the log shipper
// and the metric engine. Its error/auth state is deliberately global: a
// cooldown earned by one caller applies to all of them.
type Client struct {
	log        *base.LogObject
	cfg        Config
	httpClient *http.Client

	// Tokens caches one bearer credential per identity.
	Tokens *TokenStore
	// Metrics counts the agent's own delivery activity.
	Metrics *AgentMetrics

	// Backoff and auth-cooldown state. Timestamps only advance, so
	// read-compare-overwrite under a short lock is sufficient.
	errMu           sync.Mutex
	lastError       time.Time
	nextTry         time.Time
	lastAuthFailure time.Time

	identifyMu sync.Mutex
	identified map[types.AppIdentity]*identifyState

	nowFunc func() time.Time
}

// NewClient creates a Client. reg may be nil; agent self-metrics then land in
// a private registry.
func NewClient(log *base.LogObject, cfg Config, reg prometheus.Registerer) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("transport: APIURL not configured")
	}
	if cfg.LogURL == "" {
		cfg.LogURL = joinURL(cfg.APIURL, "Log/Save")
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = joinURL(cfg.APIURL, "oauth/token")
	}
	if cfg.NetworkSendTimeout == 0 {
		cfg.NetworkSendTimeout = DefaultSendTimeout
	}
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = DefaultMetadataTimeout
	}

	rt := cfg.HTTPTransport
	if rt == nil {
		proxyFunc := http.ProxyFromEnvironment
		if cfg.ProxyURL != "" {
			proxyURL, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("transport: bad proxy URL %q: %w",
					cfg.ProxyURL, err)
			}
			proxyFunc = http.ProxyURL(proxyURL)
		}
		rt = &http.Transport{Proxy: proxyFunc}
	}
	httpClient := &http.Client{Transport: rt}

	c := &Client{
		log:        log,
		cfg:        cfg,
		httpClient: httpClient,
		Metrics:    NewAgentMetrics(reg),
		identified: make(map[types.AppIdentity]*identifyState),
		nowFunc:    time.Now,
	}
	c.Tokens = newTokenStore(log, cfg.AuthURL, cfg.APIKey, httpClient,
		cfg.MetadataTimeout)
	return c, nil
}

// LogURL returns the configured log ingest endpoint base.
func (c *Client) LogURL() string {
	return c.cfg.LogURL
}

// APIURL joins path onto the configured API base.
func (c *Client) APIURL(path string) string {
	return joinURL(c.cfg.APIURL, path)
}

// IsRecentError reports whether the backoff ladder still blocks sending.
func (c *Client) IsRecentError() bool {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.nowFunc().Before(c.nextTry)
}

// IsAuthorized reports whether the unauthorized cooldown has elapsed.
func (c *Client) IsAuthorized() bool {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastAuthFailure.IsZero() ||
		c.nowFunc().Sub(c.lastAuthFailure) >= unauthorizedCooldown
}

// backoffDelay is the ladder keyed off how quickly errors repeat.
func backoffDelay(sinceLastError time.Duration) time.Duration {
	switch {
	case sinceLastError < time.Second:
		return time.Second
	case sinceLastError < 2*time.Second:
		return 2 * time.Second
	case sinceLastError < 3*time.Second:
		return 3 * time.Second
	case sinceLastError < 4*time.Second:
		return 4 * time.Second
	case sinceLastError < 5*time.Second:
		return 5 * time.Second
	case sinceLastError < 10*time.Second:
		return 10 * time.Second
	case sinceLastError < 20*time.Second:
		return 20 * time.Second
	case sinceLastError < 30*time.Second:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

func (c *Client) noteSendFailure() {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	now := c.nowFunc()
	elapsed := now.Sub(c.lastError)
	if c.lastError.IsZero() {
		// First failure starts at the bottom of the ladder.
		elapsed = 0
	}
	next := now.Add(backoffDelay(elapsed))
	// Never shrink a pending delay.
	if next.After(c.nextTry) {
		c.nextTry = next
	}
	c.lastError = now
}

func (c *Client) noteSendSuccess() {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastError = time.Time{}
	c.nextTry = time.Time{}
}

func (c *Client) noteAuthFailure() {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastAuthFailure = c.nowFunc()
}

// SendJSON posts a JSON body and normalizes the outcome. The returned error
// is advisory; retry policy keys off SendRetval.Status and StatusCode.
func (c *Client) SendJSON(ctx context.Context, reqURL string, body []byte,
	opts RequestOptions) (SendRetval, error) {

	rv := SendRetval{ReqURL: reqURL, Status: types.SenderStatusFailed}

	errorLog := c.log.Errorf
	if opts.SuppressLogs {
		errorLog = c.log.Tracef
	}

	// The unauthorized cooldown blocks every caller, not just the ones
	// polite enough to ask first. Nothing reaches the network, including
	// the token endpoint.
	if !c.IsAuthorized() {
		rv.Status = types.SenderStatusUnauthorized
		errorLog("%s skipping send to %s, unauthorized cooldown active",
			base.SelfLogMarker, reqURL)
		return rv, fmt.Errorf("transport: unauthorized cooldown active for %s",
			reqURL)
	}

	payload := body
	gzipped := false
	if c.cfg.UseGzip && len(body) > 0 {
		compressed, err := gzipBytes(body)
		if err != nil {
			// Fall back to the uncompressed body.
			c.log.Warnf("%s gzip failed for %s: %v", base.SelfLogMarker,
				reqURL, err)
		} else {
			payload = compressed
			gzipped = true
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.cfg.NetworkSendTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reqURL,
		bytes.NewReader(payload))
	if err != nil {
		return rv, fmt.Errorf("transport: building request for %s: %w", reqURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if opts.UseBearer && opts.Identity != nil {
		token, err := c.Tokens.Get(reqCtx, *opts.Identity)
		if err != nil {
			errorLog("%s token for %s: %v", base.SelfLogMarker,
				opts.Identity.DisplayName(), err)
			return rv, err
		}
		req.Header.Set("Authorization", "Bearer "+token.Token)
	} else {
		req.Header.Set("X-Stackify-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.noteSendFailure()
		c.Metrics.RecordFailure(reqURL, int64(len(payload)), 0)
		errorLog("%s send to %s failed: %v", base.SelfLogMarker, reqURL, err)
		return rv, err
	}
	defer resp.Body.Close()

	rv.StatusCode = resp.StatusCode
	rv.RespContents, _ = io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.noteSendSuccess()
		c.Metrics.RecordSuccess(reqURL, int64(len(payload)),
			int64(len(rv.RespContents)))
		rv.Status = types.SenderStatusNone
		return rv, nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.noteAuthFailure()
		c.noteSendFailure()
		c.Metrics.RecordFailure(reqURL, int64(len(payload)),
			int64(len(rv.RespContents)))
		if opts.UseBearer && opts.Identity != nil {
			c.Tokens.Invalidate(*opts.Identity)
		}
		rv.Status = types.SenderStatusUnauthorized
		return rv, fmt.Errorf("transport: %s returned 401", reqURL)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.noteSendFailure()
		c.Metrics.RecordFailure(reqURL, int64(len(payload)),
			int64(len(rv.RespContents)))
		rv.Status = types.SenderStatusRejected
		return rv, fmt.Errorf("transport: %s rejected with %d", reqURL,
			resp.StatusCode)
	default:
		c.noteSendFailure()
		c.Metrics.RecordFailure(reqURL, int64(len(payload)),
			int64(len(rv.RespContents)))
		rv.Status = types.SenderStatusRemTempFail
		return rv, fmt.Errorf("transport: %s failed with %d", reqURL,
			resp.StatusCode)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func joinURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
