// internal/protocol/http_client.go
package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"comm-service/internal/retry"
)

const httpBackoffFactor = 500 * time.Millisecond

// retryStatuses are the response codes that trigger another attempt
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// HTTPResult is the outcome of one request
type HTTPResult struct {
	Success    bool              `json:"success"`
	StatusCode int               `json:"status_code"`
	Text       string            `json:"text"`
	Data       interface{}       `json:"data"`
	Headers    map[string]string `json:"headers"`
	Elapsed    time.Duration     `json:"elapsed"`
	Error      string            `json:"error,omitempty"`
}

// RequestOptions carries the optional parts of a request
type RequestOptions struct {
	Params      map[string]string
	Headers     map[string]string
	Body        []byte
	ContentType string
}

type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// HTTPClient issues request/response calls against a base URL. It keeps no
// connection open; IsConnected means the session is initialised.
type HTTPClient struct {
	baseConnection

	sessionMu sync.RWMutex
	settings  HTTPSettings
	client    *http.Client
	headers   http.Header

	onResponse func(result *HTTPResult)
}

// NewHTTPClient creates an uninitialised HTTP client
func NewHTTPClient(logger *zap.Logger) *HTTPClient {
	c := &HTTPClient{}
	c.init(TypeHTTP, logger)
	return c
}

// OnResponse replaces the response handler
func (c *HTTPClient) OnResponse(fn func(result *HTTPResult)) {
	c.mu.Lock()
	c.onResponse = fn
	c.mu.Unlock()
}

// Connect initialises the HTTP session. No request is made.
func (c *HTTPClient) Connect(_ context.Context, cfg Config) error {
	if c.IsConnected() {
		return nil
	}

	c.setConfig(cfg)

	settings, err := ParseHTTPSettings(cfg)
	if err != nil {
		return c.failConnect(err)
	}
	c.setState(StateConnecting)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !settings.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if len(settings.Proxies) > 0 {
		proxies := make(map[string]*url.URL, len(settings.Proxies))
		for scheme, raw := range settings.Proxies {
			u, err := url.Parse(raw)
			if err != nil {
				return c.failConnect(wrapError(KindConfiguration, "connect", err, "invalid proxy for %s", scheme))
			}
			proxies[strings.ToLower(scheme)] = u
		}
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if u, ok := proxies[req.URL.Scheme]; ok {
				return u, nil
			}
			return http.ProxyFromEnvironment(req)
		}
	}

	headers := http.Header{}
	for k, v := range settings.Headers {
		headers.Set(k, v)
	}

	c.sessionMu.Lock()
	c.settings = settings
	c.client = &http.Client{Timeout: settings.Timeout, Transport: transport}
	c.headers = headers
	c.sessionMu.Unlock()

	c.setState(StateConnected)
	c.logger.Info("HTTP session initialised",
		zap.String("base_url", settings.BaseURL),
		zap.Duration("timeout", settings.Timeout),
		zap.Int("retry_count", settings.RetryCount),
	)
	c.emitConnect()
	return nil
}

// Disconnect drops the session and its idle connections
func (c *HTTPClient) Disconnect() error {
	c.sessionMu.Lock()
	wasActive := c.client != nil
	if c.client != nil {
		c.client.CloseIdleConnections()
		c.client = nil
	}
	c.headers = nil
	c.sessionMu.Unlock()

	c.setState(StateDisconnected)
	if wasActive {
		c.logger.Info("HTTP session closed")
		c.emitDisconnect()
	}

	c.clearCallbacks()
	c.mu.Lock()
	c.onResponse = nil
	c.mu.Unlock()
	return nil
}

// SetAuth sets basic credentials, or a bearer token taken from password
func (c *HTTPClient) SetAuth(username, password, authType string) error {
	switch strings.ToLower(authType) {
	case "", "basic":
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		return c.setHeader("Authorization", "Basic "+token)
	case "bearer":
		return c.setHeader("Authorization", "Bearer "+password)
	default:
		return newError(KindConfiguration, "set_auth", "unsupported auth type: %s", authType)
	}
}

// SetToken sets an Authorization header of the given type, Bearer when empty
func (c *HTTPClient) SetToken(token, tokenType string) error {
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return c.setHeader("Authorization", tokenType+" "+token)
}

func (c *HTTPClient) setHeader(key, value string) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.client == nil {
		return withOp(ErrNotConnected, "set_header")
	}
	c.headers.Set(key, value)
	return nil
}

// Get issues a GET with optional query parameters
func (c *HTTPClient) Get(ctx context.Context, path string, params map[string]string) (*HTTPResult, error) {
	return c.Request(ctx, http.MethodGet, path, RequestOptions{Params: params})
}

// Post issues a POST with a raw body
func (c *HTTPClient) Post(ctx context.Context, path string, body []byte, contentType string) (*HTTPResult, error) {
	return c.Request(ctx, http.MethodPost, path, RequestOptions{Body: body, ContentType: contentType})
}

// PostJSON issues a POST with v encoded as JSON
func (c *HTTPClient) PostJSON(ctx context.Context, path string, v interface{}) (*HTTPResult, error) {
	return c.jsonRequest(ctx, http.MethodPost, path, v)
}

// Put issues a PUT with v encoded as JSON
func (c *HTTPClient) Put(ctx context.Context, path string, v interface{}) (*HTTPResult, error) {
	return c.jsonRequest(ctx, http.MethodPut, path, v)
}

// Patch issues a PATCH with v encoded as JSON
func (c *HTTPClient) Patch(ctx context.Context, path string, v interface{}) (*HTTPResult, error) {
	return c.jsonRequest(ctx, http.MethodPatch, path, v)
}

// Delete issues a DELETE
func (c *HTTPClient) Delete(ctx context.Context, path string) (*HTTPResult, error) {
	return c.Request(ctx, http.MethodDelete, path, RequestOptions{})
}

func (c *HTTPClient) jsonRequest(ctx context.Context, method, path string, v interface{}) (*HTTPResult, error) {
	var body []byte
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, wrapError(KindConfiguration, strings.ToLower(method), err, "failed to encode body")
		}
		body = data
	}
	return c.Request(ctx, method, path, RequestOptions{Body: body, ContentType: "application/json"})
}

func (c *HTTPClient) session() (*http.Client, HTTPSettings, http.Header) {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.client, c.settings, c.headers.Clone()
}

func (c *HTTPClient) resolve(base, path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	if base == "" {
		return "", fmt.Errorf("relative path %q needs a baseUrl", path)
	}
	if path == "" {
		return base, nil
	}
	return base + "/" + strings.TrimLeft(path, "/"), nil
}

// Request issues one request with the session's retry policy. Responses with
// status >= 400 come back as an unsuccessful result and a nil error; the error
// is set only when no response was obtained.
func (c *HTTPClient) Request(ctx context.Context, method, path string, opts RequestOptions) (*HTTPResult, error) {
	op := strings.ToLower(method)

	client, settings, headers := c.session()
	if client == nil || !c.IsConnected() {
		return nil, withOp(ErrNotConnected, op)
	}

	target, err := c.resolve(settings.BaseURL, path)
	if err != nil {
		return nil, wrapError(KindConfiguration, op, err, "invalid url")
	}
	if len(opts.Params) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, wrapError(KindConfiguration, op, err, "invalid url")
		}
		q := u.Query()
		for k, v := range opts.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	start := time.Now()
	var last *HTTPResult

	policy := retry.Backoff(settings.RetryCount, httpBackoffFactor, 0)
	err = retry.Do(ctx, policy, func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(opts.Body))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header = headers.Clone()
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
		if opts.ContentType != "" {
			req.Header.Set("Content-Type", opts.ContentType)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		c.recordSent(len(opts.Body))
		c.recordReceived(len(body))
		last = buildResult(resp, body)

		if retryStatuses[resp.StatusCode] {
			return &retryableStatus{code: resp.StatusCode}
		}
		return nil
	})

	var status *retryableStatus
	if err != nil && !errors.As(err, &status) {
		result := &HTTPResult{Error: err.Error(), Elapsed: time.Since(start)}
		werr := wrapError(KindIO, op, err, "%s %s failed", method, target)
		if KindOf(err) == KindTimeout {
			werr.Kind = KindTimeout
		}
		c.logger.Error("HTTP request failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Error(err),
		)
		c.emitError(werr)
		c.dispatchResponse(result)
		return result, werr
	}

	last.Elapsed = time.Since(start)
	c.logger.Debug("HTTP request completed",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", last.StatusCode),
		zap.Duration("elapsed", last.Elapsed),
	)
	c.dispatchResponse(last)
	return last, nil
}

func buildResult(resp *http.Response, body []byte) *HTTPResult {
	result := &HTTPResult{
		Success:    resp.StatusCode < 400,
		StatusCode: resp.StatusCode,
		Text:       string(body),
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		result.Headers[k] = resp.Header.Get(k)
	}

	var data interface{}
	if len(body) > 0 && json.Unmarshal(body, &data) == nil {
		result.Data = data
	} else {
		result.Data = result.Text
	}

	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}

func (c *HTTPClient) dispatchResponse(result *HTTPResult) {
	c.mu.RLock()
	fn := c.onResponse
	c.mu.RUnlock()
	if fn != nil {
		c.safeCall("on_response", func() { fn(result) })
	}
}

// Download streams the body of a GET to path
func (c *HTTPClient) Download(ctx context.Context, rawURL, path string) error {
	client, settings, headers := c.session()
	if client == nil || !c.IsConnected() {
		return withOp(ErrNotConnected, "download")
	}

	target, err := c.resolve(settings.BaseURL, rawURL)
	if err != nil {
		return wrapError(KindConfiguration, "download", err, "invalid url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return wrapError(KindConfiguration, "download", err, "invalid request")
	}
	req.Header = headers

	resp, err := client.Do(req)
	if err != nil {
		werr := wrapError(KindIO, "download", err, "GET %s failed", target)
		c.emitError(werr)
		return werr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		werr := newError(KindIO, "download", "GET %s returned HTTP %d", target, resp.StatusCode)
		c.emitError(werr)
		return werr
	}

	f, err := os.Create(path)
	if err != nil {
		return wrapError(KindIO, "download", err, "failed to create %s", path)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return wrapError(KindIO, "download", err, "failed to write %s", path)
	}

	c.recordReceived(int(n))
	c.logger.Info("Download completed", zap.String("url", target), zap.String("path", path), zap.Int64("bytes", n))
	return nil
}

// Upload posts a file as multipart form data under field, with extra form values
func (c *HTTPClient) Upload(ctx context.Context, rawURL, filePath, field string, form map[string]string) (*HTTPResult, error) {
	if field == "" {
		field = "file"
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, wrapError(KindIO, "upload", err, "failed to open %s", filePath)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range form {
		if err := w.WriteField(k, v); err != nil {
			return nil, wrapError(KindIO, "upload", err, "failed to write form field %s", k)
		}
	}
	part, err := w.CreateFormFile(field, filepath.Base(filePath))
	if err != nil {
		return nil, wrapError(KindIO, "upload", err, "failed to create form file")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, wrapError(KindIO, "upload", err, "failed to read %s", filePath)
	}
	if err := w.Close(); err != nil {
		return nil, wrapError(KindIO, "upload", err, "failed to finish form")
	}

	return c.Request(ctx, http.MethodPost, rawURL, RequestOptions{
		Body:        buf.Bytes(),
		ContentType: w.FormDataContentType(),
	})
}

// Send POSTs payload to the base URL: bytes as octet-stream, strings as text, anything else as JSON
func (c *HTTPClient) Send(payload interface{}) error {
	var (
		result *HTTPResult
		err    error
	)
	ctx := context.Background()

	switch v := payload.(type) {
	case []byte:
		result, err = c.Post(ctx, "", v, "application/octet-stream")
	case string:
		result, err = c.Post(ctx, "", []byte(v), "text/plain; charset=utf-8")
	default:
		result, err = c.PostJSON(ctx, "", v)
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return newError(KindIO, "send", "%s", result.Error)
	}
	return nil
}

// Receive is not supported; each request returns its own result
func (c *HTTPClient) Receive(time.Duration) (interface{}, bool) {
	return nil, false
}
