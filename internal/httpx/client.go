// Package httpx is the authenticated HTTP transport for talking to a blobs
// server. It wraps hashicorp/go-retryablehttp so transient transport-level
// failures (connection resets, 5xx) are retried with rewindable request
// bodies before the transfer layer ever sees an error.
package httpx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// retryLogger routes retryablehttp's error and warning output through
// zerolog. Info and debug chatter is dropped.
type retryLogger struct {
	log zerolog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

// Client performs token-authenticated requests against a blobs server.
type Client struct {
	rc    *retryablehttp.Client
	token string
}

// New builds a client holding the auth token. caCert, when non-nil, is a PEM
// bundle pinning the server certificate chain instead of the system pool.
func New(token string, caCert []byte, log zerolog.Logger) (*Client, error) {
	tr := &nethttp.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if caCert != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in CA bundle")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &nethttp.Client{Transport: tr}
	rc.RetryMax = 2
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = &retryLogger{log: log}

	return &Client{rc: rc, token: token}, nil
}

// Get issues a GET with optional query parameters. Extra headers may be
// passed for range requests.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, headers nethttp.Header) (*nethttp.Response, error) {
	return c.do(ctx, nethttp.MethodGet, rawURL, params, nil, headers)
}

// Put uploads a body. The body must be rewindable so the transport can
// retry the request from the start.
func (c *Client) Put(ctx context.Context, rawURL string, body io.ReadSeeker, params url.Values) (*nethttp.Response, error) {
	return c.do(ctx, nethttp.MethodPut, rawURL, params, body, nil)
}

// Post sends a JSON body.
func (c *Client) Post(ctx context.Context, rawURL string, payload any, params url.Values) (*nethttp.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(ctx, nethttp.MethodPost, rawURL, params, data, nethttp.Header{"Content-Type": []string{"application/json"}})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, rawURL string, params url.Values) (*nethttp.Response, error) {
	return c.do(ctx, nethttp.MethodDelete, rawURL, params, nil, nil)
}

func (c *Client) do(ctx context.Context, method, rawURL string, params url.Values, body any, headers nethttp.Header) (*nethttp.Response, error) {
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Token "+c.token)
	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// DecodeJSON drains and closes the response body into out.
func DecodeJSON(resp *nethttp.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
