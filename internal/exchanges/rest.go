package exchanges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 8 << 20

type restClient struct {
	exchange string
	baseURL  string
	http     *http.Client
	logger   *logrus.Entry
}

func newRESTClient(exchange string, opts Options) *restClient {
	return &restClient{
		exchange: exchange,
		baseURL:  opts.BaseURL,
		http:     opts.HTTPClient,
		logger:   opts.Logger.WithField("exchange", exchange),
	}
}

// getJSON performs a GET and decodes the body into out, classifying failures
// as ErrUpstreamTimeout, ErrRateLimited or ErrUpstreamError
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUpstreamError, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", ErrUpstreamTimeout, c.exchange, path, err)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUpstreamError, c.exchange, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s read body: %v", ErrUpstreamTimeout, c.exchange, err)
		}
		return fmt.Errorf("%w: %s read body: %v", ErrUpstreamError, c.exchange, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return fmt.Errorf("%w: %s returned %d", ErrRateLimited, c.exchange, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstreamError, c.exchange, resp.StatusCode, truncate(body, 200))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s malformed body: %v", ErrUpstreamError, c.exchange, err)
	}
	return nil
}

// ping hits a lightweight endpoint and reports any failure
func (c *restClient) ping(ctx context.Context, path string) error {
	if err := c.getJSON(ctx, path, nil, nil); err != nil {
		c.logger.WithError(err).Debug("Health probe failed")
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
