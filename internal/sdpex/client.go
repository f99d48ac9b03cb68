// Package sdpex implements the HTTP SDP exchange contract: POST a local offer
// to a negotiation URL and receive the remote answer, plus the out-of-band
// unpublish DELETE. Retry scheduling lives with the room manager; this client
// performs single round trips and classifies the failures the manager
// branches on.
package sdpex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const sdpContentType = "application/sdp"

// ErrGone reports that the server considers the negotiated session gone
// (HTTP 502 on the publish scope); the caller must tear down and recreate
// rather than blindly retry.
var ErrGone = errors.New("sdpex: session gone")

// StatusError is a non-2xx response that is not a gone condition.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sdpex: %s returned status %d", e.URL, e.Code)
}

type Client struct {
	httpc  *http.Client
	logger *zap.Logger
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpc:  &http.Client{Timeout: timeout},
		logger: logger.Named("sdp-exchange"),
	}
}

// Exchange POSTs the local SDP and returns the remote answer SDP. A 502
// response maps to ErrGone; other non-2xx responses map to *StatusError.
func (c *Client) Exchange(ctx context.Context, url, localSDP string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(localSDP))
	if err != nil {
		return "", fmt.Errorf("sdpex: build request: %w", err)
	}
	req.Header.Set("Content-Type", sdpContentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdpex: post offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadGateway {
		c.logger.Warn("negotiation endpoint reports session gone", zap.String("url", url))
		return "", fmt.Errorf("%w (url %s)", ErrGone, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("sdpex: read answer: %w", err)
	}
	answer := string(body)
	if answer == "" {
		return "", fmt.Errorf("sdpex: empty answer from %s", url)
	}
	return answer, nil
}

// Unpublish issues the idempotent DELETE against the unpublish URL.
func (c *Client) Unpublish(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("sdpex: build unpublish request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sdpex: unpublish: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, URL: url}
	}
	return nil
}
