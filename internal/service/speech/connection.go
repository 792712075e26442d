package speech

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// dialWithRetry opens the recognition socket, retrying transient failures
// with a linear backoff.
func dialWithRetry(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, retries int, logger *log.Logger) (*websocket.Conn, *http.Response, error) {
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, resp, nil
		}
		lastErr = describeDialError(err, resp)
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !isRetryableDialError(err, resp) {
			break
		}

		delay := time.Duration(i+1) * time.Second
		logger.Warn("dial failed, retrying", "attempt", i+1, "delay", delay, "err", lastErr)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, nil, lastErr
}

func describeDialError(err error, resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	logID := resp.Header.Get("X-Tt-Logid")
	return fmt.Errorf("websocket dial: status %d (logid %s): %w", resp.StatusCode, logID, err)
}

// isRetryableDialError reports whether another attempt may succeed.
// Authentication and request errors are final.
func isRetryableDialError(err error, resp *http.Response) bool {
	if resp != nil {
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, websocket.ErrBadHandshake)
}
