package downloader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/italolelis/manifest_syncer/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var errResponseTimeout = errors.New("timed out waiting for the response to start")

// HTTPClient streams files over plain HTTP(S) GET.
type HTTPClient struct {
	client          *http.Client
	userAgent       string
	responseTimeout time.Duration
}

var _ transfer.FileClient = (*HTTPClient)(nil)

// NewHTTPClient returns a client whose responseTimeout bounds connecting and
// receiving the response headers. The body stream is bounded only by the
// caller's context.
func NewHTTPClient(userAgent string, responseTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:          &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		userAgent:       userAgent,
		responseTimeout: responseTimeout,
	}
}

// GrabFile opens url for streaming. The returned size is 0 when the server
// does not advertise a content length.
func (c *HTTPClient) GrabFile(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	var timer *time.Timer
	if c.responseTimeout > 0 {
		timer = time.AfterFunc(c.responseTimeout, func() { cancel(errResponseTimeout) })
	}

	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		stopTimer()
		cancel(nil)

		return nil, 0, &transfer.NetworkError{Operation: "download", URL: url, Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if !stopTimer() && err == nil {
		// the timer fired while the headers were being returned
		err = context.Cause(ctx)
		resp.Body.Close()
	}

	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, errResponseTimeout) {
			err = cause
		}

		cancel(nil)

		return nil, 0, &transfer.NetworkError{Operation: "download", URL: url, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		cancel(nil)

		return nil, 0, &transfer.NetworkError{Operation: "download", URL: url, StatusCode: resp.StatusCode}
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}, size, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()

	return err
}
