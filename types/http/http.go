package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/kairos-io/kairos-disk/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Client interface {
	// GetURL fetches url and returns the whole body. Non 2xx answers are errors.
	GetURL(ctx context.Context, url string) ([]byte, error)
}

// RetryClient is a Client retrying on connection errors and 5xx answers
type RetryClient struct {
	client *retryablehttp.Client
}

var _ Client = &RetryClient{}

func NewClient(logger types.KairosLogger, attempts int, timeout time.Duration) *RetryClient {
	c := retryablehttp.NewClient()
	if attempts < 1 {
		attempts = 1
	}
	c.RetryMax = attempts - 1
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = leveledLogger{logger}
	c.HTTPClient.Timeout = timeout
	c.HTTPClient.Transport = otelhttp.NewTransport(c.HTTPClient.Transport)
	return &RetryClient{client: c}
}

func (r *RetryClient) GetURL(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("got status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// leveledLogger sends the client logs through our logger
type leveledLogger struct {
	l types.KairosLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.l.Logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.l.Logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.l.Logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.l.Logger.Warn().Fields(keysAndValues).Msg(msg)
}
