package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Sink receives batches for transmission. Any non-nil error is a transmission
// failure and triggers the retry path.
type Sink interface {
	Send(ctx context.Context, batch Batch, token string) error
}

// TokenProvider supplies bearer credentials for the sink. It must be cheap to
// call repeatedly; its failure never blocks or fails a flush.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a TokenProvider returning a fixed credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// HTTPSink posts batches as JSON to the analytics ingest endpoint. A 2xx
// response is success; anything else is a transmission failure.
type HTTPSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSink creates a sink for the given endpoint URL.
func NewHTTPSink(url string, client *http.Client, logger *zap.Logger) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSink{url: url, client: client, logger: logger}
}

// Send posts the batch, attaching the bearer token when one was obtained.
func (s *HTTPSink) Send(ctx context.Context, batch Batch, token string) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink status: %d", resp.StatusCode)
	}
	s.logger.Debug("batch accepted", zap.String("batch_id", batch.ID), zap.Int("events", len(batch.Events)))
	return nil
}
