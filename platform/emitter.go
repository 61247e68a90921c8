package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultEmitTimeout = 10 * time.Second

// HTTPEmitter posts events as JSON to <endpoint>/events.
type HTTPEmitter struct {
	endpoint  string
	authToken string
	client    *http.Client
}

func NewHTTPEmitter(endpoint, authToken string, client *http.Client) *HTTPEmitter {
	if client == nil {
		client = &http.Client{Timeout: defaultEmitTimeout}
	}

	return &HTTPEmitter{
		endpoint:  strings.TrimRight(endpoint, "/"),
		authToken: authToken,
		client:    client,
	}
}

func (e *HTTPEmitter) EmitEvent(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode event: %w", ErrEmit, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEmit, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		slog.Error("platform: Failed to emit event", "error", err, "event_id", event.ID, "to_user", event.ToUserID)
		return fmt.Errorf("%w: %w", ErrEmit, err)
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("platform: Event rejected", "status", resp.StatusCode, "event_id", event.ID, "to_user", event.ToUserID)
		if readErr != nil {
			return fmt.Errorf("%w: http %d: read body: %w", ErrEmit, resp.StatusCode, readErr)
		}
		return fmt.Errorf("%w: http %d: %s", ErrEmit, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if readErr != nil {
		slog.Warn("platform: Cannot read event response", "error", readErr, "event_id", event.ID)
	}

	slog.Debug("platform: Event emitted", "event_id", event.ID, "to_user", event.ToUserID, "key", event.Key)

	return nil
}
