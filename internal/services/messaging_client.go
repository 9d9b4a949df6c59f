package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gxp-workflow/backend/internal/workflow"
)

// HTTPMessagingClient posts notifications to the messaging service.
type HTTPMessagingClient struct {
	url    string
	client *http.Client
}

// NewHTTPMessagingClient creates a new HTTPMessagingClient.
func NewHTTPMessagingClient(url string, timeout time.Duration) *HTTPMessagingClient {
	return &HTTPMessagingClient{url: url, client: &http.Client{Timeout: timeout}}
}

// Notify delivers n. The notification ID is sent as the idempotency key so a
// redelivered message is not shown twice.
func (c *HTTPMessagingClient) Notify(ctx context.Context, n workflow.Notification) error {
	requestBody, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/notifications", bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// already delivered under this key
		return nil
	case resp.StatusCode >= 300:
		return &StatusError{Op: "notify", Code: resp.StatusCode}
	}
	return nil
}

// StatusError is a non-success response from a collaborator service.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to %s: status code %d", e.Op, e.Code)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
