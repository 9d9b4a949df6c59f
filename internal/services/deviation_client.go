package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPDeviationClient asks the deviation management service about open
// deviations.
type HTTPDeviationClient struct {
	url    string
	client *http.Client
}

// NewHTTPDeviationClient creates a new HTTPDeviationClient.
func NewHTTPDeviationClient(url string, timeout time.Duration) *HTTPDeviationClient {
	return &HTTPDeviationClient{url: url, client: &http.Client{Timeout: timeout}}
}

type deviationSummary struct {
	EntityID string `json:"entity_id"`
	Open     int    `json:"open"`
}

// HasOpenDeviations reports whether entityID has at least one unresolved
// deviation.
func (c *HTTPDeviationClient) HasOpenDeviations(ctx context.Context, entityID string) (bool, error) {
	endpoint := c.url + "/deviations/summary?entity_id=" + url.QueryEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Op: "check deviations", Code: resp.StatusCode}
	}

	var summary deviationSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return false, fmt.Errorf("failed to decode response body: %w", err)
	}
	return summary.Open > 0, nil
}

// NoDeviations is a DeviationChecker for deployments without a deviation
// service. Every entity is reported clean.
type NoDeviations struct{}

func (NoDeviations) HasOpenDeviations(context.Context, string) (bool, error) { return false, nil }
