package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobberClient reads busy blocks from the Jobber scheduling API.
type JobberClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// JobberConfig configures the Jobber client.
type JobberConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewJobberClient validates the config and builds a client.
func NewJobberClient(cfg JobberConfig) (*JobberClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scheduling: jobber BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("scheduling: jobber APIKey is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &JobberClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type jobberBusyResponse struct {
	Busy []struct {
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	} `json:"busy"`
}

// ListBusy fetches the calendar's busy periods inside the window.
func (c *JobberClient) ListBusy(ctx context.Context, calendarRef string, window Timeslot) ([]Timeslot, error) {
	params := url.Values{}
	params.Set("start", window.Start.UTC().Format(time.RFC3339))
	params.Set("end", window.End.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/calendars/%s/busy?%s", c.baseURL, url.PathEscape(calendarRef), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduling: jobber request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduling: jobber busy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scheduling: jobber busy status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed jobberBusyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("scheduling: decode jobber busy: %w", err)
	}

	busy := make([]Timeslot, 0, len(parsed.Busy))
	for _, p := range parsed.Busy {
		busy = append(busy, NewTimeslot(p.StartAt, p.EndAt))
	}
	return busy, nil
}
