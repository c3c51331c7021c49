package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CRM mirrors presence changes into the membership administration's
// REST API. It implements CheckinRecorder.
type CRM struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewCRM builds a CRM client. baseURL is the API root, e.g.
// "https://crm.example.org/api/v1".
func NewCRM(baseURL, apiToken string) *CRM {
	return &CRM{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// RecordCheckIn implements CheckinRecorder.
func (c *CRM) RecordCheckIn(ctx context.Context, userID int64) error {
	return c.post(ctx, fmt.Sprintf("%s/members/%d/checkin/", c.baseURL, userID))
}

// RecordCheckOut implements CheckinRecorder.
func (c *CRM) RecordCheckOut(ctx context.Context, userID int64) error {
	return c.post(ctx, fmt.Sprintf("%s/members/%d/checkout/", c.baseURL, userID))
}

func (c *CRM) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Api-Key "+c.apiToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

// NopRecorder discards check-in bookkeeping. Used when no CRM endpoint
// is configured.
type NopRecorder struct{}

func (NopRecorder) RecordCheckIn(context.Context, int64) error  { return nil }
func (NopRecorder) RecordCheckOut(context.Context, int64) error { return nil }
