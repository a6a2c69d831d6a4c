package transport

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Event is one captured analytics event in its wire form.
type Event struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
}

type wireBatch struct {
	APIKey              string    `json:"api_key"`
	HistoricalMigration bool      `json:"historical_migration"`
	SentAt              time.Time `json:"sent_at"`
	Batch               []Event   `json:"batch"`
}

// SendBatch delivers events in a single request. Any 2xx is success.
func (c *Client) SendBatch(ctx context.Context, events []Event, historical bool) error {
	if c.cfg.ProjectAPIKey == "" {
		return ErrMissingProjectKey
	}
	body := wireBatch{
		APIKey:              c.cfg.ProjectAPIKey,
		HistoricalMigration: historical,
		SentAt:              time.Now().UTC(),
		Batch:               events,
	}
	resp, err := c.do(ctx, http.MethodPost, pathBatch, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
