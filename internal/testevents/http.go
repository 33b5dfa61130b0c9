package testevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/recalc/pkg/logger"
)

// client wraps http.Client with JSON helpers.
type client struct {
	http    *http.Client
	baseURL string
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// do sends a request and decodes a JSON answer into out when it is not nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil || resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

// submitActivities posts activities with a pool of workers. Activities
// sharing an id are posted in order so the first one is always accepted.
func submitActivities(ctx context.Context, c *client, cfg *Config, acts []Activity, stats *Stats, l logger.Logger) {
	var submitted, accepted, duplicates, failed atomic.Int64

	// Group by id so repeats go through the same worker after the original.
	groups := make(map[string][]Activity, len(acts))
	order := make([]string, 0, len(acts))
	for _, a := range acts {
		if _, ok := groups[a.ActivityID]; !ok {
			order = append(order, a.ActivityID)
		}
		groups[a.ActivityID] = append(groups[a.ActivityID], a)
	}

	work := make(chan []Activity, cfg.Workers*2)
	var wg sync.WaitGroup
	for range cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				for _, a := range group {
					if ctx.Err() != nil {
						return
					}
					submitted.Add(1)
					var ack AckResponse
					status, err := c.do(ctx, http.MethodPost, "/activities", a, &ack)
					switch {
					case err != nil:
						failed.Add(1)
						l.Debug(ctx, "activity post failed", logger.String("activity_id", a.ActivityID), logger.Error(err))
					case status == http.StatusAccepted:
						accepted.Add(1)
					case status == http.StatusOK && ack.Duplicate:
						duplicates.Add(1)
					default:
						failed.Add(1)
						l.Debug(ctx, "activity rejected", logger.String("activity_id", a.ActivityID), logger.Int("status", status))
					}
				}
			}
		}()
	}

feed:
	for _, id := range order {
		select {
		case work <- groups[id]:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	stats.Submitted = int(submitted.Load())
	stats.Accepted = int(accepted.Load())
	stats.Duplicates = int(duplicates.Load())
	stats.Failed = int(failed.Load())
}
