// Package hass talks to a live Home Assistant instance over its
// websocket API and exposes the recorder's statistics tables as a
// stats.Store.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jgoulah/waterscraper/internal/stats"
)

const (
	defaultTimeout = 30 * time.Second

	// How far back Latest searches. The websocket API has no direct
	// "newest points" call, so Latest queries a trailing window and
	// keeps the tail. 62 days covers a full baseline lookback even on
	// daily series.
	defaultWindowDays = 62
)

// Client is an authenticated Home Assistant websocket session
type Client struct {
	conn       *websocket.Conn
	timeout    time.Duration
	windowDays int

	mu     sync.Mutex
	nextID int64
}

// Connect dials the Home Assistant websocket API and authenticates with
// a long-lived access token. Plain http(s) URLs are accepted and
// converted.
func Connect(ctx context.Context, rawURL, token string) (*Client, error) {
	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	client := &Client{conn: conn, timeout: defaultTimeout, windowDays: defaultWindowDays}

	var hello struct {
		Type string `json:"type"`
	}
	conn.SetReadDeadline(time.Now().Add(client.timeout))
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if hello.Type != "auth_required" {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting %q", hello.Type)
	}

	conn.SetWriteDeadline(time.Now().Add(client.timeout))
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending auth: %w", err)
	}

	var verdict struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	conn.SetReadDeadline(time.Now().Add(client.timeout))
	if err := conn.ReadJSON(&verdict); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth result: %w", err)
	}
	if verdict.Type != "auth_ok" {
		conn.Close()
		msg := verdict.Message
		if msg == "" {
			msg = verdict.Type
		}
		return nil, fmt.Errorf("authentication rejected: %s", msg)
	}

	return client, nil
}

// Close sends a normal closure and drops the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

type statRow struct {
	Start any      `json:"start"`
	Sum   *float64 `json:"sum"`
	State *float64 `json:"state"`
}

// Latest returns up to n of the newest stored points for a statistic,
// newest first. Recorder versions differ on the start encoding (epoch
// milliseconds or ISO strings); both are normalized here.
func (c *Client) Latest(ctx context.Context, statisticID string, n int) ([]stats.StoredPoint, error) {
	windowStart := time.Now().UTC().AddDate(0, 0, -c.windowDays)
	req := map[string]any{
		"type":          "recorder/statistics_during_period",
		"start_time":    windowStart.Format(time.RFC3339),
		"statistic_ids": []string{statisticID},
		"period":        "hour",
	}

	var result map[string][]statRow
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	// Rows arrive oldest first; walk backwards for the newest n.
	rows := result[statisticID]
	points := make([]stats.StoredPoint, 0, n)
	for i := len(rows) - 1; i >= 0 && len(points) < n; i-- {
		if rows[i].Sum == nil {
			continue
		}
		start, err := stats.NormalizeTimestamp(rows[i].Start)
		if err != nil {
			return nil, fmt.Errorf("normalizing statistic start: %w", err)
		}
		points = append(points, stats.StoredPoint{Start: start, Sum: *rows[i].Sum})
	}
	return points, nil
}

// Upsert imports a batch of points for one statistic. The recorder
// merges on start time, which is what makes re-imports safe.
func (c *Client) Upsert(ctx context.Context, meta stats.Metadata, points []stats.Point) error {
	rows := make([]map[string]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, map[string]any{
			"start": p.Start.UTC().Format(time.RFC3339),
			"state": p.Value,
			"sum":   p.Sum,
		})
	}

	req := map[string]any{
		"type": "recorder/import_statistics",
		"metadata": map[string]any{
			"statistic_id":        meta.StatisticID,
			"source":              meta.Source,
			"name":                meta.Name,
			"unit_of_measurement": meta.Unit,
			"has_mean":            meta.HasMean,
			"has_sum":             meta.HasSum,
		},
		"stats": rows,
	}
	return c.call(ctx, req, nil)
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResult struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *wsError        `json:"error"`
}

// call sends one command and waits for its result, skipping any event
// traffic in between. Commands are serialized; the importer's batches
// make that cheap.
func (c *Client) call(ctx context.Context, req map[string]any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	req["id"] = id

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("sending %s: %w", req["type"], err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.conn.SetReadDeadline(deadline)
		var resp wsResult
		if err := c.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("reading %s result: %w", req["type"], err)
		}
		if resp.Type != "result" || resp.ID != id {
			continue
		}
		if !resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("%s failed: %s (%s)", req["type"], resp.Error.Message, resp.Error.Code)
			}
			return fmt.Errorf("%s failed", req["type"])
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", req["type"], err)
			}
		}
		return nil
	}
}

// websocketURL converts a Home Assistant base URL into the websocket
// endpoint, leaving explicit ws:// URLs alone
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing Home Assistant URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/websocket"
	}
	return u.String(), nil
}
