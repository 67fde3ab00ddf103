package hass

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jgoulah/waterscraper/internal/stats"
)

var _ stats.Store = (*Client)(nil)

// fakeHA runs a minimal Home Assistant websocket endpoint: auth
// handshake, then one handler call per command.
func fakeHA(t *testing.T, token string, handle func(req map[string]any) (any, *wsError)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrading connection: %v", err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2024.6.0"})
		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != token {
			conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
			return
		}
		conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2024.6.0"})

		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			result, callErr := handle(req)
			resp := map[string]any{"id": req["id"], "type": "result", "success": callErr == nil}
			if callErr != nil {
				resp["error"] = callErr
			} else if result != nil {
				resp["result"] = result
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func TestConnectAuthOK(t *testing.T) {
	srv := fakeHA(t, "secret", func(req map[string]any) (any, *wsError) { return nil, nil })
	defer srv.Close()

	client, err := Connect(context.Background(), srv.URL, "secret")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	client.Close()
}

func TestConnectBadToken(t *testing.T) {
	srv := fakeHA(t, "secret", func(req map[string]any) (any, *wsError) { return nil, nil })
	defer srv.Close()

	_, err := Connect(context.Background(), srv.URL, "wrong")
	if err == nil {
		t.Fatal("expected auth to fail")
	}
	if !strings.Contains(err.Error(), "Invalid access token") {
		t.Errorf("expected rejection message, got %v", err)
	}
}

func TestLatestNormalizesStartEncodings(t *testing.T) {
	const id = "waterscraper:230057301_hourly_usage"
	var gotReq map[string]any

	srv := fakeHA(t, "secret", func(req map[string]any) (any, *wsError) {
		gotReq = req
		// One ISO row, one epoch-milliseconds row, one row without a
		// sum yet. Recorder returns them oldest first.
		return map[string]any{
			id: []map[string]any{
				{"start": "2023-12-10T07:00:00+00:00", "state": 2.5, "sum": 931.18},
				{"start": 1702195200000, "state": 2.17, "sum": 933.35},
				{"start": 1702198800000, "state": nil, "sum": nil},
			},
		}, nil
	})
	defer srv.Close()

	client, err := Connect(context.Background(), srv.URL, "secret")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	points, err := client.Latest(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("querying latest: %v", err)
	}

	if gotReq["type"] != "recorder/statistics_during_period" {
		t.Errorf("unexpected command: %v", gotReq["type"])
	}
	ids, ok := gotReq["statistic_ids"].([]any)
	if !ok || len(ids) != 1 || ids[0] != id {
		t.Errorf("unexpected statistic_ids: %v", gotReq["statistic_ids"])
	}

	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if !points[0].Start.Equal(time.Date(2023, 12, 10, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("expected newest point first at 08:00Z, got %v", points[0].Start)
	}
	if points[0].Sum != 933.35 {
		t.Errorf("expected newest sum 933.35, got %v", points[0].Sum)
	}
	if !points[1].Start.Equal(time.Date(2023, 12, 10, 7, 0, 0, 0, time.UTC)) {
		t.Errorf("expected ISO row normalized to 07:00Z, got %v", points[1].Start)
	}
}

func TestLatestEmptySeries(t *testing.T) {
	srv := fakeHA(t, "secret", func(req map[string]any) (any, *wsError) {
		return map[string]any{}, nil
	})
	defer srv.Close()

	client, err := Connect(context.Background(), srv.URL, "secret")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	points, err := client.Latest(context.Background(), "waterscraper:missing", 1)
	if err != nil {
		t.Fatalf("querying latest: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("expected no points for unknown series, got %d", len(points))
	}
}

func TestUpsertSendsMetadataAndRows(t *testing.T) {
	var gotReq map[string]any

	srv := fakeHA(t, "secret", func(req map[string]any) (any, *wsError) {
		gotReq = req
		return nil, nil
	})
	defer srv.Close()

	client, err := Connect(context.Background(), srv.URL, "secret")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	meta := stats.Metadata{
		StatisticID: "waterscraper:230057301_hourly_usage",
		Name:        "Water Usage Hourly",
		Unit:        "gal",
		Source:      "waterscraper",
		HasSum:      true,
	}
	points := []stats.Point{
		{Start: time.Date(2023, 12, 10, 8, 0, 0, 0, time.UTC), Value: 2.17, Sum: 933.35},
	}
	if err := client.Upsert(context.Background(), meta, points); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	if gotReq["type"] != "recorder/import_statistics" {
		t.Errorf("unexpected command: %v", gotReq["type"])
	}
	metadata, ok := gotReq["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("missing metadata in request: %v", gotReq)
	}
	if metadata["statistic_id"] != meta.StatisticID || metadata["source"] != "waterscraper" {
		t.Errorf("unexpected metadata: %v", metadata)
	}
	if metadata["has_sum"] != true || metadata["has_mean"] != false {
		t.Errorf("unexpected sum/mean flags: %v", metadata)
	}
	if metadata["unit_of_measurement"] != "gal" {
		t.Errorf("unexpected unit: %v", metadata["unit_of_measurement"])
	}

	rows, ok := gotReq["stats"].([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected 1 stats row, got %v", gotReq["stats"])
	}
	row := rows[0].(map[string]any)
	if row["start"] != "2023-12-10T08:00:00Z" {
		t.Errorf("unexpected start: %v", row["start"])
	}
	if row["state"] != 2.17 || row["sum"] != 933.35 {
		t.Errorf("unexpected values: %v", row)
	}
}

func TestCallErrorSurfaces(t *testing.T) {
	srv := fakeHA(t, "secret", func(req map[string]any) (any, *wsError) {
		return nil, &wsError{Code: "unauthorized", Message: "not allowed"}
	})
	defer srv.Close()

	client, err := Connect(context.Background(), srv.URL, "secret")
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer client.Close()

	_, err = client.Latest(context.Background(), "waterscraper:x", 1)
	if err == nil {
		t.Fatal("expected call to fail")
	}
	if !strings.Contains(err.Error(), "not allowed") || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("expected error details, got %v", err)
	}
}
