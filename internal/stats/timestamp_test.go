package stats

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeTimestampForms(t *testing.T) {
	want := time.Date(2023, 12, 10, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   any
	}{
		{"epoch seconds", float64(1702195200)},
		{"epoch milliseconds", float64(1702195200000)},
		{"int epoch", int64(1702195200)},
		{"json number", json.Number("1702195200")},
		{"rfc3339 utc", "2023-12-10T08:00:00+00:00"},
		{"rfc3339 offset", "2023-12-10T00:00:00-08:00"},
		{"numeric string", "1702195200"},
		{"instant", time.Date(2023, 12, 10, 0, 0, 0, 0, time.FixedZone("PST", -8*3600))},
	}
	for _, tc := range cases {
		got, err := NormalizeTimestamp(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, want, got)
		}
	}
}

func TestNormalizeTimestampFractionalSeconds(t *testing.T) {
	got, err := NormalizeTimestamp(float64(1702195200.5))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := time.Date(2023, 12, 10, 8, 0, 0, 500000000, time.UTC)
	if got.Sub(want) > time.Millisecond || want.Sub(got) > time.Millisecond {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNormalizeTimestampRejectsGarbage(t *testing.T) {
	if _, err := NormalizeTimestamp("last tuesday"); err == nil {
		t.Fatal("expected an error for an unparseable string")
	}
	if _, err := NormalizeTimestamp(struct{}{}); err == nil {
		t.Fatal("expected an error for an unsupported type")
	}
}
