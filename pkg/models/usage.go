package models

import "time"

// Cache granularities. These also name the statistic series, so changing
// one orphans previously imported sums.
const (
	GranularityHourly  = "hourly"
	GranularityQuarter = "quarter"
	GranularityDaily   = "daily"
)

// WaterReading represents one scraped usage interval as cached locally
type WaterReading struct {
	ID          int       `json:"id"`
	Meter       string    `json:"meter"`
	Granularity string    `json:"granularity"` // "hourly", "quarter" or "daily"
	Date        string    `json:"date"`        // local calendar day, YYYY-MM-DD
	Label       string    `json:"label"`       // portal time label, e.g. "12:00 AM"
	Hour        int       `json:"hour"`
	Minute      int       `json:"minute"`
	Gallons     float64   `json:"gallons"`
	FetchedAt   time.Time `json:"fetched_at"`
	Imported    bool      `json:"imported"` // statistics import completed
}

// Meter describes one water meter on the account
type Meter struct {
	Number string `json:"number"`
	Type   string `json:"type"` // "W" for water
	IsAMI  bool   `json:"is_ami"`
	Status string `json:"status"`
}

// DashboardSummary carries the billing-cycle aggregates shown on the
// portal dashboard, used for the live sensors.
type DashboardSummary struct {
	SoFarGallons     float64   `json:"so_far_gallons"`
	ProjectedGallons float64   `json:"projected_gallons"`
	LastCycleGallons float64   `json:"last_cycle_gallons"`
	LastCycleFrom    string    `json:"last_cycle_from"`
	LastCycleTo      string    `json:"last_cycle_to"`
	ServiceCharge    string    `json:"service_charge"`
	HighUsage        bool      `json:"high_usage"`
	AverageGallons   float64   `json:"average_gallons"`
	HighestGallons   float64   `json:"highest_gallons"`
	FetchedAt        time.Time `json:"fetched_at"`
}
