package acwd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jgoulah/waterscraper/pkg/models"
)

// Portal aggregation modes for LoadWaterUsage.
const (
	ModeBilling = "B"
	ModeDaily   = "D"
	ModeHourly  = "H"
	ModeMonthly = "M"
	ModeYearly  = "Y"
)

// HCFToGallons converts the portal's billing unit (hundred cubic feet)
// to gallons. Interval rows already arrive in gallons; only the
// dashboard aggregates use HCF.
const HCFToGallons = 748

// HourlyReading is one hour's usage as reported by portal mode H
type HourlyReading struct {
	Label   string  // 12-hour clock, e.g. "12:00 AM"
	Gallons float64
}

// QuarterReading is one 15-minute interval from portal mode H with the
// quarter-hour flavor
type QuarterReading struct {
	Hour    int
	Minute  int // 0, 15, 30 or 45
	Gallons float64
}

// DailyReading is one day's total from portal mode D
type DailyReading struct {
	Date    string // "January 2, 2006"
	Gallons float64
}

type usageRow struct {
	Hourly        string     `json:"Hourly"`
	Hour          int        `json:"Hour"`
	Minute        int        `json:"Minute"`
	UsageDate     string     `json:"UsageDate"`
	UsageValue    float64    `json:"UsageValue"`
	FromDate      string     `json:"FromDate"`
	ToDate        string     `json:"ToDate"`
	ServiceCharge flexString `json:"ServiceCharge"`
	HighUsage     flexBool   `json:"HighUsage"`
}

type tentativeRow struct {
	SoFar         float64 `json:"SoFar"`
	ExpectedUsage float64 `json:"ExpectedUsage"`
	Average       float64 `json:"Average"`
	Highest       float64 `json:"Highest"`
}

type usagePayload struct {
	UsageRows []usageRow     `json:"objUsageGenerationResultSetTwo"`
	Tentative []tentativeRow `json:"getTentativeData"`
}

type usageQuery struct {
	mode       string
	strDate    string
	hourlyType string
	dateFrom   string
	dateTo     string
}

// HourlyUsage returns the day's hourly readings in gallons, in portal
// order. The portal reports with up to a 24 hour delay; an empty slice
// means the day has not been reported yet, not a failure.
func (c *Client) HourlyUsage(ctx context.Context, day time.Time) ([]HourlyReading, error) {
	data, err := c.loadWaterUsage(ctx, usageQuery{mode: ModeHourly, strDate: portalLongDate(day), hourlyType: "H"})
	if err != nil {
		return nil, err
	}
	readings := make([]HourlyReading, 0, len(data.UsageRows))
	for _, row := range data.UsageRows {
		readings = append(readings, HourlyReading{Label: row.Hourly, Gallons: row.UsageValue})
	}
	return readings, nil
}

// QuarterHourlyUsage returns the day's 15-minute readings in gallons
func (c *Client) QuarterHourlyUsage(ctx context.Context, day time.Time) ([]QuarterReading, error) {
	data, err := c.loadWaterUsage(ctx, usageQuery{mode: ModeHourly, strDate: portalLongDate(day), hourlyType: "Q"})
	if err != nil {
		return nil, err
	}
	readings := make([]QuarterReading, 0, len(data.UsageRows))
	for _, row := range data.UsageRows {
		readings = append(readings, QuarterReading{Hour: row.Hour, Minute: row.Minute, Gallons: row.UsageValue})
	}
	return readings, nil
}

// DailyUsage returns per-day totals for an inclusive date range
func (c *Client) DailyUsage(ctx context.Context, from, to time.Time) ([]DailyReading, error) {
	data, err := c.loadWaterUsage(ctx, usageQuery{
		mode:       ModeDaily,
		hourlyType: "H",
		dateFrom:   portalShortDate(from),
		dateTo:     portalShortDate(to),
	})
	if err != nil {
		return nil, err
	}
	readings := make([]DailyReading, 0, len(data.UsageRows))
	for _, row := range data.UsageRows {
		readings = append(readings, DailyReading{Date: row.UsageDate, Gallons: row.UsageValue})
	}
	return readings, nil
}

// BillingSummary fetches the billing-cycle dashboard aggregates. The
// portal reports these in HCF; they are converted to gallons here.
func (c *Client) BillingSummary(ctx context.Context) (*models.DashboardSummary, error) {
	data, err := c.loadWaterUsage(ctx, usageQuery{mode: ModeBilling, hourlyType: "H"})
	if err != nil {
		return nil, err
	}
	if len(data.Tentative) == 0 && len(data.UsageRows) == 0 {
		return nil, fmt.Errorf("portal returned no billing data")
	}

	summary := &models.DashboardSummary{FetchedAt: time.Now()}
	if len(data.Tentative) > 0 {
		t := data.Tentative[0]
		summary.SoFarGallons = round2(t.SoFar * HCFToGallons)
		summary.ProjectedGallons = round2(t.ExpectedUsage * HCFToGallons)
		summary.AverageGallons = round2(t.Average * HCFToGallons)
		summary.HighestGallons = round2(t.Highest * HCFToGallons)
	}
	if len(data.UsageRows) > 0 {
		last := data.UsageRows[len(data.UsageRows)-1]
		summary.LastCycleGallons = round2(last.UsageValue * HCFToGallons)
		summary.LastCycleFrom = last.FromDate
		summary.LastCycleTo = last.ToDate
		summary.ServiceCharge = last.ServiceCharge.String()
		summary.HighUsage = bool(last.HighUsage)
	}
	return summary, nil
}

// Meters lists the water meters on the account
func (c *Client) Meters(ctx context.Context) ([]models.Meter, error) {
	if !c.loggedIn {
		return nil, fmt.Errorf("not logged in")
	}
	c.refreshCSRF(ctx)

	inner, err := c.postWebMethod(ctx, "Usages.aspx/BindMultiMeter", map[string]string{"MeterType": "W"}, c.usageHeaders())
	if err != nil {
		return nil, fmt.Errorf("listing meters: %w", err)
	}

	var data struct {
		MeterDetails []struct {
			MeterNumber string   `json:"MeterNumber"`
			MeterType   string   `json:"MeterType"`
			IsAMI       flexBool `json:"IsAMI"`
			MeterStatus string   `json:"MeterStatus"`
		} `json:"MeterDetails"`
	}
	if err := json.Unmarshal(inner, &data); err != nil {
		return nil, fmt.Errorf("decoding meter list: %w", err)
	}

	meters := make([]models.Meter, 0, len(data.MeterDetails))
	for _, m := range data.MeterDetails {
		meters = append(meters, models.Meter{
			Number: m.MeterNumber,
			Type:   m.MeterType,
			IsAMI:  bool(m.IsAMI),
			Status: m.MeterStatus,
		})
	}
	return meters, nil
}

// Meter returns the account's AMI water meter number, discovering and
// caching it on first use. Accounts without an AMI meter fall back to
// the first meter listed.
func (c *Client) Meter(ctx context.Context) (string, error) {
	if c.meter != "" {
		return c.meter, nil
	}
	meters, err := c.Meters(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range meters {
		if m.IsAMI && m.Type == "W" {
			c.meter = m.Number
			return c.meter, nil
		}
	}
	if len(meters) > 0 {
		c.meter = meters[0].Number
		return c.meter, nil
	}
	return "", fmt.Errorf("no water meters on account")
}

func (c *Client) loadWaterUsage(ctx context.Context, q usageQuery) (*usagePayload, error) {
	if !c.loggedIn {
		return nil, fmt.Errorf("not logged in")
	}
	c.refreshCSRF(ctx)

	// The meter number is not in the login response; discover it once.
	meter := c.meter
	if meter == "" {
		if m, err := c.Meter(ctx); err == nil {
			meter = m
		}
	}

	// Billing mode wants an empty seasonId, every other mode a zero.
	var seasonID any = 0
	if q.mode == ModeBilling {
		seasonID = ""
	}

	payload := map[string]any{
		"Type":           "G",
		"Mode":           q.mode,
		"strDate":        q.strDate,
		"hourlyType":     q.hourlyType,
		"seasonId":       seasonID,
		"weatherOverlay": 0,
		"usageyear":      "",
		"MeterNumber":    meter,
		"DateFromDaily":  q.dateFrom,
		"DateToDaily":    q.dateTo,
		"isNoDashboard":  true,
	}

	inner, err := c.postWebMethod(ctx, "Usages.aspx/LoadWaterUsage", payload, c.usageHeaders())
	if err != nil {
		return nil, fmt.Errorf("loading usage data: %w", err)
	}

	var data usagePayload
	if err := json.Unmarshal(inner, &data); err != nil {
		return nil, fmt.Errorf("decoding usage payload: %w", err)
	}
	return &data, nil
}

func (c *Client) usageHeaders() map[string]string {
	headers := map[string]string{
		"Referer": c.baseURL + "usages.aspx?type=WU",
		"isajax":  "1",
	}
	if c.csrfToken != "" {
		headers["csrftoken"] = c.csrfToken
	}
	return headers
}

// portalLongDate renders "December 4, 2025", the format LoadWaterUsage
// expects for strDate
func portalLongDate(t time.Time) string {
	return t.Format("January 2, 2006")
}

// portalShortDate renders MM/DD/YYYY for the daily range parameters
func portalShortDate(t time.Time) string {
	return t.Format("01/02/2006")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
