package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/pkg/models"
)

var (
	listGranularity string
	listLimit       int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached usage data",
	Long:  `Displays per-day usage totals from the local cache, newest first.`,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listGranularity, "granularity", models.GranularityHourly, "Reading granularity: hourly, quarter or daily")
	listCmd.Flags().IntVar(&listLimit, "limit", 30, "Number of days to show")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	meter := cfg.Portal.Meter
	if meter == "" {
		return fmt.Errorf("no meter number in config. Run 'waterscraper login' or 'waterscraper fetch' first")
	}

	// Open database
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	totals, err := db.DayTotals(meter, listGranularity, listLimit)
	if err != nil {
		return fmt.Errorf("listing day totals: %w", err)
	}

	if len(totals) == 0 {
		fmt.Printf("No %s data cached for meter %s\n", listGranularity, meter)
		return nil
	}

	fmt.Printf("\nCached %s usage for meter %s:\n", listGranularity, meter)
	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("%-12s  %10s  %9s  %9s  %s\n", "Date", "Gallons", "Readings", "Imported", "Fetched")
	fmt.Println("----------------------------------------------------------------")

	var total float64
	for _, day := range totals {
		imported := "no"
		if day.Imported {
			imported = "yes"
		}
		fetched := ""
		if t, err := time.Parse(time.RFC3339, day.FetchedAt); err == nil {
			fetched = humanize.Time(t)
		}
		fmt.Printf("%-12s  %10.2f  %9d  %9s  %s\n", day.Date, day.Gallons, day.Readings, imported, fetched)
		total += day.Gallons
	}

	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("Total: %.2f gal (%d days)\n", total, len(totals))
	return nil
}
