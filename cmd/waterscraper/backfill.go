package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/runner"
	"github.com/jgoulah/waterscraper/internal/stats"
)

var (
	backfillStart string
	backfillEnd   string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import a range of daily totals into the statistics store",
	Long: `Fetches daily usage totals for a date range and imports them as one point
per day. Useful for seeding history before hourly data was being collected;
the hourly importer continues seamlessly from the backfilled total.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "First day of the range, YYYY-MM-DD (required)")
	backfillCmd.Flags().StringVar(&backfillEnd, "end", "", "Last day of the range, YYYY-MM-DD (default yesterday)")
	backfillCmd.MarkFlagRequired("start")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Backfill started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	loc, err := cfg.GetTimezone()
	if err != nil {
		return err
	}

	start, err := time.Parse("2006-01-02", backfillStart)
	if err != nil {
		return fmt.Errorf("parsing --start: %w", err)
	}
	end := time.Now().In(loc).AddDate(0, 0, -1)
	if backfillEnd != "" {
		end, err = time.Parse("2006-01-02", backfillEnd)
		if err != nil {
			return fmt.Errorf("parsing --end: %w", err)
		}
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := portalClient(cfg)
	if err != nil {
		return err
	}
	defer client.Logout()
	if err := loginIfNeeded(ctx, cfg, client); err != nil {
		return err
	}

	var result stats.ImportResult
	err = withAuthRetry(ctx, cfg, client, func() error {
		meter, err := resolveMeter(ctx, cfg, client)
		if err != nil {
			return err
		}

		r := runner.New(runner.Options{
			Source:   client,
			DB:       db,
			Store:    store,
			Meter:    meter,
			Prefix:   cfg.GetStatisticPrefix(),
			Location: loc,
		})

		fmt.Printf("Backfilling %s through %s...\n", start.Format("2006-01-02"), end.Format("2006-01-02"))
		result, err = r.Backfill(ctx, start, end)
		return err
	})
	if err != nil {
		return err
	}

	if result.Points == 0 {
		fmt.Println("No daily totals found for the range")
		return nil
	}

	fmt.Printf("✓ Imported %d daily points (running total %.2f gal)\n", result.Points, result.Total)
	if result.BaselineAnchored {
		fmt.Printf("  - Continued from a baseline of %.2f gal\n", result.Baseline)
	}
	return nil
}
