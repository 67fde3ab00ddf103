package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/runner"
	"github.com/jgoulah/waterscraper/pkg/models"
)

var (
	fetchDays    int
	fetchQuarter bool
	fetchDaily   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch usage data from the water portal",
	Long: `Scrapes hourly water usage from the portal into the local SQLite cache.
Days that are already cached are skipped. The portal publishes complete days
with a one-day lag, so the newest day fetched is yesterday.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().IntVar(&fetchDays, "days", 0, "Number of days back to fetch (default from config)")
	fetchCmd.Flags().BoolVar(&fetchQuarter, "quarter", false, "Also fetch quarter-hourly readings")
	fetchCmd.Flags().BoolVar(&fetchDaily, "daily", false, "Also fetch daily totals for the window")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Fetch started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	// Load config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	loc, err := cfg.GetTimezone()
	if err != nil {
		return err
	}

	days := fetchDays
	if days <= 0 {
		days = cfg.GetDaysToFetch()
	}

	// Open database
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	client, err := portalClient(cfg)
	if err != nil {
		return err
	}
	defer client.Logout()

	ctx := context.Background()
	if err := loginIfNeeded(ctx, cfg, client); err != nil {
		return err
	}

	granularities := []string{models.GranularityHourly}
	if fetchQuarter {
		granularities = append(granularities, models.GranularityQuarter)
	}

	fetched := 0
	skipped := 0
	err = withAuthRetry(ctx, cfg, client, func() error {
		meter, err := resolveMeter(ctx, cfg, client)
		if err != nil {
			return err
		}

		r := runner.New(runner.Options{
			Source:   client,
			DB:       db,
			Meter:    meter,
			Prefix:   cfg.GetStatisticPrefix(),
			Location: loc,
		})

		fmt.Printf("Fetching the last %d days for meter %s...\n", days, meter)
		for i := 1; i <= days; i++ {
			day := time.Now().In(loc).AddDate(0, 0, -i)
			date := day.Format("2006-01-02")
			for _, gran := range granularities {
				cached, err := db.HasDay(meter, gran, date)
				if err != nil {
					return fmt.Errorf("checking cache for %s: %w", date, err)
				}
				if cached {
					skipped++
					continue
				}
				n, err := r.FetchDay(ctx, day, gran)
				if err != nil {
					return fmt.Errorf("fetching %s usage for %s: %w", gran, date, err)
				}
				fmt.Printf("  %s: %d %s readings\n", date, n, gran)
				fetched += n
			}
		}

		// Daily totals come back in one range call, so no per-day skip.
		if fetchDaily {
			from := time.Now().In(loc).AddDate(0, 0, -days)
			to := time.Now().In(loc).AddDate(0, 0, -1)
			n, err := r.FetchDaily(ctx, from, to)
			if err != nil {
				return fmt.Errorf("fetching daily totals: %w", err)
			}
			fmt.Printf("  daily: %d new readings over %d days\n", n, days)
			fetched += n
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Cached %d new readings (%d already cached)\n", fetched, skipped)
	return nil
}
