package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var debugDate string

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Call the portal endpoints and dump their responses",
	Long: `Logs in, calls each portal endpoint the scraper depends on, and prints the
parsed responses. Useful for checking whether the portal still answers the
way the scraper expects.`,
	RunE: runDebug,
}

func init() {
	debugCmd.Flags().StringVar(&debugDate, "date", "", "Day to fetch hourly readings for, YYYY-MM-DD (default yesterday)")
	rootCmd.AddCommand(debugCmd)
}

func runDebug(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	loc, err := cfg.GetTimezone()
	if err != nil {
		return err
	}

	day := time.Now().In(loc).AddDate(0, 0, -1)
	if debugDate != "" {
		day, err = time.Parse("2006-01-02", debugDate)
		if err != nil {
			return fmt.Errorf("parsing --date: %w", err)
		}
	}

	client, err := portalClient(cfg)
	if err != nil {
		return err
	}
	defer client.Logout()

	ctx := context.Background()
	if err := loginIfNeeded(ctx, cfg, client); err != nil {
		return err
	}

	return withAuthRetry(ctx, cfg, client, func() error {
		info := client.UserInfo()
		fmt.Println("\n=== Account ===")
		fmt.Printf("Name: %s\nAccount: %s\n", info.Name, info.AccountNumber)

		meters, err := client.Meters(ctx)
		if err != nil {
			return fmt.Errorf("listing meters: %w", err)
		}
		fmt.Println("\n=== Meters ===")
		dump(meters)

		summary, err := client.BillingSummary(ctx)
		if err != nil {
			return fmt.Errorf("fetching billing summary: %w", err)
		}
		fmt.Println("\n=== Billing dashboard ===")
		dump(summary)

		readings, err := client.HourlyUsage(ctx, day)
		if err != nil {
			return fmt.Errorf("fetching hourly usage: %w", err)
		}
		fmt.Printf("\n=== Hourly readings for %s (%d) ===\n", day.Format("2006-01-02"), len(readings))
		dump(readings)
		return nil
	})
}

func dump(v interface{}) {
	jsonBytes, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(jsonBytes))
}
