package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/publisher"
	"github.com/jgoulah/waterscraper/pkg/models"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the billing dashboard to MQTT",
	Long: `Fetches the portal's billing dashboard and publishes its figures as Home
Assistant MQTT sensors. Discovery configs are sent first, so the sensors
appear without any manual Home Assistant configuration.`,
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Publish started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	// Load config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Check if MQTT is configured
	if !cfg.MQTT.Enabled {
		return fmt.Errorf("MQTT is not enabled in config")
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

	var meter string
	var summary *models.DashboardSummary
	err = withAuthRetry(ctx, cfg, client, func() error {
		var err error
		meter, err = resolveMeter(ctx, cfg, client)
		if err != nil {
			return err
		}
		summary, err = client.BillingSummary(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching billing dashboard: %w", err)
	}

	pub, err := publisher.New(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer pub.Close()

	if err := pub.PublishDiscovery(meter); err != nil {
		return fmt.Errorf("publishing discovery configs: %w", err)
	}
	if err := pub.PublishSummary(meter, summary); err != nil {
		return fmt.Errorf("publishing sensor states: %w", err)
	}

	fmt.Printf("✓ Published dashboard sensors for meter %s\n", meter)
	fmt.Printf("  - This cycle so far: %.0f gal\n", summary.SoFarGallons)
	fmt.Printf("  - Projected:         %.0f gal\n", summary.ProjectedGallons)
	fmt.Printf("  - Last cycle:        %.0f gal\n", summary.LastCycleGallons)
	if summary.HighUsage {
		fmt.Println("  ⚠ The portal flags this cycle as high usage")
	}
	return nil
}
