package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/acwd"
	"github.com/jgoulah/waterscraper/internal/config"
	"github.com/jgoulah/waterscraper/internal/publisher"
	"github.com/jgoulah/waterscraper/internal/runner"
	"github.com/jgoulah/waterscraper/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic import loop",
	Long: `Keeps Home Assistant statistics current. Every interval the loop imports
today's partial usage, re-imports yesterday until the morning cutoff, and
publishes the billing dashboard sensors over MQTT when enabled. Prometheus
metrics and a health endpoint are served on the metrics listen address.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Printf("=== Serve started at %s ===\n", time.Now().Format("2006-01-02 15:04:05 MST"))

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	loc, err := cfg.GetTimezone()
	if err != nil {
		return err
	}

	if cfg.Serve.QuarterHourly && !cfg.RecorderDB.Enabled {
		return fmt.Errorf("quarter_hourly serving needs the recorder_db store; the websocket API only accepts hour-aligned statistics")
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	meter, err := resolveMeter(ctx, cfg, client)
	if err != nil {
		return err
	}

	source := &reloginSource{client: client, cfg: cfg}

	r := runner.New(runner.Options{
		Source:   source,
		DB:       db,
		Store:    store,
		Meter:    meter,
		Prefix:   cfg.GetStatisticPrefix(),
		Location: loc,
	})

	opts := runner.LoopOptions{
		Interval:      cfg.GetServeInterval(),
		MorningCutoff: cfg.GetMorningCutoff(),
		QuarterHourly: cfg.Serve.QuarterHourly,
		Logger:        log.New(os.Stdout, "", log.LstdFlags),
	}
	if cfg.MQTT.Enabled && cfg.Serve.PublishSensors {
		pub, err := publisher.New(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer pub.Close()
		opts.Dashboard = source
		opts.Publisher = pub
	}

	loop := runner.NewLoop(r, opts)
	fmt.Printf("Serving metrics on %s, importing every %s\n", cfg.GetMetricsListen(), cfg.GetServeInterval())
	return loop.Run(ctx, cfg.GetMetricsListen())
}

// reloginSource wraps the portal client so a long-running serve loop
// survives session expiry: a rejected call triggers one fresh login and
// a retry.
type reloginSource struct {
	client *acwd.Client
	cfg    *config.Config
}

func (s *reloginSource) HourlyUsage(ctx context.Context, day time.Time) ([]acwd.HourlyReading, error) {
	readings, err := s.client.HourlyUsage(ctx, day)
	if s.retryable(ctx, err) {
		return s.client.HourlyUsage(ctx, day)
	}
	return readings, err
}

func (s *reloginSource) QuarterHourlyUsage(ctx context.Context, day time.Time) ([]acwd.QuarterReading, error) {
	readings, err := s.client.QuarterHourlyUsage(ctx, day)
	if s.retryable(ctx, err) {
		return s.client.QuarterHourlyUsage(ctx, day)
	}
	return readings, err
}

func (s *reloginSource) DailyUsage(ctx context.Context, from, to time.Time) ([]acwd.DailyReading, error) {
	readings, err := s.client.DailyUsage(ctx, from, to)
	if s.retryable(ctx, err) {
		return s.client.DailyUsage(ctx, from, to)
	}
	return readings, err
}

func (s *reloginSource) BillingSummary(ctx context.Context) (*models.DashboardSummary, error) {
	summary, err := s.client.BillingSummary(ctx)
	if s.retryable(ctx, err) {
		return s.client.BillingSummary(ctx)
	}
	return summary, err
}

// retryable reports whether err was an auth rejection that a fresh
// login has since cleared.
func (s *reloginSource) retryable(ctx context.Context, err error) bool {
	var authErr *acwd.AuthError
	if !errors.As(err, &authErr) {
		return false
	}
	if s.cfg.Portal.Username == "" || s.cfg.Portal.Password == "" {
		return false
	}
	return s.client.Login(ctx) == nil
}
