package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/acwd"
	"github.com/jgoulah/waterscraper/internal/config"
	"github.com/jgoulah/waterscraper/internal/database"
	"github.com/jgoulah/waterscraper/internal/hass"
	"github.com/jgoulah/waterscraper/internal/recorder"
	"github.com/jgoulah/waterscraper/internal/stats"
)

var (
	cfgFile string
	dbPath  string
)

var rootCmd = &cobra.Command{
	Use:   "waterscraper",
	Short: "Scrape water usage data from the ACWD customer portal",
	Long: `WaterScraper is a CLI tool to collect water usage data from the ACWD customer
portal. It replays the portal's own dashboard requests to extract hourly and
quarter-hourly gallon readings, caches them in a local SQLite database, and
imports them into Home Assistant long-term statistics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file (default is ./data.db)")
}

// getConfigPath returns the config file path
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// getDBPath returns the database file path (local directory)
func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	return "data.db"
}

// loadConfig loads the configuration file
func loadConfig() (*config.Config, error) {
	return config.Load(getConfigPath())
}

// saveConfig saves the configuration file
func saveConfig(cfg *config.Config) error {
	return config.Save(getConfigPath(), cfg)
}

// openDB opens the database connection
func openDB() (*database.DB, error) {
	path := getDBPath()

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	return database.New(path)
}

// statsStore is a statistics store that must be closed after use.
type statsStore interface {
	stats.Store
	Close() error
}

// openStore connects to whichever statistics store the config enables.
// The websocket API is preferred; the recorder database is for installs
// where it is unreachable or where quarter-hourly points are wanted.
func openStore(ctx context.Context, cfg *config.Config) (statsStore, error) {
	switch {
	case cfg.HomeAssistant.Enabled:
		return hass.Connect(ctx, cfg.HomeAssistant.URL, cfg.HomeAssistant.Token)
	case cfg.RecorderDB.Enabled:
		return recorder.Open(cfg.RecorderDB.Driver, cfg.RecorderDB.DSN)
	default:
		return nil, fmt.Errorf("no statistics store configured: enable home_assistant or recorder_db in %s", getConfigPath())
	}
}

// portalClient builds a client from the config. Saved session cookies
// are seeded so a recent browser login is reused without
// re-authenticating.
func portalClient(cfg *config.Config) (*acwd.Client, error) {
	client := acwd.NewClient(cfg.Portal.Username, cfg.Portal.Password)
	if len(cfg.Portal.Cookies) > 0 {
		if err := client.SetCookies(cfg.Portal.Cookies); err != nil {
			return nil, fmt.Errorf("seeding session cookies: %w", err)
		}
	}
	if cfg.Portal.Meter != "" {
		client.SetMeter(cfg.Portal.Meter)
	}
	return client, nil
}

// loginIfNeeded authenticates when no reusable session was seeded
func loginIfNeeded(ctx context.Context, cfg *config.Config, client *acwd.Client) error {
	if acwd.HasSession(cfg.Portal.Cookies) {
		fmt.Println("✓ Using saved session cookies")
		return nil
	}
	if cfg.Portal.Username == "" || cfg.Portal.Password == "" {
		return fmt.Errorf("no portal credentials in %s. Add portal username/password or run 'waterscraper login --browser'", getConfigPath())
	}
	fmt.Println("No saved session, logging in with credentials...")
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("portal login: %w", err)
	}
	rememberAccount(cfg, client)
	return nil
}

// rememberAccount caches the account number discovered during login so
// later runs and the list command can work from config alone.
func rememberAccount(cfg *config.Config, client *acwd.Client) {
	info := client.UserInfo()
	if info.AccountNumber == "" || cfg.Portal.Account == info.AccountNumber {
		return
	}
	cfg.Portal.Account = info.AccountNumber
	if err := saveConfig(cfg); err != nil {
		fmt.Printf("⚠ Could not save account number: %v\n", err)
	}
}

// resolveMeter returns the water meter number, discovering it from the
// portal and persisting it on first use.
func resolveMeter(ctx context.Context, cfg *config.Config, client *acwd.Client) (string, error) {
	if cfg.Portal.Meter != "" {
		return cfg.Portal.Meter, nil
	}
	meter, err := client.Meter(ctx)
	if err != nil {
		return "", fmt.Errorf("discovering water meter: %w", err)
	}
	cfg.Portal.Meter = meter
	if err := saveConfig(cfg); err != nil {
		fmt.Printf("⚠ Could not save meter number: %v\n", err)
	}
	return meter, nil
}

// withAuthRetry runs fn and, when the portal rejects the session,
// re-authenticates once and retries. Browser sessions go stale after
// roughly twenty minutes idle, so this is the common path for saved
// cookies.
func withAuthRetry(ctx context.Context, cfg *config.Config, client *acwd.Client, fn func() error) error {
	err := fn()
	var authErr *acwd.AuthError
	if !errors.As(err, &authErr) {
		return err
	}
	if cfg.Portal.Username == "" || cfg.Portal.Password == "" {
		return fmt.Errorf("%w (add portal username/password to config for automatic re-login)", err)
	}
	fmt.Printf("⚠ Session rejected: %v\n", err)
	fmt.Println("Retrying with a fresh login...")
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("refreshing login: %w", err)
	}
	rememberAccount(cfg, client)
	return fn()
}
