package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/acwd"
	"github.com/jgoulah/waterscraper/internal/config"
)

var loginBrowser bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the water portal and save the session",
	Long: `Verifies the portal credentials over HTTP and saves the discovered account
and meter numbers to the config file.

With --browser, opens a browser window for a manual login instead and captures
the session cookies. Use this when the portal asks for verification steps the
direct login cannot answer.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&loginBrowser, "browser", false, "Open a browser window and capture the session manually")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if loginBrowser {
		return runBrowserLogin(cfg)
	}

	if cfg.Portal.Username == "" || cfg.Portal.Password == "" {
		return fmt.Errorf("no portal credentials in %s. Add portal username/password or use --browser", getConfigPath())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := acwd.NewClient(cfg.Portal.Username, cfg.Portal.Password)

	fmt.Println("Logging in to the water portal...")
	if err := client.Login(ctx); err != nil {
		return fmt.Errorf("portal login: %w", err)
	}
	defer client.Logout()

	info := client.UserInfo()
	cfg.Portal.Account = info.AccountNumber

	meter, err := client.Meter(ctx)
	if err != nil {
		fmt.Printf("⚠ Could not discover the water meter: %v\n", err)
	} else {
		cfg.Portal.Meter = meter
	}

	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("✓ Logged in as %s (account %s)\n", info.Name, info.AccountNumber)
	if meter != "" {
		fmt.Printf("✓ Water meter %s saved to config\n", meter)
	}
	return nil
}

func runBrowserLogin(cfg *config.Config) error {
	fmt.Println("Opening browser for portal login...")
	fmt.Println("Please log in manually in the browser window.")
	fmt.Println("Then press Enter here to save the session...")

	// Create a visible browser context
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancel()

	ctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// Set a longer timeout for user to login
	ctx, cancel = context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(acwd.PortalURL)); err != nil {
		return fmt.Errorf("navigating to login page: %w", err)
	}

	// Wait for user to press Enter
	fmt.Scanln()

	fmt.Println("Extracting cookies...")
	cookies, err := acwd.ExtractCookies(ctx)
	if err != nil {
		return fmt.Errorf("extracting cookies: %w", err)
	}

	if len(cookies) == 0 {
		return fmt.Errorf("no cookies found - make sure you're logged in")
	}
	if !acwd.HasSession(cookies) {
		fmt.Println("⚠ Warning: no portal session cookie captured - the login may not have completed")
	}

	cfg.Portal.Cookies = cookies
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("✓ Successfully saved %d cookies\n", len(cookies))
	return nil
}
