package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/acwd"
)

// usagesURL is the dashboard page whose XHR calls carry the usage data.
const usagesURL = "https://portal.acwd.org/portal/Usages.aspx"

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the portal's dashboard requests for debugging",
	Long: `Opens a browser with the saved session and records the WebMethod calls the
usage dashboard makes. Useful when the portal changes its endpoints or
payloads and the scraper needs updating.`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	// Load config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if len(cfg.Portal.Cookies) == 0 {
		return fmt.Errorf("no saved session. Run 'waterscraper login --browser' first")
	}

	// Setup browser (visible)
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, 10*time.Minute)
	defer cancel()

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		return fmt.Errorf("enabling network: %w", err)
	}
	if err := acwd.SetBrowserCookies(browserCtx, cfg.Portal.Cookies); err != nil {
		return fmt.Errorf("setting cookies: %w", err)
	}

	// Set up request capture
	capturedRequests := make([]map[string]interface{}, 0)
	var capturedCSRFToken string

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			// WebMethod calls look like Usages.aspx/LoadWaterUsage
			url := ev.Request.URL
			if !strings.Contains(url, ".aspx/") {
				return
			}

			req := map[string]interface{}{
				"url":     url,
				"method":  ev.Request.Method,
				"headers": ev.Request.Headers,
			}
			if ev.Request.HasPostData {
				req["hasPostData"] = true
			}

			if token, ok := ev.Request.Headers["csrftoken"]; ok {
				if tokenStr, ok := token.(string); ok && tokenStr != "" {
					capturedCSRFToken = tokenStr
				}
			}

			capturedRequests = append(capturedRequests, req)

			fmt.Printf("\n🎯 Captured request:\n")
			fmt.Printf("   URL: %s\n", url)
			fmt.Printf("   Method: %s\n", ev.Request.Method)
			if ev.Request.HasPostData {
				fmt.Printf("   Has POST Data: true\n")
			}
		}
	})

	fmt.Printf("Navigating to %s...\n", usagesURL)
	if err := chromedp.Run(browserCtx, chromedp.Navigate(usagesURL)); err != nil {
		return fmt.Errorf("navigating: %w", err)
	}

	fmt.Println("\n📋 Instructions:")
	fmt.Println("1. Switch between the hourly, daily and monthly usage views")
	fmt.Println("2. Change dates or toggle the 15-minute view to exercise each call")
	fmt.Println("3. Press Enter here when done")
	fmt.Println()

	fmt.Scanln()

	// Display captured requests
	fmt.Println("\n=== CAPTURED REQUESTS ===")
	if len(capturedRequests) == 0 {
		fmt.Println("No dashboard requests captured.")
		fmt.Println("Make sure the usage charts loaded - the session may have expired.")
	} else {
		for i, req := range capturedRequests {
			fmt.Printf("\n--- Request #%d ---\n", i+1)
			jsonBytes, _ := json.MarshalIndent(req, "", "  ")
			fmt.Println(string(jsonBytes))
		}
	}
	fmt.Println("=========================")

	if capturedCSRFToken != "" {
		fmt.Printf("\n✓ Saw a csrftoken header (%d chars) - the scraper harvests this itself on login\n", len(capturedCSRFToken))
	}

	return nil
}
