package acwd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/jgoulah/waterscraper/internal/config"
)

// sessionCookieName is the ASP.NET session cookie the portal issues once
// a login succeeds.
const sessionCookieName = "ASP.NET_SessionId"

// PortalURL is the browser-facing login page, used when a login or
// capture session drives a real browser.
const PortalURL = "https://portal.acwd.org/portal/default.aspx"

// ExtractCookies extracts all cookies from the current browser context
func ExtractCookies(ctx context.Context) ([]config.Cookie, error) {
	var cookies []*network.Cookie

	if err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}

	result := make([]config.Cookie, 0, len(cookies))
	for _, c := range cookies {
		result = append(result, config.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}

	return result, nil
}

// SetBrowserCookies loads saved cookies into the browser context, so a
// capture session can resume the portal login instead of starting fresh.
// Session cookies carry a negative expiry and are set without one.
func SetBrowserCookies(ctx context.Context, cookies []config.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	for _, c := range cookies {
		expr := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithHTTPOnly(c.HTTPOnly).
			WithSecure(c.Secure)

		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			expr = expr.WithExpires(&expires)
		}
		if c.SameSite != "" {
			expr = expr.WithSameSite(network.CookieSameSite(c.SameSite))
		}

		if err := chromedp.Run(ctx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				return expr.Do(ctx)
			}),
		); err != nil {
			return fmt.Errorf("setting cookie %s: %w", c.Name, err)
		}
	}

	return nil
}

// HasSession reports whether a saved cookie set still includes the
// portal's session cookie. It says nothing about whether the session is
// still alive on the server side.
func HasSession(cookies []config.Cookie) bool {
	for _, c := range cookies {
		if strings.EqualFold(c.Name, sessionCookieName) && c.Value != "" {
			return true
		}
	}
	return false
}
