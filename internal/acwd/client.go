package acwd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/html"

	"github.com/jgoulah/waterscraper/internal/config"
)

const (
	defaultBaseURL = "https://portal.acwd.org/portal/"
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	maxRetries = 3
	retryDelay = 2 * time.Second
)

// AuthError represents a portal authentication failure
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

// UserInfo is the account information returned by a successful login
type UserInfo struct {
	Name          string
	AccountNumber string
}

// Client talks to the ACWD customer portal over one authenticated
// session. Create a fresh client per logical operation and let it go
// when done; the portal dislikes long-lived sessions.
type Client struct {
	http     *http.Client
	baseURL  string
	username string
	password string

	csrfToken string
	userInfo  UserInfo
	meter     string
	loggedIn  bool
}

// NewClient creates a portal client for the given credentials
func NewClient(username, password string) *Client {
	return NewClientWithBaseURL(username, password, defaultBaseURL)
}

// NewClientWithBaseURL creates a portal client against a specific portal
// root, used by tests
func NewClientWithBaseURL(username, password, baseURL string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second, Jar: jar},
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

// SetMeter preloads a cached meter number so the client can skip meter
// discovery
func (c *Client) SetMeter(number string) {
	c.meter = number
}

// UserInfo returns the account information captured at login
func (c *Client) UserInfo() UserInfo {
	return c.userInfo
}

// SetCookies seeds the session with cookies captured from a browser
// login, so usage endpoints can be called without re-authenticating.
// Session cookies come out of the browser with a negative expiry and
// must not be given one here or the jar would discard them.
func (c *Client) SetCookies(cookies []config.Cookie) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parsing portal URL: %w", err)
	}
	httpCookies := make([]*http.Cookie, 0, len(cookies))
	for _, cookie := range cookies {
		hc := &http.Cookie{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			HttpOnly: cookie.HTTPOnly,
			Secure:   cookie.Secure,
		}
		if cookie.Expires > 0 {
			hc.Expires = time.Unix(int64(cookie.Expires), 0)
		}
		httpCookies = append(httpCookies, hc)
	}
	c.http.Jar.SetCookies(u, httpCookies)
	if len(httpCookies) > 0 {
		c.loggedIn = true
	}
	return nil
}

// Login authenticates against the portal: load the login page for the
// CSRF token, warm up the ASP.NET session state, validate credentials,
// then load the account's dashboard page to finish session setup.
func (c *Client) Login(ctx context.Context) error {
	fields, err := c.hiddenFields(ctx, "")
	if err != nil {
		return fmt.Errorf("loading login page: %w", err)
	}
	csrf := fields["hdnCSRFToken"]
	if csrf == "" {
		return fmt.Errorf("no CSRF token on login page")
	}
	c.csrfToken = csrf

	// Best effort, the portal works without it most days.
	_, _ = c.postWebMethod(ctx, "default.aspx/updateState", map[string]any{}, map[string]string{"CSRFToken": csrf})

	payload := map[string]any{
		"username":            c.username,
		"password":            c.password,
		"rememberme":          false,
		"calledFrom":          "LN",
		"ExternalLoginId":     "",
		"LoginMode":           "1",
		"utilityAcountNumber": "",
		"isEdgeBrowser":       false,
	}
	inner, err := c.postWebMethod(ctx, "default.aspx/validateLogin", payload, map[string]string{"CSRFToken": csrf})
	if err != nil {
		return fmt.Errorf("validating login: %w", err)
	}

	if string(inner) == "Migrated User Found" {
		return &AuthError{Message: "account requires migration on the portal website"}
	}

	// Failures come back as an object holding a dtResponse table.
	var failure struct {
		DtResponse []struct {
			Message string `json:"Message"`
		} `json:"dtResponse"`
	}
	if err := json.Unmarshal(inner, &failure); err == nil && len(failure.DtResponse) > 0 {
		msg := failure.DtResponse[0].Message
		if msg == "" {
			msg = "invalid username or password"
		}
		return &AuthError{Message: "login failed: " + msg}
	}

	var rows []loginRow
	if err := json.Unmarshal(inner, &rows); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("empty login response")
	}
	row := rows[0]
	if row.Status.String() != "1" {
		msg := row.Message
		if msg == "" {
			msg = "invalid username or password"
		}
		return &AuthError{Message: "login failed: " + msg}
	}

	c.userInfo = UserInfo{
		Name:          row.Name,
		AccountNumber: row.AccountNumber.String(),
	}
	c.loggedIn = true

	// Loading the dashboard completes session setup; which page depends
	// on the account's portal version.
	dashboard := "Dashboard.aspx"
	switch row.DashboardOption.String() {
	case "2":
		dashboard = "DashboardCustom.aspx"
	case "3":
		dashboard = "DashboardCustom3_3.aspx"
	}
	if resp, err := c.request(ctx, http.MethodGet, c.baseURL+dashboard, nil, nil); err == nil {
		resp.Body.Close()
	}
	return nil
}

// Logout drops the session
func (c *Client) Logout() {
	c.http.CloseIdleConnections()
	c.loggedIn = false
}

type loginRow struct {
	Status          flexString `json:"STATUS"`
	Message         string     `json:"Message"`
	Name            string     `json:"Name"`
	AccountNumber   flexString `json:"AccountNumber"`
	DashboardOption flexString `json:"DashboardOption"`
}

// request performs one HTTP call with retries against the portal's
// flakier endpoints. The body is re-sent from scratch on each attempt.
func (c *Client) request(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// postWebMethod calls an ASP.NET page method and unwraps the WebMethod
// envelope: the response object's "d" member is a string holding the
// real JSON payload.
func (c *Client) postWebMethod(ctx context.Context, page string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", page, err)
	}

	all := map[string]string{
		"Content-Type":     "application/json; charset=UTF-8",
		"X-Requested-With": "XMLHttpRequest",
		"Referer":          c.baseURL,
	}
	for k, v := range headers {
		all[k] = v
	}

	resp, err := c.request(ctx, http.MethodPost, c.baseURL+page, body, all)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", page, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", page, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("portal rejected %s (status %d)", page, resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", page, resp.StatusCode, truncate(raw, 200))
	}

	var envelope struct {
		D string `json:"d"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding %s envelope: %w", page, err)
	}
	return []byte(envelope.D), nil
}

// hiddenFields loads a portal page and returns every hidden form input
// on it, keyed by name (falling back to id)
func (c *Client) hiddenFields(ctx context.Context, page string) (map[string]string, error) {
	resp, err := c.request(ctx, http.MethodGet, c.baseURL+page, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal page returned status %d", resp.StatusCode)
	}
	return parseHiddenInputs(resp.Body)
}

func parseHiddenInputs(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing portal page: %w", err)
	}

	fields := make(map[string]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var typ, name, id, value string
			for _, a := range n.Attr {
				switch a.Key {
				case "type":
					typ = a.Val
				case "name":
					name = a.Val
				case "id":
					id = a.Val
				case "value":
					value = a.Val
				}
			}
			if typ == "hidden" {
				switch {
				case name != "":
					fields[name] = value
				case id != "":
					fields[id] = value
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return fields, nil
}

// refreshCSRF pulls the per-page token off the usage page. The portal
// rotates tokens between pages and the login token stops working there.
func (c *Client) refreshCSRF(ctx context.Context) {
	fields, err := c.hiddenFields(ctx, "usages.aspx?type=WU")
	if err != nil {
		return // keep the existing token
	}
	if tok := fields["hdnCSRFToken"]; tok != "" {
		c.csrfToken = tok
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
