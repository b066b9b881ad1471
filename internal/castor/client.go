// Package castor retrieves study definitions and values from the Castor EDC
// REST API, either through its bulk export feeds or through the paginated
// record and field endpoints.
package castor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	cerrors "github.com/castorsql/castorsql/internal/errors"
)

// DefaultBaseURL is the Castor EDC host.
const DefaultBaseURL = "https://data.castoredc.com"

// Config holds client settings.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	PageSize     int
	Timeout      time.Duration
	MaxRetries   int
	Verbose      bool
}

// Client is an authenticated Castor API client.
type Client struct {
	apiURL     string
	http       *http.Client
	pageSize   int
	maxRetries int
	verbose    bool
	logger     *log.Logger
}

// NewClient fetches an access token with the client-credentials grant and
// returns a client whose requests carry it. Tokens are refreshed on expiry.
func NewClient(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, cerrors.NewSourceError(cerrors.CodeAuthFailed, "castor: client id and secret are required", nil)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/oauth/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// The token source keeps this context for refreshes, so it must not be
	// the caller's request-scoped one.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	ts := cc.TokenSource(tokenCtx)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, cerrors.NewSourceError(cerrors.CodeAuthFailed, "castor: failed to obtain access token", err)
	}
	if cfg.Verbose {
		logger.Printf("castor: obtained access token (expires %s)", tok.Expiry.Format(time.RFC3339))
	}

	httpClient := oauth2.NewClient(tokenCtx, oauth2.ReuseTokenSource(tok, ts))
	httpClient.Timeout = cfg.Timeout

	return &Client{
		apiURL:     base + "/api",
		http:       httpClient,
		pageSize:   cfg.PageSize,
		maxRetries: cfg.MaxRetries,
		verbose:    cfg.Verbose,
		logger:     logger,
	}, nil
}

// get performs a GET against the API and returns the body of a 200 response.
// Transport failures and 429/5xx responses are retried with exponential backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body []byte
	err := c.retryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return cerrors.NewInternalError("castor: failed to build request", err)
		}
		req.Header.Set("Accept", "application/hal+json, application/json, text/plain")

		resp, err := c.http.Do(req)
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				return cerrors.NewSourceError(cerrors.CodeAuthFailed, "castor: token refresh failed", err)
			}
			return cerrors.NewSourceError(cerrors.CodeRequestFailed, fmt.Sprintf("castor: GET %s failed", path), err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			io.Copy(io.Discard, resp.Body)
			return cerrors.NewSourceError(cerrors.CodeAuthFailed,
				fmt.Sprintf("castor: access denied (%d) for %s", resp.StatusCode, path), nil).
				WithDetails(map[string]interface{}{"status": resp.StatusCode, "url": u})
		case resp.StatusCode != http.StatusOK:
			io.Copy(io.Discard, resp.Body)
			return cerrors.NewStatusError(resp.StatusCode, u)
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return cerrors.NewSourceError(cerrors.CodeRequestFailed, fmt.Sprintf("castor: failed to read %s", path), err)
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.verbose {
		c.logger.Printf("castor: GET %s (%d bytes)", path, len(body))
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return cerrors.NewSourceError(cerrors.CodeMalformedFeed, fmt.Sprintf("castor: invalid JSON from %s", path), err)
	}
	return nil
}

// retryWithBackoff executes the operation with exponential backoff retry.
func (c *Client) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !cerrors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < c.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			c.logger.Printf("castor: retrying in %s after: %v", backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// page is the envelope of paginated collection endpoints.
type page struct {
	PageCount  int                        `json:"page_count"`
	Page       int                        `json:"page"`
	TotalItems int                        `json:"total_items"`
	Embedded   map[string]json.RawMessage `json:"_embedded"`
}

// paginate fetches every page of a collection and hands the embedded items
// under key to visit, page by page.
func (c *Client) paginate(ctx context.Context, path, key string, visit func(json.RawMessage) error) error {
	pageCount := 1
	for n := 1; n <= pageCount; n++ {
		q := url.Values{"page": {strconv.Itoa(n)}}
		if c.pageSize > 0 {
			q.Set("page_size", strconv.Itoa(c.pageSize))
		}

		var p page
		if err := c.getJSON(ctx, path, q, &p); err != nil {
			return err
		}
		if n == 1 {
			if p.PageCount < 0 {
				return cerrors.NewSourceError(cerrors.CodePaginationFailed,
					fmt.Sprintf("castor: %s reported page_count %d", path, p.PageCount), nil)
			}
			// Unpaginated collections omit page_count.
			pageCount = max(p.PageCount, 1)
		}

		items, ok := p.Embedded[key]
		if !ok && p.PageCount == 0 {
			return nil
		}
		if !ok {
			return cerrors.NewSourceError(cerrors.CodePaginationFailed,
				fmt.Sprintf("castor: page %d of %s has no _embedded.%s", n, path, key), nil)
		}
		if err := visit(items); err != nil {
			return err
		}
		if c.verbose {
			c.logger.Printf("castor: %s page %d/%d", path, n, pageCount)
		}
	}
	return nil
}
