package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"
	pkghttp "repricer/pkg/http"

	"golang.org/x/time/rate"
)

// Config for the marketplace client
type Config struct {
	Endpoint      string
	SellerID      string
	Timeout       time.Duration
	RateLimit     float64 // requests per second
	Burst         int
	BatchLimit    int    // items per offers batch call
	ItemCondition string // condition requested from the offers API
	HTTP          pkghttp.Options
}

// Client publishes listing prices and polls competing offers
type Client struct {
	http    *pkghttp.Client
	tokens  *TokenProvider
	cfg     Config
	limiter *rate.Limiter
	logger  core.ILogger
}

// NewClient creates a marketplace client signing every call with tokens
func NewClient(cfg Config, tokens *TokenProvider, logger core.ILogger) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.BatchLimit <= 0 || cfg.BatchLimit > 20 {
		cfg.BatchLimit = 20
	}
	if cfg.ItemCondition == "" {
		cfg.ItemCondition = "New"
	}
	if cfg.HTTP.MaxRetries == 0 && cfg.HTTP.BackoffMin == 0 {
		cfg.HTTP = pkghttp.DefaultOptions()
	}

	var signer pkghttp.Signer
	if tokens != nil {
		signer = tokens
	}

	return &Client{
		http:    pkghttp.NewClientWithOptions(cfg.Endpoint, cfg.Timeout, signer, cfg.HTTP),
		tokens:  tokens,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger.WithField("component", "marketplace"),
	}
}

type listingsResponse struct {
	SKU    string `json:"sku"`
	Status string `json:"status"`
	Issues []struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"issues"`
}

// Publish sends the price update for one listing. Any non-accepted outcome is an
// error and implies no price change upstream.
func (c *Client) Publish(ctx context.Context, req core.PublishRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
	}

	sku := req.SKU
	if sku == "" {
		sku = req.Key.ASIN
	}
	path := fmt.Sprintf("/listings/2021-08-01/items/%s/%s", url.PathEscape(c.cfg.SellerID), url.PathEscape(sku))
	params := map[string]string{"marketplaceIds": req.Key.MarketplaceID}

	body, err := c.http.Patch(ctx, path, params, BuildListingsPatch(req))
	if err != nil {
		return c.classify(err)
	}

	var resp listingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: undecodable response: %v", apperrors.ErrPublishFailed, err)
	}
	if resp.Status != "" && resp.Status != "ACCEPTED" {
		var issues []string
		for _, is := range resp.Issues {
			issues = append(issues, is.Code+": "+is.Message)
		}
		return fmt.Errorf("%w: status %s: %s", apperrors.ErrPublishFailed, resp.Status, strings.Join(issues, "; "))
	}

	c.logger.Debug("Listing price published",
		"asin", req.Key.ASIN,
		"sku", sku,
		"price", req.Price.String(),
		"business_price", req.BusinessPrice.String())
	return nil
}

// classify maps transport failures onto the repricer error taxonomy
func (c *Client) classify(err error) error {
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			if c.tokens != nil {
				c.tokens.Invalidate()
			}
			return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, apiErr)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, apiErr)
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrPublishFailed, apiErr)
		}
	}
	if errors.Is(err, apperrors.ErrAuthenticationFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", apperrors.ErrPublishFailed, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}
