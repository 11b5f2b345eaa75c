// Package iem downloads two-minute precipitation rasters from the Iowa
// Environmental Mesonet raster2netcdf service.
package iem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/domain"
	"github.com/couchcryptid/mrms-compare/internal/fetch"
)

// Client requests one NetCDF raster per aligned bucket.
type Client struct {
	httpClient *http.Client
	baseURL    string
	product    string
	logger     *slog.Logger
}

// NewClient creates a raster client for the configured endpoint and product.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		baseURL: cfg.NetCDFBaseURL,
		product: cfg.NetCDFProduct,
		logger:  logger,
	}
}

// Product returns the raster product name, which doubles as the expected
// NetCDF data variable.
func (c *Client) Product() string {
	return c.product
}

// SourceURL returns the request URL for one aligned bucket.
func (c *Client) SourceURL(bucket time.Time) string {
	params := url.Values{
		"dstr": {domain.NetCDFTimeKey(bucket)},
		"prod": {c.product},
	}
	return c.baseURL + "?" + params.Encode()
}

// Get performs one download attempt for the bucket's raster. A 429 surfaces
// as a throttled result carrying the server's Retry-After when parseable.
func (c *Client) Get(ctx context.Context, bucket time.Time) (fetch.AttemptResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.SourceURL(bucket), nil)
	if err != nil {
		return fetch.AttemptResult{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fetch.AttemptResult{}, fmt.Errorf("raster request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		res := fetch.AttemptResult{Throttled: true}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			res.RetryAfter = time.Duration(secs) * time.Second
			res.RetryAfterSet = true
		}
		return res, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fetch.AttemptResult{}, fmt.Errorf("raster service error: status %d: %s", resp.StatusCode, body)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetch.AttemptResult{}, fmt.Errorf("read raster body: %w", err)
	}
	c.logger.Debug("downloaded raster", "bucket", domain.NetCDFTimeKey(bucket), "bytes", len(payload))
	return fetch.AttemptResult{Payload: payload}, nil
}
