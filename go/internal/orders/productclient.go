package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcdev12/storefront/go/internal/events"
	"github.com/rs/zerolog/log"
)

var (
	ErrProductNotFound           = errors.New("product not found")
	ErrProductServiceTimeout     = errors.New("product service request timed out")
	ErrProductServiceUnavailable = errors.New("product service unavailable")
)

// Product is the subset of the catalog record an order needs.
type Product struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Price         events.Amount `json:"price"`
	StockQuantity int           `json:"stock_quantity"`
}

// ProductClient reads products from the catalog service.
type ProductClient struct {
	baseURL string
	client  *http.Client
}

func NewProductClient(baseURL string, timeout time.Duration) *ProductClient {
	return &ProductClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetProduct fetches one product. Errors wrap ErrProductNotFound,
// ErrProductServiceTimeout or ErrProductServiceUnavailable.
func (c *ProductClient) GetProduct(ctx context.Context, id int64) (*Product, error) {
	url := fmt.Sprintf("%s/api/v1/products/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			log.Error().Err(err).Int64("product_id", id).Msg("timeout fetching product")
			return nil, fmt.Errorf("%w: product %d", ErrProductServiceTimeout, id)
		}
		log.Error().Err(err).Str("base_url", c.baseURL).Msg("cannot reach product service")
		return nil, fmt.Errorf("%w: %v", ErrProductServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: product %d", ErrProductNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Error().Int("status", resp.StatusCode).Int64("product_id", id).Msg("unexpected product service response")
		return nil, fmt.Errorf("%w: status %d: %s", ErrProductServiceUnavailable, resp.StatusCode, string(body))
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: product %d", ErrProductServiceTimeout, id)
		}
		return nil, fmt.Errorf("%w: decode product %d: %v", ErrProductServiceUnavailable, id, err)
	}
	return &p, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
