// Package priceoracle fetches advisory mid-market USD prices, used only to
// compute the theoretical mid-market XMR amount behind the provider-spread
// fee heuristic. It never settles real amounts and never blocks core
// progress: any failure falls back to fixed constants.
package priceoracle

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("priceoracle")

// defaults are used whenever the oracle endpoint is unreachable, times out,
// or the response is missing a known key.
var defaults = map[asset.Asset]float64{
	asset.BTC:  60000,
	asset.ETH:  3000,
	asset.USDT: 1,
	asset.USDC: 1,
	asset.LTC:  70,
	asset.XMR:  160,
}

const fetchTimeout = 5 * time.Second

// Endpoint is the external price-feed URL. Swapped out in tests.
var Endpoint = "https://api.example-price-feed.invalid/v1/prices"

// symbolKey maps our asset symbols to the external feed's expected keys.
var symbolKey = map[asset.Asset]string{
	asset.BTC:  "BTC",
	asset.ETH:  "ETH",
	asset.USDT: "USDT",
	asset.USDC: "USDC",
	asset.LTC:  "LTC",
	asset.XMR:  "XMR",
}

// Oracle fetches USD prices with safe fallback to constant defaults.
type Oracle struct {
	client   *http.Client
	endpoint string
}

// New returns an Oracle using the package default endpoint.
func New() *Oracle {
	return &Oracle{
		client:   &http.Client{Timeout: fetchTimeout},
		endpoint: Endpoint,
	}
}

// NewWithEndpoint returns an Oracle against a custom endpoint, for tests.
func NewWithEndpoint(endpoint string) *Oracle {
	return &Oracle{
		client:   &http.Client{Timeout: fetchTimeout},
		endpoint: endpoint,
	}
}

// GetPrices returns a USD price for every known asset. Any fetch or parse
// failure, or a missing key in the response, is silently filled with the
// constant default for that asset.
func (o *Oracle) GetPrices(ctx context.Context) map[asset.Asset]float64 {
	prices := make(map[asset.Asset]float64, len(defaults))
	for a, v := range defaults {
		prices[a] = v
	}

	fetched, err := o.fetch(ctx)
	if err != nil {
		log.Debug("price oracle fetch failed, using defaults", "err", err)
		return prices
	}

	for a, key := range symbolKey {
		if v, ok := fetched[key]; ok && v > 0 {
			prices[a] = v
		}
	}
	return prices
}

func (o *Oracle) fetch(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{resp.StatusCode}
	}

	var out map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return "price oracle returned non-200 status"
}
