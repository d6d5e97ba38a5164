package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klingon-exchange/xmrswap/internal/asset"
)

const exolixBaseURL = "https://exolix.com/api/v2"

// Exolix adapts the Exolix exchange API.
type Exolix struct {
	apiKey  string
	baseURL string
}

// NewExolix returns an Exolix adapter. apiKey may be empty.
func NewExolix(apiKey string) *Exolix {
	return &Exolix{apiKey: apiKey, baseURL: exolixBaseURL}
}

// NewExolixWithBaseURL returns an Exolix adapter against a custom base URL,
// for tests.
func NewExolixWithBaseURL(apiKey, baseURL string) *Exolix {
	return &Exolix{apiKey: apiKey, baseURL: baseURL}
}

func (e *Exolix) Name() string { return "exolix" }

func (e *Exolix) headers() map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if e.apiKey != "" {
		auth := e.apiKey
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			auth = "Bearer " + auth
		}
		h["Authorization"] = auth
	}
	return h
}

func (e *Exolix) rateOnce(ctx context.Context, from, to asset.Asset, fromNet, toNet asset.Network, amount float64, rateType RateType) float64 {
	q := url.Values{
		"coinFrom": {string(from)},
		"coinTo":   {string(to)},
		"amount":   {strconv.FormatFloat(amount, 'f', -1, 64)},
		"rateType": {string(rateType)},
	}
	if fromNet != "" {
		q.Set("networkFrom", string(fromNet))
	}
	if toNet != "" {
		q.Set("networkTo", string(toNet))
	}
	status, body, err := httpGet(ctx, estimateTimeout, e.baseURL+"/rate", q, e.headers())
	if err != nil || status != http.StatusOK {
		return 0
	}
	return parseLenientFloat(body, "toAmount")
}

// Estimate: network-qualified first, then unqualified, then 0.999x amount.
func (e *Exolix) Estimate(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, rateType RateType) (EstimateResult, error) {
	if v := e.rateOnce(ctx, from, to, fromNet, toNet, amount, rateType); v > 0 {
		return EstimateResult{ToAmount: v}, nil
	}
	if v := e.rateOnce(ctx, from, to, "", "", amount, rateType); v > 0 {
		return EstimateResult{ToAmount: v}, nil
	}
	v := e.rateOnce(ctx, from, to, fromNet, toNet, amount*0.999, rateType)
	return EstimateResult{ToAmount: v}, nil
}

func normalizeExolixNetwork(a asset.Asset, n asset.Network) string {
	if n == "" {
		return string(a)
	}
	return string(n)
}

func (e *Exolix) Create(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, payoutAddress string, rateType RateType, _ string) (CreateResult, error) {
	body := map[string]any{
		"coinFrom":          from,
		"coinTo":            to,
		"networkFrom":       normalizeExolixNetwork(from, fromNet),
		"networkTo":         normalizeExolixNetwork(to, toNet),
		"amount":            amount,
		"withdrawalAddress": payoutAddress,
		"rateType":          rateType,
	}
	status, respBody, err := httpPostJSON(ctx, createTimeout, e.baseURL+"/transactions", body, e.headers())
	if err != nil {
		return CreateResult{}, createFailed(e.Name(), 0, err.Error())
	}
	if status >= 400 {
		return CreateResult{}, createFailed(e.Name(), status, errBodyString(respBody))
	}

	var out struct {
		ID             string `json:"id"`
		DepositAddress string `json:"depositAddress"`
		DepositExtraID string `json:"depositExtraId"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return CreateResult{}, createFailed(e.Name(), status, "unparseable response")
	}
	if out.DepositAddress == "" {
		return CreateResult{}, createFailed(e.Name(), status, "empty deposit address")
	}
	return CreateResult{
		OrderID:        out.ID,
		DepositAddress: out.DepositAddress,
		DepositExtra:   out.DepositExtraID,
		Raw:            json.RawMessage(respBody),
	}, nil
}

func (e *Exolix) Info(ctx context.Context, orderID string) (InfoResult, error) {
	status, body, err := httpGet(ctx, infoTimeout, e.baseURL+"/transactions/"+url.PathEscape(orderID), nil, e.headers())
	if err != nil || status >= 400 {
		return InfoResult{}, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &out)
	return InfoResult{StatusText: strings.ToLower(out.Status), Raw: json.RawMessage(body)}, nil
}
