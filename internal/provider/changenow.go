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

const changeNowBaseURL = "https://api.changenow.io/v2"

// ChangeNOW adapts the ChangeNOW exchange API.
type ChangeNOW struct {
	apiKey  string
	baseURL string
}

// NewChangeNOW returns a ChangeNOW adapter. apiKey may be empty.
func NewChangeNOW(apiKey string) *ChangeNOW {
	return &ChangeNOW{apiKey: apiKey, baseURL: changeNowBaseURL}
}

// NewChangeNOWWithBaseURL returns a ChangeNOW adapter against a custom base
// URL, for tests.
func NewChangeNOWWithBaseURL(apiKey, baseURL string) *ChangeNOW {
	return &ChangeNOW{apiKey: apiKey, baseURL: baseURL}
}

func (c *ChangeNOW) Name() string { return "changenow" }

func (c *ChangeNOW) headers() map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if c.apiKey != "" {
		h["x-changenow-api-key"] = c.apiKey
	}
	return h
}

func (c *ChangeNOW) estimateOnce(ctx context.Context, from, to asset.Asset, fromNet, toNet asset.Network, amount float64) float64 {
	q := url.Values{
		"fromCurrency": {strings.ToLower(string(from))},
		"toCurrency":   {strings.ToLower(string(to))},
		"fromAmount":   {strconv.FormatFloat(amount, 'f', -1, 64)},
		"flow":         {"standard"},
	}
	if from != asset.XMR && fromNet != "" {
		q.Set("fromNetwork", networkLower(fromNet))
	}
	if to != asset.XMR && toNet != "" {
		q.Set("toNetwork", networkLower(toNet))
	}

	status, body, err := httpGet(ctx, estimateTimeout, c.baseURL+"/exchange/estimated-amount", q, c.headers())
	if err != nil || status != http.StatusOK {
		return 0
	}
	return parseLenientFloat(body, "toAmount", "estimatedAmount")
}

// Estimate follows the spec's fallback policy: network-qualified, then
// unqualified, then amount*0.999 with the original network hints.
func (c *ChangeNOW) Estimate(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, _ RateType) (EstimateResult, error) {
	if v := c.estimateOnce(ctx, from, to, fromNet, toNet, amount); v > 0 {
		return EstimateResult{ToAmount: v}, nil
	}
	if v := c.estimateOnce(ctx, from, to, "", "", amount); v > 0 {
		return EstimateResult{ToAmount: v}, nil
	}
	v := c.estimateOnce(ctx, from, to, fromNet, toNet, amount*0.999)
	return EstimateResult{ToAmount: v}, nil
}

func (c *ChangeNOW) Create(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, payoutAddress string, _ RateType, refundAddress string) (CreateResult, error) {
	body := map[string]any{
		"fromCurrency": from,
		"toCurrency":   to,
		"fromAmount":   strconv.FormatFloat(amount, 'f', -1, 64),
		"address":      payoutAddress,
		"flow":         "standard",
	}
	if from != asset.XMR && fromNet != "" {
		body["fromNetwork"] = networkLower(fromNet)
	}
	if to != asset.XMR && toNet != "" {
		body["toNetwork"] = networkLower(toNet)
	}
	if refundAddress != "" {
		body["refundAddress"] = refundAddress
	}

	status, respBody, err := httpPostJSON(ctx, createTimeout, c.baseURL+"/exchange", body, c.headers())
	if err != nil {
		return CreateResult{}, createFailed(c.Name(), 0, err.Error())
	}
	if status >= 400 {
		return CreateResult{}, createFailed(c.Name(), status, errBodyString(respBody))
	}

	var out struct {
		ID             string `json:"id"`
		PayinAddress   string `json:"payinAddress"`
		PayinExtraID   string `json:"payinExtraId"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return CreateResult{}, createFailed(c.Name(), status, "unparseable response")
	}
	if out.PayinAddress == "" {
		return CreateResult{}, createFailed(c.Name(), status, "empty deposit address")
	}
	return CreateResult{
		OrderID:        out.ID,
		DepositAddress: out.PayinAddress,
		DepositExtra:   out.PayinExtraID,
		Raw:            json.RawMessage(respBody),
	}, nil
}

func (c *ChangeNOW) Info(ctx context.Context, orderID string) (InfoResult, error) {
	q := url.Values{"id": {orderID}}
	status, body, err := httpGet(ctx, infoTimeout, c.baseURL+"/exchange/by-id", q, c.headers())
	if err != nil || status >= 400 {
		return InfoResult{StatusText: ""}, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &out)
	return InfoResult{StatusText: strings.ToLower(out.Status), Raw: json.RawMessage(body)}, nil
}
