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

const simpleSwapBaseURL = "https://api.simpleswap.io/v1"

// SimpleSwap adapts the SimpleSwap exchange API, which returns one of three
// shapes for its estimate endpoint (bare number, quoted number, or object)
// depending on error state — parseLenientFloat absorbs all three.
type SimpleSwap struct {
	apiKey  string
	baseURL string
}

// NewSimpleSwap returns a SimpleSwap adapter. apiKey may be empty.
func NewSimpleSwap(apiKey string) *SimpleSwap {
	return &SimpleSwap{apiKey: apiKey, baseURL: simpleSwapBaseURL}
}

// NewSimpleSwapWithBaseURL returns a SimpleSwap adapter against a custom
// base URL, for tests.
func NewSimpleSwapWithBaseURL(apiKey, baseURL string) *SimpleSwap {
	return &SimpleSwap{apiKey: apiKey, baseURL: baseURL}
}

func (s *SimpleSwap) Name() string { return "simpleswap" }

// mapNetwork returns SimpleSwap's token-chain tag, or "" for native coins
// (which SimpleSwap never network-qualifies).
func (s *SimpleSwap) mapNetwork(a asset.Asset, n asset.Network) string {
	switch a {
	case asset.BTC, asset.LTC, asset.XMR, asset.ETH:
		return ""
	}
	switch n {
	case asset.NetETH:
		return "erc20"
	case asset.NetTRX:
		return "trc20"
	case asset.NetBSC:
		return "bep20"
	}
	return ""
}

func (s *SimpleSwap) fixedFlag(rateType RateType) string {
	if rateType == Fixed {
		return "true"
	}
	return "false"
}

func (s *SimpleSwap) estimateOnce(ctx context.Context, from, to asset.Asset, fromNet, toNet string, amount float64, rateType RateType) float64 {
	q := url.Values{
		"currency_from": {strings.ToLower(string(from))},
		"currency_to":   {strings.ToLower(string(to))},
		"amount":        {strconv.FormatFloat(amount, 'f', -1, 64)},
		"fixed":         {s.fixedFlag(rateType)},
	}
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}
	if fromNet != "" {
		q.Set("network_from", fromNet)
	}
	if toNet != "" {
		q.Set("network_to", toNet)
	}
	status, body, err := httpGet(ctx, estimateTimeout, s.baseURL+"/get_estimated", q, map[string]string{"Accept": "application/json"})
	if err != nil || status != http.StatusOK {
		return 0
	}
	return parseLenientFloat(body, "estimated_amount", "toAmount")
}

// Estimate tries the mapped networks first, then falls back unqualified,
// then retries at amount*0.999, matching the shared provider policy.
func (s *SimpleSwap) Estimate(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, rateType RateType) (EstimateResult, error) {
	nf, nt := s.mapNetwork(from, fromNet), s.mapNetwork(to, toNet)
	if v := s.estimateOnce(ctx, from, to, nf, nt, amount, rateType); v > 0 {
		return EstimateResult{ToAmount: v}, nil
	}
	if v := s.estimateOnce(ctx, from, to, "", "", amount, rateType); v > 0 {
		return EstimateResult{ToAmount: v}, nil
	}
	v := s.estimateOnce(ctx, from, to, nf, nt, amount*0.999, rateType)
	return EstimateResult{ToAmount: v}, nil
}

func (s *SimpleSwap) Create(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, payoutAddress string, rateType RateType, refundAddress string) (CreateResult, error) {
	nf, nt := s.mapNetwork(from, fromNet), s.mapNetwork(to, toNet)
	payload := map[string]any{
		"currency_from": strings.ToLower(string(from)),
		"currency_to":   strings.ToLower(string(to)),
		"amount":        strconv.FormatFloat(amount, 'f', -1, 64),
		"address_to":    payoutAddress,
		"fixed":         s.fixedFlag(rateType),
	}
	if nf != "" {
		payload["network_from"] = nf
	}
	if nt != "" {
		payload["network_to"] = nt
	}
	if refundAddress != "" {
		payload["refund_address"] = refundAddress
	}

	headers := map[string]string{"X-Api-Key": s.apiKey}
	status, respBody, err := httpPostJSON(ctx, createTimeout, s.baseURL+"/create_exchange", payload, headers)
	if err != nil {
		return CreateResult{}, createFailed(s.Name(), 0, err.Error())
	}
	if status >= 400 {
		return CreateResult{}, createFailed(s.Name(), status, errBodyString(respBody))
	}

	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return CreateResult{}, createFailed(s.Name(), status, "unparseable response")
	}

	deposit, _ := out["deposit"].(string)
	if deposit == "" {
		if v, ok := out["address_from"].(string); ok {
			deposit = v
		} else if v, ok := out["payinAddress"].(string); ok {
			deposit = v
		}
	}
	if deposit == "" {
		return CreateResult{}, createFailed(s.Name(), status, "empty deposit address")
	}

	id, _ := out["id"].(string)
	extra, _ := out["extra_id"].(string)

	return CreateResult{
		OrderID:        id,
		DepositAddress: deposit,
		DepositExtra:   extra,
		Raw:            json.RawMessage(respBody),
	}, nil
}

func (s *SimpleSwap) Info(ctx context.Context, orderID string) (InfoResult, error) {
	q := url.Values{"id": {orderID}}
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}
	status, body, err := httpGet(ctx, infoTimeout, s.baseURL+"/get_exchange", q, map[string]string{"Accept": "application/json"})
	if err != nil || status >= 400 {
		return InfoResult{}, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &out)
	return InfoResult{StatusText: strings.ToLower(out.Status), Raw: json.RawMessage(body)}, nil
}
