package provider

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/priceoracle"
)

const stealthexBaseURL = "https://api.stealthex.io/v4"

// stealthexCandidates lists, per asset/network, the StealthEX network-name
// candidates to probe in priority order.
func stealthexCandidates(a asset.Asset, n asset.Network) []string {
	switch a {
	case asset.BTC, asset.ETH, asset.LTC, asset.XMR:
		return []string{"mainnet"}
	case asset.USDT, asset.USDC:
		switch n {
		case asset.NetETH:
			return []string{"ethereum", "erc20", "mainnet"}
		case asset.NetTRX:
			return []string{"tron", "trc20", "mainnet"}
		case asset.NetBSC:
			return []string{"bsc", "bep20", "mainnet"}
		}
	}
	return []string{"mainnet"}
}

type pairKey struct {
	from, to asset.Asset
	fromNet  asset.Network
	toNet    asset.Network
}

type cachedPair struct {
	fromNet, toNet string
	minAmount      float64
	expiresAt      time.Time
}

// StealthEX adapts the StealthEX exchange API. Its network naming must be
// discovered per pair via a rates/range probe, and the result is cached with
// a TTL so a long-lived daemon doesn't pin a stale pair forever nor re-probe
// on every call within that window.
type StealthEX struct {
	apiKey   string
	haircut  float64
	cacheTTL time.Duration
	oracle   *priceoracle.Oracle
	baseURL  string

	mu    sync.Mutex
	cache map[pairKey]cachedPair
}

// NewStealthEX returns a StealthEX adapter. haircut discounts the
// CoinGecko-style mid-market estimate (default 0.93 per spec).
func NewStealthEX(apiKey string, haircut float64, cacheTTL time.Duration, oracle *priceoracle.Oracle) *StealthEX {
	if haircut <= 0 {
		haircut = 0.93
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &StealthEX{
		apiKey:   apiKey,
		haircut:  haircut,
		cacheTTL: cacheTTL,
		oracle:   oracle,
		baseURL:  stealthexBaseURL,
		cache:    make(map[pairKey]cachedPair),
	}
}

// NewStealthEXWithBaseURL is NewStealthEX with a custom base URL, for tests.
func NewStealthEXWithBaseURL(apiKey string, haircut float64, cacheTTL time.Duration, oracle *priceoracle.Oracle, baseURL string) *StealthEX {
	s := NewStealthEX(apiKey, haircut, cacheTTL, oracle)
	s.baseURL = baseURL
	return s
}

func (s *StealthEX) Name() string { return "stealthex" }

func (s *StealthEX) headers() map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if s.apiKey != "" {
		h["Authorization"] = "Bearer " + s.apiKey
		h["Content-Type"] = "application/json"
	}
	return h
}

func (s *StealthEX) rangeProbe(ctx context.Context, from, to asset.Asset, fromNet, toNet string, rateType RateType) (int, map[string]any) {
	rate := "floating"
	if rateType == Fixed {
		rate = "fixed"
	}
	body := map[string]any{
		"route": map[string]any{
			"from": map[string]string{"symbol": strings.ToLower(string(from)), "network": fromNet},
			"to":   map[string]string{"symbol": strings.ToLower(string(to)), "network": toNet},
		},
		"estimation": "direct",
		"rate":       rate,
	}
	status, respBody, err := httpPostJSON(ctx, estimateTimeout, s.baseURL+"/rates/range", body, s.headers())
	if err != nil {
		return 0, nil
	}
	var out map[string]any
	_ = json.Unmarshal(respBody, &out)
	return status, out
}

// findWorkingPair probes candidate network names until one is accepted,
// using the cached result within cacheTTL to avoid re-probing.
func (s *StealthEX) findWorkingPair(ctx context.Context, from, to asset.Asset, fromNet, toNet asset.Network, rateType RateType) (string, string, float64, bool) {
	key := pairKey{from, to, fromNet, toNet}

	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Now().Before(c.expiresAt) {
		s.mu.Unlock()
		return c.fromNet, c.toNet, c.minAmount, true
	}
	s.mu.Unlock()

	for _, nf := range stealthexCandidates(from, fromNet) {
		for _, nt := range stealthexCandidates(to, toNet) {
			status, rng := s.rangeProbe(ctx, from, to, nf, nt, rateType)
			if status >= 400 || rng == nil {
				continue
			}
			if errVal, ok := rng["err"]; ok && errVal != nil {
				continue
			}
			minAmount := 0.0
			if v, ok := rng["min_amount"].(float64); ok {
				minAmount = v
			}
			s.mu.Lock()
			s.cache[key] = cachedPair{fromNet: nf, toNet: nt, minAmount: minAmount, expiresAt: time.Now().Add(s.cacheTTL)}
			s.mu.Unlock()
			return nf, nt, minAmount, true
		}
	}
	return "", "", 0, false
}

// Probe exposes findWorkingPair for the diagnostics provider-probe endpoint:
// it reports which candidate network names StealthEX accepted for a pair,
// without creating an order.
func (s *StealthEX) Probe(ctx context.Context, from, to asset.Asset, fromNet, toNet asset.Network, rateType RateType) (acceptedFromNet, acceptedToNet string, ok bool) {
	nf, nt, _, ok := s.findWorkingPair(ctx, from, to, fromNet, toNet, rateType)
	return nf, nt, ok
}

// Estimate confirms the pair via the range probe, then computes a
// mid-market-USD estimate with the configured haircut rather than creating a
// throwaway order (per spec §4.1's StealthEX-specific carve-out).
func (s *StealthEX) Estimate(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, rateType RateType) (EstimateResult, error) {
	if amount <= 0 {
		return EstimateResult{}, nil
	}

	_, _, minAmount, ok := s.findWorkingPair(ctx, from, to, fromNet, toNet, rateType)
	if !ok {
		return EstimateResult{}, nil
	}
	if minAmount > 0 && amount < minAmount {
		return EstimateResult{}, nil
	}

	prices := s.oracle.GetPrices(ctx)
	pFrom, pTo := prices[from], prices[to]
	if pFrom <= 0 || pTo <= 0 {
		return EstimateResult{}, nil
	}

	usdIn := amount * pFrom
	rawOut := usdIn / pTo
	adjOut := rawOut * s.haircut
	if adjOut < 0 {
		adjOut = 0
	}
	return EstimateResult{ToAmount: adjOut}, nil
}

func (s *StealthEX) Create(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, payoutAddress string, rateType RateType, _ string) (CreateResult, error) {
	nf, nt, _, ok := s.findWorkingPair(ctx, from, to, fromNet, toNet, rateType)
	if !ok {
		return CreateResult{}, createFailed(s.Name(), 0, "pair/networks not supported")
	}

	rate := "floating"
	if rateType == Fixed {
		rate = "fixed"
	}
	body := map[string]any{
		"route": map[string]any{
			"from": map[string]string{"symbol": strings.ToLower(string(from)), "network": nf},
			"to":   map[string]string{"symbol": strings.ToLower(string(to)), "network": nt},
		},
		"amount":     amount,
		"estimation": "direct",
		"rate":       rate,
		"address":    payoutAddress,
	}
	status, respBody, err := httpPostJSON(ctx, createTimeout, s.baseURL+"/exchanges", body, s.headers())
	if err != nil {
		return CreateResult{}, createFailed(s.Name(), 0, err.Error())
	}
	if status >= 400 {
		return CreateResult{}, createFailed(s.Name(), status, errBodyString(respBody))
	}

	var out struct {
		ID      string `json:"id"`
		Deposit struct {
			Address string `json:"address"`
			ExtraID string `json:"extra_id"`
		} `json:"deposit"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return CreateResult{}, createFailed(s.Name(), status, "unparseable response")
	}
	if out.Deposit.Address == "" {
		return CreateResult{}, createFailed(s.Name(), status, "empty deposit address")
	}
	return CreateResult{
		OrderID:        out.ID,
		DepositAddress: out.Deposit.Address,
		DepositExtra:   out.Deposit.ExtraID,
		Raw:            json.RawMessage(respBody),
	}, nil
}

func (s *StealthEX) Info(ctx context.Context, orderID string) (InfoResult, error) {
	status, body, err := httpGet(ctx, infoTimeout, s.baseURL+"/exchanges/"+orderID, nil, s.headers())
	if err != nil || status >= 400 {
		return InfoResult{}, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &out)
	return InfoResult{StatusText: strings.ToLower(out.Status), Raw: json.RawMessage(body)}, nil
}
