// Package quote builds and ranks RouteOptions: the cartesian product of
// (leg-1 provider x leg-2 provider != leg-1), priced through the provider
// registry and the price oracle's mid-market XMR estimate, with the
// mirror-capped fee policy applied per option.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/priceoracle"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("quote")

// ErrNoQuote is returned when no route produces a positive receive_out.
var ErrNoQuote = errors.New("no quote available")

// FeePolicyMirrorCapped is the name of the only fee policy this engine
// implements today — surfaced on every RouteOption so alternate policies can
// be introduced later without changing the RouteOption shape.
const FeePolicyMirrorCapped = "mirror_provider_spread_capped"

// Request describes a requested cross-asset swap quote.
type Request struct {
	InAsset    asset.Asset
	InNetwork  asset.Network
	OutAsset   asset.Asset
	OutNetwork asset.Network
	Amount     float64
	RateType   provider.RateType
}

// RouteOption is one candidate route through two distinct providers.
type RouteOption struct {
	Leg1Provider   string  `json:"leg1_provider"`
	Leg1FromAmount float64 `json:"leg1_from_amount"`
	Leg1ToXMR      float64 `json:"leg1_to_xmr"`

	Leg2Provider  string  `json:"leg2_provider"`
	Leg2FromXMR   float64 `json:"leg2_from_xmr"`
	Leg2ToAmount  float64 `json:"leg2_to_amount"`

	ProviderSpreadXMR float64 `json:"provider_spread_xmr"`
	OurFeeXMR         float64 `json:"our_fee_xmr"`
	FeePolicy         string  `json:"fee_policy"`

	ReceiveOut float64 `json:"receive_out"`
}

// Engine builds ranked RouteOptions for a Request.
type Engine struct {
	providers      *provider.Registry
	oracle         *priceoracle.Oracle
	feeMaxRatio    float64
	sendFeeReserve float64
}

// NewEngine returns a quote Engine. feeMaxRatio and sendFeeReserveXMR come
// from internal/config (OUR_FEE_MAX_RATIO, XMR_SEND_FEE_RESERVE).
func NewEngine(providers *provider.Registry, oracle *priceoracle.Oracle, feeMaxRatio, sendFeeReserveXMR float64) *Engine {
	return &Engine{
		providers:      providers,
		oracle:         oracle,
		feeMaxRatio:    feeMaxRatio,
		sendFeeReserve: sendFeeReserveXMR,
	}
}

// Quote returns every viable RouteOption for req, sorted by receive_out
// descending. Returns ErrNoQuote if no option has a positive receive_out.
func (e *Engine) Quote(ctx context.Context, req Request) ([]RouteOption, error) {
	providers := e.providers.All()

	leg1XMR := e.estimateAll(ctx, providers, func(p provider.Provider) (float64, error) {
		res, err := p.Estimate(ctx, req.InAsset, req.InNetwork, asset.XMR, "", req.Amount, req.RateType)
		return res.ToAmount, err
	})

	prices := e.oracle.GetPrices(ctx)
	midXMR := 0.0
	if pIn, pXMR := prices[req.InAsset], prices[asset.XMR]; pIn > 0 && pXMR > 0 {
		midXMR = req.Amount * pIn / pXMR
	}

	type pending struct {
		p1          provider.Provider
		forwardXMR  float64
		spread      float64
		ourFee      float64
	}
	var legs []pending
	for _, p1 := range providers {
		toXMR := leg1XMR[p1.Name()]
		if toXMR <= 0 {
			continue
		}
		spread := midXMR - toXMR
		if spread < 0 {
			spread = 0
		}
		ourFee := spread
		if feeCap := e.feeMaxRatio * toXMR; ourFee > feeCap {
			ourFee = feeCap
		}
		forward := toXMR - ourFee - e.sendFeeReserve
		if forward < 0 {
			forward = 0
		}
		legs = append(legs, pending{p1: p1, forwardXMR: forward, spread: spread, ourFee: ourFee})
	}

	var mu sync.Mutex
	var routes []RouteOption
	var wg sync.WaitGroup
	for _, l := range legs {
		for _, p2 := range providers {
			if p2.Name() == l.p1.Name() {
				continue
			}
			l, p2 := l, p2
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := p2.Estimate(ctx, asset.XMR, "", req.OutAsset, req.OutNetwork, l.forwardXMR, req.RateType)
				if err != nil || res.ToAmount <= 0 {
					return
				}
				mu.Lock()
				routes = append(routes, RouteOption{
					Leg1Provider:      l.p1.Name(),
					Leg1FromAmount:    req.Amount,
					Leg1ToXMR:         leg1XMR[l.p1.Name()],
					Leg2Provider:      p2.Name(),
					Leg2FromXMR:       l.forwardXMR,
					Leg2ToAmount:      res.ToAmount,
					ProviderSpreadXMR: l.spread,
					OurFeeXMR:         l.ourFee,
					FeePolicy:         FeePolicyMirrorCapped,
					ReceiveOut:        res.ToAmount,
				})
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	if len(routes) == 0 {
		return nil, ErrNoQuote
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].ReceiveOut > routes[j].ReceiveOut })
	return routes, nil
}

// FeeForLeg1 recomputes the mirror-capped fee for one specific leg1 provider
// and amount, independent of route ranking. /api/start uses this so the
// daemon — never the caller — decides our_fee_xmr for a swap.
func (e *Engine) FeeForLeg1(ctx context.Context, req Request, leg1ProviderName string) (ourFeeXMR, leg1ToXMR float64, err error) {
	p1, ok := e.providers.Get(leg1ProviderName)
	if !ok {
		return 0, 0, fmt.Errorf("unknown leg1 provider %q", leg1ProviderName)
	}
	res, err := p1.Estimate(ctx, req.InAsset, req.InNetwork, asset.XMR, "", req.Amount, req.RateType)
	if err != nil || res.ToAmount <= 0 {
		return 0, 0, fmt.Errorf("leg1 estimate unavailable for %q: %w", leg1ProviderName, err)
	}

	prices := e.oracle.GetPrices(ctx)
	midXMR := 0.0
	if pIn, pXMR := prices[req.InAsset], prices[asset.XMR]; pIn > 0 && pXMR > 0 {
		midXMR = req.Amount * pIn / pXMR
	}

	spread := midXMR - res.ToAmount
	if spread < 0 {
		spread = 0
	}
	fee := spread
	if feeCap := e.feeMaxRatio * res.ToAmount; fee > feeCap {
		fee = feeCap
	}
	return fee, res.ToAmount, nil
}

// estimateAll concurrently calls f for every provider, returning a map of
// provider name to result (0 on error — callers treat 0 as "hide this
// route", never as a hard failure).
func (e *Engine) estimateAll(ctx context.Context, providers []provider.Provider, f func(provider.Provider) (float64, error)) map[string]float64 {
	results := make(map[string]float64, len(providers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range providers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f(p)
			if err != nil {
				log.Debug("leg1 estimate failed", "provider", p.Name(), "err", err)
				v = 0
			}
			mu.Lock()
			results[p.Name()] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
