// Package provider normalizes four independent third-party swap providers
// (ChangeNOW, Exolix, SimpleSwap, StealthEX) behind one uniform adapter
// interface, hiding their network-naming, auth, and response-shape quirks
// from the quote engine and state machine.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/xmrswap/internal/asset"
)

// RateType selects floating or fixed-rate quoting.
type RateType string

const (
	Float RateType = "float"
	Fixed RateType = "fixed"
)

// ErrProviderCreateFailed is returned when an order-create call fails: a
// transport error, an HTTP status of 400 or above, an unparseable response,
// or an empty deposit address.
var ErrProviderCreateFailed = errors.New("provider create failed")

// EstimateResult is the normalized result of an estimate call.
type EstimateResult struct {
	ToAmount float64
	Raw      json.RawMessage
}

// CreateResult is the normalized result of an order-create call.
type CreateResult struct {
	OrderID        string
	DepositAddress string
	DepositExtra   string
	Raw            json.RawMessage
}

// InfoResult is the normalized result of an order-info call. StatusText is
// always lower-cased; the state machine interprets it against a small
// vocabulary (see internal/swap).
type InfoResult struct {
	StatusText string
	Raw        json.RawMessage
}

// Provider is the uniform contract every swap provider adapter satisfies.
type Provider interface {
	Name() string

	Estimate(ctx context.Context, fromAsset asset.Asset, fromNet asset.Network,
		toAsset asset.Asset, toNet asset.Network, amount float64, rateType RateType) (EstimateResult, error)

	Create(ctx context.Context, fromAsset asset.Asset, fromNet asset.Network,
		toAsset asset.Asset, toNet asset.Network, amount float64, payoutAddress string,
		rateType RateType, refundAddress string) (CreateResult, error)

	Info(ctx context.Context, orderID string) (InfoResult, error)
}

// Registry holds every configured provider by name, the way internal/asset
// and the teacher's backend registry hold their entries.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider, or false if it isn't registered.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns every registered provider, sorted by name for deterministic
// iteration order (quote aggregation depends on stable ordering for tests).
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func createFailed(providerName string, status int, body string) error {
	return fmt.Errorf("%w: %s returned status %d: %s", ErrProviderCreateFailed, providerName, status, body)
}
