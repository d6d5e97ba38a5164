// Package asset defines the closed set of assets and networks the daemon
// understands, mirroring the fixed coin/chain registry pattern used
// throughout the rest of the daemon's config and provider layers.
package asset

import "fmt"

// Asset is a symbol drawn from the closed external-facing set, plus the
// internal-only XMR asset used for the interposed wallet leg.
type Asset string

// Network is a chain tag qualifying an Asset.
type Network string

const (
	BTC  Asset = "BTC"
	ETH  Asset = "ETH"
	USDT Asset = "USDT"
	USDC Asset = "USDC"
	LTC  Asset = "LTC"
	XMR  Asset = "XMR"
)

const (
	NetBTC Network = "BTC"
	NetETH Network = "ETH"
	NetTRX Network = "TRX"
	NetBSC Network = "BSC"
	NetLTC Network = "LTC"
)

// nativeNetwork maps each native-coin symbol to its implied native network.
var nativeNetwork = map[Asset]Network{
	BTC: NetBTC,
	ETH: NetETH,
	LTC: NetLTC,
}

// supportedNetworks lists, for every external-facing asset, the networks it
// may legitimately be requested on. Multi-chain tokens (USDT/USDC) may appear
// on any of the supported token networks; native coins only on their own.
var supportedNetworks = map[Asset]map[Network]bool{
	BTC:  {NetBTC: true},
	ETH:  {NetETH: true},
	LTC:  {NetLTC: true},
	USDT: {NetETH: true, NetTRX: true, NetBSC: true},
	USDC: {NetETH: true, NetTRX: true, NetBSC: true},
}

// IsValid reports whether (a, n) is a recognized asset/network pair.
// XMR is valid only with an empty network — it is never network-qualified.
func IsValid(a Asset, n Network) bool {
	if a == XMR {
		return n == ""
	}
	nets, ok := supportedNetworks[a]
	if !ok {
		return false
	}
	if n == "" {
		return false
	}
	return nets[n]
}

// NativeNetwork returns the implied network for a native-coin symbol, and
// true if the asset has one (BTC, ETH, LTC). Tokens have no implied network.
func NativeNetwork(a Asset) (Network, bool) {
	n, ok := nativeNetwork[a]
	return n, ok
}

// Validate returns a descriptive error for an invalid (asset, network) pair,
// or nil if the pair is recognized.
func Validate(a Asset, n Network) error {
	if !IsValid(a, n) {
		return fmt.Errorf("unsupported asset/network pair: %s/%s", a, n)
	}
	return nil
}

// All returns the closed set of external-facing assets (excludes XMR, which
// is never a user-facing in/out asset — only the internal interposed leg).
func All() []Asset {
	return []Asset{BTC, ETH, USDT, USDC, LTC}
}
