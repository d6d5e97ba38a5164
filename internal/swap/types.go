// Package swap implements the per-swap lifecycle state machine: leg-1
// capture, wallet-mediated interposition, leg-2 creation and forwarding,
// and terminal-state detection.
package swap

import (
	"encoding/json"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
)

// State is one value from the swap lifecycle vocabulary.
type State string

const (
	StateCreated               State = "CREATED"
	StateWaitingDeposit        State = "WAITING_DEPOSIT"
	StateRefunded              State = "REFUNDED"
	StateExpired               State = "EXPIRED"
	StateLeg1Funded            State = "LEG1_FUNDED"
	StateAwaitingWalletUnlock  State = "AWAITING_WALLET_UNLOCK"
	StateLeg2Creating          State = "LEG2_CREATING"
	StateLeg2Routing           State = "LEG2_ROUTING"
	StateLeg2Refunded          State = "LEG2_REFUNDED"
	StateComplete              State = "COMPLETE"
	StateFailed                State = "FAILED"
)

// IsTerminal reports whether a swap in this state is never mutated again.
func IsTerminal(s State) bool {
	switch s {
	case StateRefunded, StateExpired, StateLeg2Refunded, StateComplete, StateFailed:
		return true
	}
	return false
}

// LegRecord is what the state machine tracks about one provider leg.
type LegRecord struct {
	Provider       string          `json:"provider"`
	OrderID        string          `json:"order_id,omitempty"`
	DepositAddress string          `json:"deposit_address,omitempty"`
	DepositExtra   string          `json:"deposit_extra,omitempty"`
	StatusText     string          `json:"status_text,omitempty"`
	RawInfo        json.RawMessage `json:"raw_info,omitempty"`
}

// Leg2Record adds the at-most-once creation guard flags to a LegRecord.
type Leg2Record struct {
	LegRecord
	Creating bool `json:"creating"`
	Created  bool `json:"created"`
}

// Request is the normalized /start request: everything needed to open a new
// swap, after the quote has already selected leg1/leg2 providers.
type Request struct {
	Leg1Provider      string
	Leg2Provider      string // empty: auto-pick first provider != leg1
	InAsset           asset.Asset
	InNetwork         asset.Network
	OutAsset          asset.Asset
	OutNetwork        asset.Network
	Amount            float64
	RateType          provider.RateType
	PayoutAddress     string
	RefundAddressUser string
	OurFeeXMR         float64
}

// Swap is the central persisted entity: one cross-asset swap in flight.
type Swap struct {
	ID        swapid.ID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	InAsset    asset.Asset    `json:"in_asset"`
	InNetwork  asset.Network  `json:"in_network"`
	OutAsset   asset.Asset    `json:"out_asset"`
	OutNetwork asset.Network  `json:"out_network"`
	Amount     float64        `json:"amount"`
	RateType   provider.RateType `json:"rate_type"`

	RefundAddressUser string `json:"refund_address_user,omitempty"`
	PayoutAddress     string `json:"payout_address"`

	OurFeeXMR    float64 `json:"our_fee_xmr"`
	OurFeeAtomic uint64  `json:"our_fee_atomic"`

	// GrossXMRAtomic is the most recently observed sum_received on the
	// swap's subaddress, kept for admin metrics even once a swap completes.
	GrossXMRAtomic uint64 `json:"gross_xmr_atomic"`

	SubaddrAddress string `json:"subaddr_address"`
	SubaddrIndex   uint64 `json:"subaddr_index"`

	Leg1 LegRecord  `json:"leg1"`
	Leg2 Leg2Record `json:"leg2"`

	LastSentTxID string `json:"last_sent_txid,omitempty"`

	State    State    `json:"state"`
	Status   string   `json:"status"`
	Timeline []string `json:"timeline"`

	Expired  bool `json:"expired"`
	Refunded bool `json:"refunded"`
}

// AppendTimeline appends token to the timeline, skipping it if it would
// duplicate the immediately preceding entry (per spec §4.7's "consecutive
// duplicates removed" compaction).
func (s *Swap) AppendTimeline(token string) {
	if n := len(s.Timeline); n > 0 && s.Timeline[n-1] == token {
		return
	}
	s.Timeline = append(s.Timeline, token)
}
