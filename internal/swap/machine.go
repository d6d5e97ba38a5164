package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/internal/walletrpc"
	"github.com/klingon-exchange/xmrswap/pkg/helpers"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("swap")

// Store is the slice of internal/registry.Registry the state machine needs:
// a snapshot read and a lock-held mutate-and-persist. Keeping this as a
// narrow interface here (rather than importing internal/registry) keeps the
// dependency direction registry -> swap, not the reverse.
type Store interface {
	Snapshot(id swapid.ID) (Swap, bool)
	Mutate(id swapid.ID, fn func(s *Swap) bool) (Swap, bool, error)
}

// Machine holds the external dependencies Start and Advance need to do I/O.
type Machine struct {
	Wallet               *walletrpc.Client
	Providers            *provider.Registry
	SendFeeReserveAtomic uint64

	// OnTransition, if set, is called with the timeline token and the swap
	// state right after it is committed — the hook the admin WS event feed
	// subscribes through. It runs under the registry's lock, so it must
	// never block; a buffered-channel broadcast with a non-blocking send
	// (as internal/httpapi uses) is the intended shape, not a network call.
	OnTransition func(id swapid.ID, token string, s Swap)
}

// NewMachine builds a Machine. sendFeeReserveXMR comes from internal/config's
// XMR_SEND_FEE_RESERVE.
func NewMachine(wallet *walletrpc.Client, providers *provider.Registry, sendFeeReserveXMR float64) *Machine {
	return &Machine{
		Wallet:               wallet,
		Providers:            providers,
		SendFeeReserveAtomic: helpers.XMRToAtomic(sendFeeReserveXMR),
	}
}

func (m *Machine) emit(id swapid.ID, token string, s *Swap) {
	if m.OnTransition == nil {
		return
	}
	m.OnTransition(id, token, *s)
}

// Start validates req, allocates a subaddress, creates the leg1 order, and
// returns a new Swap in WAITING_DEPOSIT. It performs no registry mutation —
// the caller persists the result only once Start succeeds (per spec: a
// failed leg1 create must never appear in the registry).
func (m *Machine) Start(ctx context.Context, req Request) (*Swap, error) {
	if err := asset.Validate(req.InAsset, req.InNetwork); err != nil {
		return nil, fmt.Errorf("%w: in_asset: %v", ErrValidation, err)
	}
	if err := asset.Validate(req.OutAsset, req.OutNetwork); err != nil {
		return nil, fmt.Errorf("%w: out_asset: %v", ErrValidation, err)
	}

	leg1, ok := m.Providers.Get(req.Leg1Provider)
	if !ok {
		return nil, fmt.Errorf("%w: unknown leg1_provider %q", ErrValidation, req.Leg1Provider)
	}

	leg2Name := req.Leg2Provider
	if leg2Name == "" {
		for _, p := range m.Providers.All() {
			if p.Name() != leg1.Name() {
				leg2Name = p.Name()
				break
			}
		}
		if leg2Name == "" {
			return nil, fmt.Errorf("%w: no leg2 provider available besides %q", ErrValidation, leg1.Name())
		}
	}
	if leg2Name == leg1.Name() {
		return nil, fmt.Errorf("%w: leg1_provider and leg2_provider must differ", ErrValidation)
	}
	if _, ok := m.Providers.Get(leg2Name); !ok {
		return nil, fmt.Errorf("%w: unknown leg2_provider %q", ErrValidation, leg2Name)
	}

	id := swapid.New()

	subAddr, subIndex, err := m.Wallet.CreateSubaddress(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("create subaddress: %w", err)
	}

	created, err := leg1.Create(ctx, req.InAsset, req.InNetwork, asset.XMR, "", req.Amount, subAddr, req.RateType, req.RefundAddressUser)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderCreate, err)
	}
	if created.DepositAddress == "" {
		return nil, fmt.Errorf("%w: %s returned empty deposit address", ErrProviderCreate, leg1.Name())
	}

	s := &Swap{
		ID:                id,
		CreatedAt:         startTime(),
		InAsset:           req.InAsset,
		InNetwork:         req.InNetwork,
		OutAsset:          req.OutAsset,
		OutNetwork:        req.OutNetwork,
		Amount:            req.Amount,
		RateType:          req.RateType,
		RefundAddressUser: req.RefundAddressUser,
		PayoutAddress:     req.PayoutAddress,
		OurFeeXMR:         req.OurFeeXMR,
		OurFeeAtomic:      helpers.XMRToAtomic(req.OurFeeXMR),
		SubaddrAddress:    subAddr,
		SubaddrIndex:      subIndex,
		Leg1: LegRecord{
			Provider:       leg1.Name(),
			OrderID:        created.OrderID,
			DepositAddress: created.DepositAddress,
			DepositExtra:   created.DepositExtra,
			RawInfo:        created.Raw,
		},
		Leg2: Leg2Record{LegRecord: LegRecord{Provider: leg2Name}},
		State:  StateWaitingDeposit,
		Status: "waiting_deposit",
	}
	s.AppendTimeline("created")
	s.AppendTimeline("waiting_deposit")
	return s, nil
}

// startTime is overridden in tests that need a fixed clock; production code
// always uses time.Now.
var startTime = time.Now

// Advance runs one cycle of the swap lifecycle against the snapshot
// currently held by store, performing whatever I/O that cycle calls for and
// committing the result back through store.Mutate. It is safe to call
// concurrently for the same id: every state transition is re-checked for
// terminality and for the leg2 creation guard under the store's lock, so at
// most one call per id at a time creates the leg2 order and sends the wallet
// transfer, and no transfer is sent once Leg2.Created is set. A failed leg2
// create or transfer is recorded as leg2_create_error:<reason> and retried on
// a later call.
func Advance(ctx context.Context, store Store, m *Machine, id swapid.ID) (Swap, error) {
	snap, ok := store.Snapshot(id)
	if !ok {
		return Swap{}, ErrUnknownSwap
	}
	if IsTerminal(snap.State) {
		return snap, nil
	}

	status1, raw1 := refreshInfo(ctx, m, snap.Leg1.Provider, snap.Leg1.OrderID)

	if isRefundedStatus(status1) {
		final, _, err := store.Mutate(id, func(s *Swap) bool {
			if IsTerminal(s.State) {
				return false
			}
			s.Leg1.StatusText = status1
			s.Leg1.RawInfo = raw1
			s.Refunded = true
			s.State = StateRefunded
			s.Status = "refunded"
			s.AppendTimeline("refunded")
			m.emit(id, "refunded", s)
			return true
		})
		return final, err
	}

	age := time.Since(snap.CreatedAt)
	if !snap.Leg2.Created && (isExpiredStatus(status1) || (age > waitingStaleAge && isWaitingStatus(status1))) {
		final, _, err := store.Mutate(id, func(s *Swap) bool {
			if IsTerminal(s.State) || s.Leg2.Created {
				return false
			}
			s.Leg1.StatusText = status1
			s.Leg1.RawInfo = raw1
			s.Expired = true
			s.State = StateExpired
			s.Status = "expired"
			s.AppendTimeline("expired")
			m.emit(id, "expired", s)
			return true
		})
		return final, err
	}

	if isFailedStatus(status1) {
		final, _, err := store.Mutate(id, func(s *Swap) bool {
			if IsTerminal(s.State) || s.Leg2.Created {
				return false
			}
			s.Leg1.StatusText = status1
			s.Leg1.RawInfo = raw1
			s.State = StateFailed
			s.Status = "leg1_failed:" + status1
			s.AppendTimeline("failed")
			m.emit(id, "failed", s)
			return true
		})
		return final, err
	}

	store.Mutate(id, func(s *Swap) bool {
		if IsTerminal(s.State) || s.Leg1.StatusText == status1 {
			return false
		}
		s.Leg1.StatusText = status1
		s.Leg1.RawInfo = raw1
		if s.State == StateWaitingDeposit && !isWaitingStatus(status1) {
			s.State = StateLeg1Funded
			s.Status = "leg1_funded"
			s.AppendTimeline("leg1_funded")
			m.emit(id, "leg1_funded", s)
		}
		return true
	})

	rx := m.Wallet.SumReceived(ctx, snap.SubaddrIndex)
	store.Mutate(id, func(s *Swap) bool {
		if IsTerminal(s.State) || s.GrossXMRAtomic == rx {
			return false
		}
		s.GrossXMRAtomic = rx
		return true
	})

	need := int64(rx) - int64(snap.OurFeeAtomic) - int64(m.SendFeeReserveAtomic)
	if need <= 0 {
		return snapOrErr(store, id)
	}
	needAtomic := uint64(need)

	unlocked, err := m.Wallet.UnlockedBalance(ctx)
	if err != nil {
		log.Warn("unlocked_balance query failed, retrying next cycle", "swap_id", id, "err", err)
		return snapOrErr(store, id)
	}
	if unlocked < needAtomic {
		final, _, err := store.Mutate(id, func(s *Swap) bool {
			if IsTerminal(s.State) || s.Leg2.Created {
				return false
			}
			s.State = StateAwaitingWalletUnlock
			s.Status = "awaiting_wallet_unlock"
			return true
		})
		return final, err
	}

	_, wonGuard, err := store.Mutate(id, func(s *Swap) bool {
		if IsTerminal(s.State) || s.Leg2.Created || s.Leg2.Creating {
			return false
		}
		s.Leg2.Creating = true
		s.State = StateLeg2Creating
		s.Status = "leg2_creating"
		s.AppendTimeline("leg2_creating")
		m.emit(id, "leg2_creating", s)
		return true
	})
	if err != nil {
		return snapOrErr(store, id)
	}

	if wonGuard {
		leg2Provider, ok := m.Providers.Get(snap.Leg2.Provider)
		if !ok {
			store.Mutate(id, func(s *Swap) bool {
				if IsTerminal(s.State) {
					return false
				}
				s.Leg2.Creating = false
				s.State = StateFailed
				s.Status = "leg2_create_error:unknown_provider"
				return true
			})
			return snapOrErr(store, id)
		}

		needXMR := helpers.AtomicToXMR(needAtomic)
		createRes, err := leg2Provider.Create(ctx, asset.XMR, "", snap.OutAsset, snap.OutNetwork, needXMR, snap.PayoutAddress, snap.RateType, snap.SubaddrAddress)
		if err != nil || createRes.DepositAddress == "" {
			reason := "empty_deposit"
			if err != nil {
				reason = "create_failed"
			}
			// Creating is cleared and the state left non-terminal so the
			// next sweep retries the leg2 create.
			store.Mutate(id, func(s *Swap) bool {
				if IsTerminal(s.State) {
					return false
				}
				s.Leg2.Creating = false
				s.Status = "leg2_create_error:" + reason
				return true
			})
			return snapOrErr(store, id)
		}

		txid, err := m.Wallet.Transfer(ctx, createRes.DepositAddress, needAtomic)
		if err != nil {
			store.Mutate(id, func(s *Swap) bool {
				if IsTerminal(s.State) {
					return false
				}
				s.Leg2.Creating = false
				s.Status = "leg2_create_error:wallet_send_failed"
				return true
			})
			return snapOrErr(store, id)
		}

		store.Mutate(id, func(s *Swap) bool {
			if IsTerminal(s.State) {
				return false
			}
			s.Leg2.OrderID = createRes.OrderID
			s.Leg2.DepositAddress = createRes.DepositAddress
			s.Leg2.DepositExtra = createRes.DepositExtra
			s.Leg2.RawInfo = createRes.Raw
			s.Leg2.Created = true
			s.LastSentTxID = txid
			s.State = StateLeg2Routing
			s.Status = "leg2_routing"
			s.AppendTimeline("routing_xmr_to_leg2")
			m.emit(id, "routing_xmr_to_leg2", s)
			return true
		})
	}

	return refreshLeg2(ctx, store, m, id)
}

// refreshLeg2 re-fetches leg2 order info and folds a refund/finished
// detection into the committed state, when leg2 has already been created.
func refreshLeg2(ctx context.Context, store Store, m *Machine, id swapid.ID) (Swap, error) {
	cur, ok := store.Snapshot(id)
	if !ok {
		return Swap{}, ErrUnknownSwap
	}
	if !cur.Leg2.Created || cur.Leg2.OrderID == "" || IsTerminal(cur.State) {
		return cur, nil
	}

	status2, raw2 := refreshInfo(ctx, m, cur.Leg2.Provider, cur.Leg2.OrderID)

	final, _, err := store.Mutate(id, func(s *Swap) bool {
		if IsTerminal(s.State) {
			return false
		}
		s.Leg2.StatusText = status2
		s.Leg2.RawInfo = raw2
		switch {
		case isRefundedStatus(status2):
			s.Refunded = true
			s.State = StateLeg2Refunded
			s.Status = "leg2_refunded"
			s.AppendTimeline("leg2_refunded")
			m.emit(id, "leg2_refunded", s)
		case isFinishedStatus(status2):
			s.State = StateComplete
			s.Status = "complete"
			s.AppendTimeline("complete")
			m.emit(id, "complete", s)
		case isFailedStatus(status2):
			s.State = StateFailed
			s.Status = "leg2_failed:" + status2
			s.AppendTimeline("failed")
			m.emit(id, "failed", s)
		}
		return true
	})
	return final, err
}

func snapOrErr(store Store, id swapid.ID) (Swap, error) {
	s, ok := store.Snapshot(id)
	if !ok {
		return Swap{}, ErrUnknownSwap
	}
	return s, nil
}

func refreshInfo(ctx context.Context, m *Machine, providerName, orderID string) (statusText string, raw []byte) {
	if orderID == "" {
		return "", nil
	}
	p, ok := m.Providers.Get(providerName)
	if !ok {
		return "", nil
	}
	info, err := p.Info(ctx, orderID)
	if err != nil {
		log.Debug("provider info refresh failed", "provider", providerName, "order_id", orderID, "err", err)
		return "", nil
	}
	return info.StatusText, info.Raw
}
