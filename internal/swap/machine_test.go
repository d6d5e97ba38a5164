package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/internal/walletrpc"
)

// fakeStore is a minimal single-swap Store, enough to drive Advance/Start
// tests without pulling in internal/registry (which itself depends on this
// package).
type fakeStore struct {
	mu sync.Mutex
	s  Swap
}

func newFakeStore(s Swap) *fakeStore {
	return &fakeStore{s: s}
}

func (f *fakeStore) Snapshot(id swapid.ID) (Swap, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s.ID != id {
		return Swap{}, false
	}
	return f.s, true
}

func (f *fakeStore) Mutate(id swapid.ID, fn func(s *Swap) bool) (Swap, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s.ID != id {
		return Swap{}, false, ErrUnknownSwap
	}
	changed := fn(&f.s)
	return f.s, changed, nil
}

// mockProvider is a configurable provider.Provider for state-machine tests.
type mockProvider struct {
	name           string
	createDeposit  string
	createOrderID  string
	createErr      error
	infoStatus     string
	infoErr        error
	createCalls    atomic.Int64
	infoCalls      atomic.Int64
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) Estimate(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, rt provider.RateType) (provider.EstimateResult, error) {
	return provider.EstimateResult{}, nil
}

func (p *mockProvider) Create(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, payout string, rt provider.RateType, refund string) (provider.CreateResult, error) {
	p.createCalls.Add(1)
	if p.createErr != nil {
		return provider.CreateResult{}, p.createErr
	}
	return provider.CreateResult{OrderID: p.createOrderID, DepositAddress: p.createDeposit}, nil
}

func (p *mockProvider) Info(ctx context.Context, orderID string) (provider.InfoResult, error) {
	p.infoCalls.Add(1)
	if p.infoErr != nil {
		return provider.InfoResult{}, p.infoErr
	}
	return provider.InfoResult{StatusText: p.infoStatus}, nil
}

// newWalletServer spins up a fake monero-wallet-rpc JSON-RPC server.
// transferCalls counts "transfer" invocations, for the at-most-once checks.
func newWalletServer(t *testing.T, sumReceived, unlocked uint64, transferCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&raw)

		var result any
		switch raw.Method {
		case "create_address":
			result = map[string]any{"address": "9subaddr", "address_index": 1}
		case "get_transfers":
			result = map[string]any{"transfers": []map[string]any{{"txid": "txin1", "amount": sumReceived}}}
		case "get_balance":
			result = map[string]any{"unlocked_balance": unlocked}
		case "transfer":
			if transferCalls != nil {
				transferCalls.Add(1)
			}
			result = map[string]any{"tx_hash": "txleg2"}
		}
		b, _ := json.Marshal(result)
		resp := map[string]any{"jsonrpc": "2.0", "id": raw.ID, "result": json.RawMessage(b)}
		json.NewEncoder(w).Encode(resp)
	}))
}

func baseSwap(id swapid.ID, leg1, leg2 string) Swap {
	return Swap{
		ID:         id,
		CreatedAt:  time.Now(),
		InAsset:    asset.BTC,
		InNetwork:  asset.NetBTC,
		OutAsset:   asset.LTC,
		OutNetwork: asset.NetLTC,
		Amount:     0.01,
		PayoutAddress:  "Lpayout",
		SubaddrAddress: "9subaddr",
		SubaddrIndex:   1,
		Leg1:   LegRecord{Provider: leg1, OrderID: "leg1order"},
		Leg2:   Leg2Record{LegRecord: LegRecord{Provider: leg2}},
		State:  StateWaitingDeposit,
		Status: "waiting_deposit",
	}
}

func TestStartAutoPicksDistinctLeg2Provider(t *testing.T) {
	var transferCalls atomic.Int64
	wsrv := newWalletServer(t, 0, 0, &transferCalls)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", createDeposit: "8deposit", createOrderID: "o1"}
	p2 := &mockProvider{name: "p2"}
	reg := provider.NewRegistry()
	reg.Register(p1)
	reg.Register(p2)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	s, err := m.Start(context.Background(), Request{
		Leg1Provider: "p1",
		InAsset:      asset.BTC, InNetwork: asset.NetBTC,
		OutAsset: asset.LTC, OutNetwork: asset.NetLTC,
		Amount: 0.01, PayoutAddress: "Lpayout",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Leg2.Provider != "p2" {
		t.Errorf("Leg2.Provider = %s, want auto-picked p2", s.Leg2.Provider)
	}
	if s.Leg1.Provider == s.Leg2.Provider {
		t.Error("leg1 and leg2 providers must differ")
	}
	if s.State != StateWaitingDeposit {
		t.Errorf("State = %s, want WAITING_DEPOSIT", s.State)
	}
}

func TestStartRejectsSameProvider(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", createDeposit: "8deposit"}
	reg := provider.NewRegistry()
	reg.Register(p1)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	_, err := m.Start(context.Background(), Request{
		Leg1Provider: "p1", Leg2Provider: "p1",
		InAsset: asset.BTC, InNetwork: asset.NetBTC,
		OutAsset: asset.LTC, OutNetwork: asset.NetLTC,
		Amount: 0.01, PayoutAddress: "Lpayout",
	})
	if err == nil {
		t.Fatal("expected validation error when leg1 == leg2")
	}
}

func TestStartFailsOnEmptyDepositAddress(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", createDeposit: ""}
	p2 := &mockProvider{name: "p2"}
	reg := provider.NewRegistry()
	reg.Register(p1)
	reg.Register(p2)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	_, err := m.Start(context.Background(), Request{
		Leg1Provider: "p1",
		InAsset:      asset.BTC, InNetwork: asset.NetBTC,
		OutAsset: asset.LTC, OutNetwork: asset.NetLTC,
		Amount: 0.01, PayoutAddress: "Lpayout",
	})
	if err == nil {
		t.Fatal("expected error on empty deposit address")
	}
}

func TestAdvanceDetectsRefund(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", infoStatus: "refunded"}
	reg := provider.NewRegistry()
	reg.Register(p1)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	store := newFakeStore(baseSwap(swapid.New(), "p1", "p2"))
	id := store.s.ID

	final, err := Advance(context.Background(), store, m, id)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if final.State != StateRefunded || !final.Refunded {
		t.Errorf("State = %s, Refunded = %v, want REFUNDED/true", final.State, final.Refunded)
	}
}

func TestAdvanceDetectsExpiry(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", infoStatus: "waiting"}
	reg := provider.NewRegistry()
	reg.Register(p1)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	s := baseSwap(swapid.New(), "p1", "p2")
	s.CreatedAt = time.Now().Add(-3 * time.Hour)
	store := newFakeStore(s)

	final, err := Advance(context.Background(), store, m, s.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if final.State != StateExpired || !final.Expired {
		t.Errorf("State = %s, Expired = %v, want EXPIRED/true", final.State, final.Expired)
	}
}

// TestAdvanceExpiresUnpaidImmediately asserts status_text "unpaid" expires a
// swap right away, with no wait for waitingStaleAge, unlike a generic
// "waiting" status.
func TestAdvanceExpiresUnpaidImmediately(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", infoStatus: "unpaid"}
	reg := provider.NewRegistry()
	reg.Register(p1)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	s := baseSwap(swapid.New(), "p1", "p2")
	s.CreatedAt = time.Now()
	store := newFakeStore(s)

	final, err := Advance(context.Background(), store, m, s.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if final.State != StateExpired || !final.Expired {
		t.Errorf("State = %s, Expired = %v, want EXPIRED/true at age 0", final.State, final.Expired)
	}
}

func TestAdvanceTerminalStateNeverOverwritten(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", infoStatus: "refunded"}
	reg := provider.NewRegistry()
	reg.Register(p1)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	s := baseSwap(swapid.New(), "p1", "p2")
	s.State = StateComplete
	s.Status = "complete"
	store := newFakeStore(s)

	final, err := Advance(context.Background(), store, m, s.ID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if final.State != StateComplete {
		t.Errorf("State = %s, want sticky COMPLETE", final.State)
	}
	if p1.infoCalls.Load() != 0 {
		t.Error("expected no provider calls once a swap is terminal")
	}
}

func TestAdvanceExactlyOneTransferUnderConcurrency(t *testing.T) {
	var transferCalls atomic.Int64
	const unit = 1_000_000_000_000 // 1 XMR atomic
	wsrv := newWalletServer(t, unit, unit, &transferCalls)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", infoStatus: "confirming"}
	p2 := &mockProvider{name: "p2", createDeposit: "Lleg2dest", createOrderID: "leg2order", infoStatus: "finished"}
	reg := provider.NewRegistry()
	reg.Register(p1)
	reg.Register(p2)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	s := baseSwap(swapid.New(), "p1", "p2")
	store := newFakeStore(s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Advance(context.Background(), store, m, s.ID); err != nil {
				t.Errorf("Advance: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := transferCalls.Load(); got != 1 {
		t.Errorf("transfer calls = %d, want exactly 1", got)
	}
	if got := p2.createCalls.Load(); got != 1 {
		t.Errorf("leg2 create calls = %d, want exactly 1", got)
	}

	final, _ := store.Snapshot(s.ID)
	if !final.Leg2.Created {
		t.Error("expected Leg2.Created = true")
	}
	if final.LastSentTxID != "txleg2" {
		t.Errorf("LastSentTxID = %s, want txleg2", final.LastSentTxID)
	}
}

func TestAdvanceIdempotentAfterCompletion(t *testing.T) {
	var transferCalls atomic.Int64
	const unit = 1_000_000_000_000
	wsrv := newWalletServer(t, unit, unit, &transferCalls)
	defer wsrv.Close()

	p1 := &mockProvider{name: "p1", infoStatus: "confirming"}
	p2 := &mockProvider{name: "p2", createDeposit: "Lleg2dest", createOrderID: "leg2order", infoStatus: "finished"}
	reg := provider.NewRegistry()
	reg.Register(p1)
	reg.Register(p2)

	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	s := baseSwap(swapid.New(), "p1", "p2")
	store := newFakeStore(s)

	first, err := Advance(context.Background(), store, m, s.ID)
	if err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	if first.State != StateComplete {
		t.Fatalf("State = %s, want COMPLETE after first advance", first.State)
	}

	second, err := Advance(context.Background(), store, m, s.ID)
	if err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if second.State != StateComplete {
		t.Errorf("State = %s, want COMPLETE to remain stable", second.State)
	}
	if transferCalls.Load() != 1 {
		t.Errorf("transfer calls = %d, want exactly 1 across repeated advances", transferCalls.Load())
	}
}

func TestAdvanceUnknownSwap(t *testing.T) {
	wsrv := newWalletServer(t, 0, 0, nil)
	defer wsrv.Close()
	reg := provider.NewRegistry()
	m := NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0)
	store := newFakeStore(baseSwap(swapid.New(), "p1", "p2"))

	_, err := Advance(context.Background(), store, m, swapid.New())
	if err != ErrUnknownSwap {
		t.Errorf("err = %v, want ErrUnknownSwap", err)
	}
}
