package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/priceoracle"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/quote"
	"github.com/klingon-exchange/xmrswap/internal/registry"
	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/internal/walletrpc"
)

// mockProvider is a minimal provider.Provider for HTTP-handler tests.
type mockProvider struct {
	name      string
	leg1ToXMR float64
	leg2Out   float64
	deposit   string
	orderID   string
	createErr error
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Estimate(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, rt provider.RateType) (provider.EstimateResult, error) {
	if to == asset.XMR {
		return provider.EstimateResult{ToAmount: m.leg1ToXMR}, nil
	}
	return provider.EstimateResult{ToAmount: m.leg2Out}, nil
}

func (m *mockProvider) Create(ctx context.Context, from asset.Asset, fromNet asset.Network, to asset.Asset, toNet asset.Network, amount float64, payout string, rt provider.RateType, refund string) (provider.CreateResult, error) {
	if m.createErr != nil {
		return provider.CreateResult{}, m.createErr
	}
	return provider.CreateResult{OrderID: m.orderID, DepositAddress: m.deposit}, nil
}

func (m *mockProvider) Info(ctx context.Context, orderID string) (provider.InfoResult, error) {
	return provider.InfoResult{StatusText: "waiting"}, nil
}

// newWalletServer is a bare-bones fake monero-wallet-rpc server, enough for
// Start to allocate a subaddress.
func newWalletServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&raw)
		var result any
		switch raw.Method {
		case "create_address":
			result = map[string]any{"address": "9subaddr", "address_index": 1}
		case "get_transfers":
			result = map[string]any{"transfers": []map[string]any{}}
		case "get_balance":
			result = map[string]any{"unlocked_balance": 0}
		}
		b, _ := json.Marshal(result)
		resp := map[string]any{"jsonrpc": "2.0", "id": raw.ID, "result": json.RawMessage(b)}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestServer(t *testing.T, providers ...*mockProvider) (*Server, *httptest.Server) {
	t.Helper()
	wsrv := newWalletServer(t)
	t.Cleanup(wsrv.Close)

	reg := provider.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	oracle := priceoracle.NewWithEndpoint("http://127.0.0.1:0/nonexistent")
	quoteEng := quote.NewEngine(reg, oracle, 0.15, 0.00030)
	machine := swap.NewMachine(walletrpc.New(wsrv.URL, "", ""), reg, 0.00030)
	swapReg := registry.New("")

	s := NewServer(swapReg, reg, quoteEng, machine, nil, oracle)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/quote", s.handleQuote)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("GET /api/status/{swap_id}", s.handleStatus)
	mux.HandleFunc("GET /api/admin/swaps", s.handleAdminList)
	mux.HandleFunc("GET /api/admin/swaps/{swap_id}", s.handleAdminDetail)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	httpSrv := httptest.NewServer(corsMiddleware(mux))
	t.Cleanup(httpSrv.Close)
	return s, httpSrv
}

func TestHandleQuoteReturnsSortedRoutes(t *testing.T) {
	_, httpSrv := newTestServer(t,
		&mockProvider{name: "p1", leg1ToXMR: 0.60, leg2Out: 700},
		&mockProvider{name: "p2", leg1ToXMR: 0.65, leg2Out: 690},
	)

	body, _ := json.Marshal(quoteRequestBody{
		InAsset: "BTC", InNetwork: "BTC", OutAsset: "LTC", OutNetwork: "LTC",
		Amount: 0.01, RateType: "float",
	})
	resp, err := http.Post(httpSrv.URL+"/api/quote", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/quote: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out quoteResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Routes) == 0 {
		t.Fatal("expected at least one route")
	}
	for i := 1; i < len(out.Routes); i++ {
		if out.Routes[i].ReceiveOut > out.Routes[i-1].ReceiveOut {
			t.Errorf("routes not sorted descending by receive_out at index %d", i)
		}
	}
}

func TestHandleQuoteRejectsInvalidAsset(t *testing.T) {
	_, httpSrv := newTestServer(t, &mockProvider{name: "p1", leg1ToXMR: 0.6, leg2Out: 700})

	body, _ := json.Marshal(quoteRequestBody{
		InAsset: "NOTACOIN", InNetwork: "BTC", OutAsset: "LTC", OutNetwork: "LTC",
		Amount: 0.01, RateType: "float",
	})
	resp, err := http.Post(httpSrv.URL+"/api/quote", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/quote: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleStartCreatesAndPersistsSwap(t *testing.T) {
	s, httpSrv := newTestServer(t,
		&mockProvider{name: "p1", leg1ToXMR: 0.6, leg2Out: 700, deposit: "8deposit", orderID: "order1"},
		&mockProvider{name: "p2", leg1ToXMR: 0.6, leg2Out: 700},
	)

	body, _ := json.Marshal(startRequestBody{
		Leg1Provider: "p1", Leg2Provider: "p2",
		InAsset: "BTC", InNetwork: "BTC", OutAsset: "LTC", OutNetwork: "LTC",
		Amount: 0.01, RateType: "float", PayoutAddress: "Lpayout",
	})
	resp, err := http.Post(httpSrv.URL+"/api/start", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/start: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out startResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.SwapID == "" {
		t.Fatal("expected a swap_id")
	}
	if out.DepositAddress != "8deposit" {
		t.Errorf("deposit_address = %q, want 8deposit", out.DepositAddress)
	}
	if _, ok := s.registry.Snapshot(swapid.ID(out.SwapID)); !ok {
		t.Error("swap was not persisted to the registry")
	}
}

func TestHandleStartRejectsSameLeg1Leg2Provider(t *testing.T) {
	_, httpSrv := newTestServer(t, &mockProvider{name: "p1", leg1ToXMR: 0.6, leg2Out: 700})

	body, _ := json.Marshal(startRequestBody{
		Leg1Provider: "p1", Leg2Provider: "p1",
		InAsset: "BTC", InNetwork: "BTC", OutAsset: "LTC", OutNetwork: "LTC",
		Amount: 0.01, RateType: "float", PayoutAddress: "Lpayout",
	})
	resp, err := http.Post(httpSrv.URL+"/api/start", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/start: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleStatusUnknownSwapReturns404(t *testing.T) {
	_, httpSrv := newTestServer(t, &mockProvider{name: "p1"})

	resp, err := http.Get(httpSrv.URL + "/api/status/does-not-exist")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleAdminListFiltersByStatus(t *testing.T) {
	s, httpSrv := newTestServer(t, &mockProvider{name: "p1"})

	active := swap.Swap{ID: "active-1", State: swap.StateWaitingDeposit, Status: "waiting_deposit"}
	expired := swap.Swap{ID: "expired-1", State: swap.StateExpired, Status: "expired", Expired: true}
	if err := s.registry.Add(active); err != nil {
		t.Fatalf("seed active swap: %v", err)
	}
	if err := s.registry.Add(expired); err != nil {
		t.Fatalf("seed expired swap: %v", err)
	}

	resp, err := http.Get(httpSrv.URL + "/api/admin/swaps?status=expired")
	if err != nil {
		t.Fatalf("GET /api/admin/swaps: %v", err)
	}
	defer resp.Body.Close()

	var out adminListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.TotalCount != 1 || len(out.Swaps) != 1 {
		t.Fatalf("expected exactly 1 expired swap, got total=%d len=%d", out.TotalCount, len(out.Swaps))
	}
	if out.Swaps[0].ID != "expired-1" {
		t.Errorf("ID = %q, want expired-1", out.Swaps[0].ID)
	}
	if out.Swaps[0].Bucket != "expired" {
		t.Errorf("bucket = %q, want expired", out.Swaps[0].Bucket)
	}
}

func TestHandleVersion(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["version"] != Version {
		t.Errorf("version = %q, want %q", out["version"], Version)
	}
}

func TestAdminBucketPriority(t *testing.T) {
	cases := []struct {
		name string
		s    swap.Swap
		want string
	}{
		{"expired wins over refunded", swap.Swap{Expired: true, Refunded: true}, "expired"},
		{"refunded wins over failed leg2", swap.Swap{Refunded: true, Leg2: swap.Leg2Record{LegRecord: swap.LegRecord{StatusText: "error"}}}, "refunded"},
		{"leg2 error is failed", swap.Swap{Leg2: swap.Leg2Record{LegRecord: swap.LegRecord{StatusText: "error"}}}, "failed"},
		{"leg2 finished", swap.Swap{Leg2: swap.Leg2Record{LegRecord: swap.LegRecord{StatusText: "finished"}}}, "finished"},
		{"default active", swap.Swap{}, "active"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := adminBucket(c.s); got != c.want {
				t.Errorf("adminBucket() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestOnTransitionHookBroadcastsNonBlocking(t *testing.T) {
	s, _ := newTestServer(t, &mockProvider{name: "p1"})
	if s.machine.OnTransition == nil {
		t.Fatal("expected NewServer to wire Machine.OnTransition")
	}
	// No WS clients are registered and wsHub.run() isn't started in this
	// test, so nothing drains the hub; the hook must still return promptly.
	done := make(chan struct{})
	go func() {
		s.machine.OnTransition("swap-1", "complete", swap.Swap{ID: "swap-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTransition hook blocked with no WS clients registered")
	}
}
