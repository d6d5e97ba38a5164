package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/priceoracle"
)

func TestStealthEXEstimateAppliesHaircut(t *testing.T) {
	var probeCalls int32
	sxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probeCalls, 1)
		w.Write([]byte(`{"min_amount": 0.001}`))
	}))
	defer sxSrv.Close()

	priceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"BTC": 60000, "XMR": 150}`))
	}))
	defer priceSrv.Close()

	oracle := priceoracle.NewWithEndpoint(priceSrv.URL)
	sx := NewStealthEXWithBaseURL("", 0.93, time.Minute, oracle, sxSrv.URL)

	res, err := sx.Estimate(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, Float)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	want := (0.01 * 60000 / 150) * 0.93
	if res.ToAmount < want-1e-9 || res.ToAmount > want+1e-9 {
		t.Errorf("ToAmount = %v, want %v", res.ToAmount, want)
	}

	// Second call for the same pair should hit the cache, not re-probe.
	if _, err := sx.Estimate(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.02, Float); err != nil {
		t.Fatalf("Estimate #2: %v", err)
	}
	if atomic.LoadInt32(&probeCalls) != 1 {
		t.Errorf("probe called %d times, want 1 (second call should use cache)", probeCalls)
	}
}

func TestStealthEXEstimateZeroBelowMin(t *testing.T) {
	sxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"min_amount": 1.0}`))
	}))
	defer sxSrv.Close()

	oracle := priceoracle.New()
	sx := NewStealthEXWithBaseURL("", 0.93, time.Minute, oracle, sxSrv.URL)

	res, err := sx.Estimate(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, Float)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if res.ToAmount != 0 {
		t.Errorf("ToAmount = %v, want 0 (below provider minimum)", res.ToAmount)
	}
}

func TestStealthEXCreateParsesNestedDeposit(t *testing.T) {
	sxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/rates/range"):
			w.Write([]byte(`{"min_amount": 0.001}`))
		case strings.Contains(r.URL.Path, "/exchanges"):
			w.Write([]byte(`{"id":"ex123","deposit":{"address":"3deposit","extra_id":"tag1"}}`))
		}
	}))
	defer sxSrv.Close()

	oracle := priceoracle.New()
	sx := NewStealthEXWithBaseURL("", 0.93, time.Minute, oracle, sxSrv.URL)

	res, err := sx.Create(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, "9payout", Float, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.OrderID != "ex123" {
		t.Errorf("OrderID = %q, want ex123", res.OrderID)
	}
	if res.DepositAddress != "3deposit" {
		t.Errorf("DepositAddress = %q, want 3deposit", res.DepositAddress)
	}
	if res.DepositExtra != "tag1" {
		t.Errorf("DepositExtra = %q, want tag1", res.DepositExtra)
	}
}

func TestStealthEXCreateFailsOnMissingDeposit(t *testing.T) {
	sxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/rates/range"):
			w.Write([]byte(`{"min_amount": 0.001}`))
		case strings.Contains(r.URL.Path, "/exchanges"):
			w.Write([]byte(`{"id":"ex123"}`))
		}
	}))
	defer sxSrv.Close()

	oracle := priceoracle.New()
	sx := NewStealthEXWithBaseURL("", 0.93, time.Minute, oracle, sxSrv.URL)

	if _, err := sx.Create(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, "9payout", Float, ""); err == nil {
		t.Fatal("expected an error when the response has no deposit address")
	}
}

func TestStealthEXCandidatesNativeVsToken(t *testing.T) {
	if got := stealthexCandidates(asset.XMR, ""); len(got) != 1 || got[0] != "mainnet" {
		t.Errorf("XMR candidates = %v, want [mainnet]", got)
	}
	got := stealthexCandidates(asset.USDT, asset.NetTRX)
	if len(got) == 0 || got[0] != "tron" {
		t.Errorf("USDT/TRX candidates = %v, want to start with tron", got)
	}
}
