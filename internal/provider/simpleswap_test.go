package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klingon-exchange/xmrswap/internal/asset"
)

func TestSimpleSwapEstimateBareNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0.725"))
	}))
	defer srv.Close()

	s := NewSimpleSwapWithBaseURL("", srv.URL)
	res, err := s.Estimate(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, Float)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if res.ToAmount != 0.725 {
		t.Errorf("ToAmount = %v, want 0.725", res.ToAmount)
	}
}

func TestSimpleSwapEstimateObjectShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"estimated_amount": 0.5}`))
	}))
	defer srv.Close()

	s := NewSimpleSwapWithBaseURL("", srv.URL)
	res, _ := s.Estimate(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, Float)
	if res.ToAmount != 0.5 {
		t.Errorf("ToAmount = %v, want 0.5", res.ToAmount)
	}
}

func TestSimpleSwapCreateNormalizesDepositField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "ss1", "address_from": "8deposit..."}`))
	}))
	defer srv.Close()

	s := NewSimpleSwapWithBaseURL("", srv.URL)
	res, err := s.Create(context.Background(), asset.BTC, asset.NetBTC, asset.XMR, "", 0.01, "8payout", Float, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.DepositAddress != "8deposit..." {
		t.Errorf("DepositAddress = %q, want normalized from address_from", res.DepositAddress)
	}
}

func TestSimpleSwapMapNetworkNativeCoinOmitted(t *testing.T) {
	s := NewSimpleSwap("")
	if n := s.mapNetwork(asset.BTC, asset.NetBTC); n != "" {
		t.Errorf("mapNetwork(BTC) = %q, want empty (never network-qualified)", n)
	}
	if n := s.mapNetwork(asset.USDT, asset.NetETH); n != "erc20" {
		t.Errorf("mapNetwork(USDT, ETH) = %q, want erc20", n)
	}
	if n := s.mapNetwork(asset.USDT, asset.NetTRX); n != "trc20" {
		t.Errorf("mapNetwork(USDT, TRX) = %q, want trc20", n)
	}
}
