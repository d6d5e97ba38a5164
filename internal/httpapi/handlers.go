package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/quote"
	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
)

// quoteRequestBody mirrors spec.md §3's QuoteRequest over the wire.
type quoteRequestBody struct {
	InAsset    string  `json:"in_asset"`
	InNetwork  string  `json:"in_network"`
	OutAsset   string  `json:"out_asset"`
	OutNetwork string  `json:"out_network"`
	Amount     float64 `json:"amount"`
	RateType   string  `json:"rate_type"`
}

func (b quoteRequestBody) toQuoteRequest() quote.Request {
	return quote.Request{
		InAsset:    asset.Asset(b.InAsset),
		InNetwork:  asset.Network(b.InNetwork),
		OutAsset:   asset.Asset(b.OutAsset),
		OutNetwork: asset.Network(b.OutNetwork),
		Amount:     b.Amount,
		RateType:   provider.RateType(b.RateType),
	}
}

type quoteResponseBody struct {
	Routes    []quote.RouteOption `json:"routes"`
	BestIndex int                 `json:"best_index"`
}

// handleQuote implements POST /api/quote.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := body.toQuoteRequest()
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if err := asset.Validate(req.InAsset, req.InNetwork); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := asset.Validate(req.OutAsset, req.OutNetwork); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	routes, err := s.quoteEng.Quote(r.Context(), req)
	if err != nil {
		if errors.Is(err, quote.ErrNoQuote) {
			writeError(w, http.StatusBadGateway, "no provider returned a usable quote")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, quoteResponseBody{Routes: routes, BestIndex: 0})
}

// startRequestBody mirrors spec.md §6's StartSwapRequest.
type startRequestBody struct {
	Leg1Provider      string  `json:"leg1_provider"`
	Leg2Provider      string  `json:"leg2_provider"`
	InAsset           string  `json:"in_asset"`
	InNetwork         string  `json:"in_network"`
	OutAsset          string  `json:"out_asset"`
	OutNetwork        string  `json:"out_network"`
	Amount            float64 `json:"amount"`
	RateType          string  `json:"rate_type"`
	PayoutAddress     string  `json:"payout_address"`
	RefundAddressUser string  `json:"refund_address_user,omitempty"`
}

type startResponseBody struct {
	SwapID         string `json:"swap_id"`
	DepositAddress string `json:"deposit_address"`
	DepositExtra   string `json:"deposit_extra,omitempty"`
	Leg1TxID       string `json:"leg1_tx_id"`
	Status         string `json:"status"`
}

// handleStart implements POST /api/start: builds the fee-capped request the
// quote engine would have produced for this leg1 provider, then hands off to
// swap.Machine.Start for the actual subaddress/leg1-order creation.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Leg1Provider == "" {
		writeError(w, http.StatusBadRequest, "leg1_provider is required")
		return
	}
	if body.Leg2Provider != "" && body.Leg2Provider == body.Leg1Provider {
		writeError(w, http.StatusBadRequest, "leg1_provider and leg2_provider must differ")
		return
	}
	if body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	qReq := quote.Request{
		InAsset:    asset.Asset(body.InAsset),
		InNetwork:  asset.Network(body.InNetwork),
		OutAsset:   asset.Asset(body.OutAsset),
		OutNetwork: asset.Network(body.OutNetwork),
		Amount:     body.Amount,
		RateType:   provider.RateType(body.RateType),
	}
	ourFeeXMR, _, err := s.quoteEng.FeeForLeg1(r.Context(), qReq, body.Leg1Provider)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unable to price leg1 provider: "+err.Error())
		return
	}

	req := swap.Request{
		Leg1Provider:      body.Leg1Provider,
		Leg2Provider:      body.Leg2Provider,
		InAsset:           qReq.InAsset,
		InNetwork:         qReq.InNetwork,
		OutAsset:          qReq.OutAsset,
		OutNetwork:        qReq.OutNetwork,
		Amount:            body.Amount,
		RateType:          qReq.RateType,
		PayoutAddress:     body.PayoutAddress,
		RefundAddressUser: body.RefundAddressUser,
		OurFeeXMR:         ourFeeXMR,
	}

	sw, err := s.machine.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, swap.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if err := s.registry.Add(*sw); err != nil {
		writeError(w, http.StatusInternalServerError, "persist swap: "+err.Error())
		return
	}
	s.wsHub.Broadcast("created", string(sw.ID), *sw)

	writeJSON(w, http.StatusOK, startResponseBody{
		SwapID:         string(sw.ID),
		DepositAddress: sw.Leg1.DepositAddress,
		DepositExtra:   sw.Leg1.DepositExtra,
		Leg1TxID:       sw.Leg1.OrderID,
		Status:         sw.Status,
	})
}

// handleStatus implements GET /api/status/{swap_id}: triggers one Advance
// cycle and returns the resulting record, same as a sweep tick would.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := swapid.ID(r.PathValue("swap_id"))
	if _, ok := s.registry.Snapshot(id); !ok {
		writeError(w, http.StatusNotFound, "unknown swap")
		return
	}

	sw, err := swap.Advance(r.Context(), s.registry, s.machine, id)
	if err != nil {
		if errors.Is(err, swap.ErrUnknownSwap) {
			writeError(w, http.StatusNotFound, "unknown swap")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
