package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/diagnostics"
	"github.com/klingon-exchange/xmrswap/internal/provider"
)

var errProbeRejected = errors.New("no candidate network pair accepted")

// handleQuoteDebug implements POST /api/quote-debug: runs the same
// per-provider leg1 estimate fan-out the quote engine does, but returns
// every provider's raw estimate (including the zeros a normal quote would
// hide) and logs the call to the diagnostics store.
func (s *Server) handleQuoteDebug(w http.ResponseWriter, r *http.Request) {
	var body quoteRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := body.toQuoteRequest()

	var perProvider []diagnostics.ProviderEstimate
	for _, p := range s.providers.All() {
		res, err := p.Estimate(r.Context(), req.InAsset, req.InNetwork, asset.XMR, "", req.Amount, req.RateType)
		entry := diagnostics.ProviderEstimate{Provider: p.Name(), ToAmount: res.ToAmount, Raw: res.Raw}
		if err != nil {
			entry.Err = err.Error()
		}
		perProvider = append(perProvider, entry)
	}

	routeCount := 0
	if routes, err := s.quoteEng.Quote(r.Context(), req); err == nil {
		routeCount = len(routes)
	}

	if s.diag != nil {
		s.diag.RecordQuoteDebug(body.InAsset, body.InNetwork, body.OutAsset, body.OutNetwork, body.Amount, routeCount, perProvider)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"per_provider": perProvider,
		"route_count":  routeCount,
	})
}

// handleProviderProbe implements GET /api/provider-probe: reports which
// network-name candidates StealthEX accepted for a pair, without creating
// an order. Other providers don't need probing (their network tags are
// fixed conventions, not discovered), so they're reported as not
// applicable rather than probed.
func (s *Server) handleProviderProbe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := asset.Asset(q.Get("from_asset"))
	to := asset.Asset(q.Get("to_asset"))
	fromNet := asset.Network(q.Get("from_network"))
	toNet := asset.Network(q.Get("to_network"))

	type probeResult struct {
		Provider        string `json:"provider"`
		Applicable      bool   `json:"applicable"`
		AcceptedFromNet string `json:"accepted_from_network,omitempty"`
		AcceptedToNet   string `json:"accepted_to_network,omitempty"`
		OK              bool   `json:"ok"`
	}

	var results []probeResult
	for _, p := range s.providers.All() {
		sx, ok := p.(*provider.StealthEX)
		if !ok {
			results = append(results, probeResult{Provider: p.Name(), Applicable: false})
			continue
		}
		nf, nt, accepted := sx.Probe(r.Context(), from, to, fromNet, toNet, provider.Float)
		if s.diag != nil {
			var probeErr error
			if !accepted {
				probeErr = errProbeRejected
			}
			s.diag.RecordProviderProbe(p.Name(), string(from), string(to), nf, nt, accepted, probeErr)
		}
		results = append(results, probeResult{
			Provider:        p.Name(),
			Applicable:      true,
			AcceptedFromNet: nf,
			AcceptedToNet:   nt,
			OK:              accepted,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleVersion implements GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}
