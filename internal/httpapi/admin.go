package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/klingon-exchange/xmrswap/internal/asset"
	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/pkg/helpers"
)

// adminBucket classifies a swap into the coarse admin-listing status per
// spec.md §6: expired > refunded > (leg2 error -> failed) >
// (leg2 finished -> finished) > active.
func adminBucket(s swap.Swap) string {
	switch {
	case s.Expired:
		return "expired"
	case s.Refunded:
		return "refunded"
	case strings.Contains(s.Leg2.StatusText, "error"), strings.Contains(s.Status, "error"):
		return "failed"
	case s.Leg2.StatusText == "finished" || s.Leg2.StatusText == "completed" || s.Leg2.StatusText == "done":
		return "finished"
	default:
		return "active"
	}
}

// adminMetrics are the computed figures the admin UI needs per spec.md §6:
// gross XMR seen, our fee in XMR/USD/%, net XMR estimated, and the provider
// spread if one was recorded at quote time.
type adminMetrics struct {
	GrossXMR          float64 `json:"gross_xmr"`
	OurFeeXMR         float64 `json:"our_fee_xmr"`
	OurFeeUSD         float64 `json:"our_fee_usd"`
	OurFeePercent     float64 `json:"our_fee_percent"`
	NetXMREstimated   float64 `json:"net_xmr_estimated"`
	ProviderSpreadXMR float64 `json:"provider_spread_xmr,omitempty"`
}

type adminSwapView struct {
	swap.Swap
	Bucket  string       `json:"bucket"`
	Metrics adminMetrics `json:"metrics"`
}

func (s *Server) toAdminView(ctx context.Context, sw swap.Swap) adminSwapView {
	grossXMR := helpers.AtomicToXMR(sw.GrossXMRAtomic)
	netXMR := grossXMR - sw.OurFeeXMR
	if netXMR < 0 {
		netXMR = 0
	}
	feePercent := 0.0
	if grossXMR > 0 {
		feePercent = sw.OurFeeXMR / grossXMR * 100
	}
	feeUSD := 0.0
	if s.oracle != nil {
		if pXMR := s.oracle.GetPrices(ctx)[asset.XMR]; pXMR > 0 {
			feeUSD = sw.OurFeeXMR * pXMR
		}
	}
	return adminSwapView{
		Swap:   sw,
		Bucket: adminBucket(sw),
		Metrics: adminMetrics{
			GrossXMR:        grossXMR,
			OurFeeXMR:       sw.OurFeeXMR,
			OurFeeUSD:       feeUSD,
			OurFeePercent:   feePercent,
			NetXMREstimated: netXMR,
		},
	}
}

type adminListResponse struct {
	Swaps      []adminSwapView `json:"swaps"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalCount int             `json:"total_count"`
}

// handleAdminList implements GET /api/admin/swaps.
func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusFilter := strings.ToLower(strings.TrimSpace(q.Get("status")))
	search := strings.ToLower(strings.TrimSpace(q.Get("q")))
	page := atoiOrDefault(q.Get("page"), 1)
	pageSize := atoiOrDefault(q.Get("page_size"), 25)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 25
	}

	all := s.registry.All()
	var matched []swap.Swap
	for _, sw := range all {
		if statusFilter != "" && adminBucket(sw) != statusFilter {
			continue
		}
		if search != "" && !swapMatchesSearch(sw, search) {
			continue
		}
		matched = append(matched, sw)
	}

	total := len(matched)
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	pageItems := matched[start:end]

	views := make([]adminSwapView, 0, len(pageItems))
	for _, sw := range pageItems {
		views = append(views, s.toAdminView(r.Context(), sw))
	}

	writeJSON(w, http.StatusOK, adminListResponse{
		Swaps:      views,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	})
}

// handleAdminDetail implements GET /api/admin/swaps/{swap_id}.
func (s *Server) handleAdminDetail(w http.ResponseWriter, r *http.Request) {
	id := swapid.ID(r.PathValue("swap_id"))
	sw, ok := s.registry.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown swap")
		return
	}
	writeJSON(w, http.StatusOK, s.toAdminView(r.Context(), sw))
}

func swapMatchesSearch(sw swap.Swap, q string) bool {
	haystacks := []string{
		string(sw.ID),
		strings.ToLower(sw.SubaddrAddress),
		strings.ToLower(sw.Leg1.DepositAddress),
		strings.ToLower(sw.Leg2.DepositAddress),
		strings.ToLower(sw.PayoutAddress),
	}
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), q) {
			return true
		}
	}
	return false
}

func atoiOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
