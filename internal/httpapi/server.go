// Package httpapi is the REST transport for the swap daemon: quote, start,
// status, the admin listing/detail endpoints, diagnostics, and an admin
// WebSocket feed of swap-state transitions. Every handler is a thin
// adapter over internal/quote, internal/swap, and internal/registry — it
// owns no swap-lifecycle logic of its own.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/diagnostics"
	"github.com/klingon-exchange/xmrswap/internal/priceoracle"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/quote"
	"github.com/klingon-exchange/xmrswap/internal/registry"
	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

// Version is the daemon build version, set from cmd/xmrswapd's linker flags.
var Version = "0.1.0-dev"

// Server wires the registry, quote engine, and state machine to an
// net/http ServeMux, plus an admin WS event feed.
type Server struct {
	registry  *registry.Registry
	providers *provider.Registry
	quoteEng  *quote.Engine
	machine   *swap.Machine
	diag      *diagnostics.Log
	oracle    *priceoracle.Oracle

	log    *logging.Logger
	wsHub  *wsHub
	server *http.Server
}

// NewServer builds a Server. diag may be nil — diagnostics recording is
// best-effort and skipped entirely when absent.
func NewServer(reg *registry.Registry, providers *provider.Registry, quoteEng *quote.Engine, machine *swap.Machine, diag *diagnostics.Log, oracle *priceoracle.Oracle) *Server {
	hub := newWSHub()
	s := &Server{
		registry:  reg,
		providers: providers,
		quoteEng:  quoteEng,
		machine:   machine,
		diag:      diag,
		oracle:    oracle,
		log:       logging.GetDefault().Component("httpapi"),
		wsHub:     hub,
	}

	// Wire every committed state transition to the admin event feed. This
	// runs under the registry's lock (see swap.Machine.OnTransition's
	// doc), so it must stay non-blocking — wsHub.Broadcast only ever does
	// a buffered, non-blocking channel send.
	machine.OnTransition = func(id swapid.ID, token string, sw swap.Swap) {
		hub.Broadcast(token, string(id), sw)
	}

	return s
}

// Start brings up the HTTP server listening on addr and the WS hub's event
// loop. It does not block.
func (s *Server) Start(addr string) error {
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/quote", s.handleQuote)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("GET /api/status/{swap_id}", s.handleStatus)

	mux.HandleFunc("GET /api/admin/swaps", s.handleAdminList)
	mux.HandleFunc("GET /api/admin/swaps/{swap_id}", s.handleAdminDetail)

	mux.HandleFunc("POST /api/quote-debug", s.handleQuoteDebug)
	mux.HandleFunc("GET /api/provider-probe", s.handleProviderProbe)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.log.Info("http api listening", "addr", addr)
		return nil
	}
}

// Stop gracefully shuts the HTTP server down, waiting up to 5s for
// in-flight requests (including the one sweep cycle /api/status may have
// triggered) to complete.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
