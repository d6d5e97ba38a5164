// Package sweeper runs a background ticker that advances every
// non-terminal swap in the registry, so progress happens even with no
// inbound HTTP traffic.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/swapid"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("sweeper")

// Store is the registry slice the sweeper needs: enumerate non-terminal
// swap ids. Advance itself is driven through swap.Advance against the same
// Store the HTTP layer uses.
type Store interface {
	swap.Store
	NonTerminal() []swapid.ID
}

// maxConcurrentAdvances bounds how many swaps are advanced at once per
// sweep, so one slow provider doesn't stall the whole tick.
const maxConcurrentAdvances = 8

// Sweeper periodically advances every non-terminal swap.
type Sweeper struct {
	store    Store
	machine  *swap.Machine
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns a Sweeper that ticks every interval.
func New(store Store, machine *swap.Machine, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		machine:  machine,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it to finish its
// current tick.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce advances every non-terminal swap, bounding concurrency and
// logging (not propagating) per-swap errors — one swap's failure must never
// stop the rest of the sweep.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	ids := s.store.NonTerminal()
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentAdvances)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := swap.Advance(ctx, s.store, s.machine, id); err != nil {
				log.Warn("advance failed", "swap_id", id, "err", err)
			}
		}()
	}
	wg.Wait()
}
