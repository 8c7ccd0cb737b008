package job

import (
	"context"
	"time"

	"github.com/book-expert/logger"
)

// EvictFunc releases the resources of an evicted record.
type EvictFunc func(ctx context.Context, record Record)

// Sweeper periodically evicts terminal records older than the retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	onEvict   EvictFunc
	log       *logger.Logger
}

// NewSweeper creates a sweeper. A zero retention disables eviction.
func NewSweeper(store *Store, retention, interval time.Duration, onEvict EvictFunc, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		onEvict:   onEvict,
		log:       log,
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.retention <= 0 || s.interval <= 0 {
		s.log.Info("Job retention sweep disabled.")
		<-ctx.Done()

		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts expired records once and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.store.now().Add(-s.retention)
	evicted := s.store.EvictTerminal(cutoff)

	for _, record := range evicted {
		if s.onEvict != nil {
			s.onEvict(ctx, record)
		}
	}

	if len(evicted) > 0 {
		s.log.Info("Evicted %d expired jobs", len(evicted))
	}

	return len(evicted)
}
