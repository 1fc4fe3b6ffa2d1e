package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// SessionSweeper discards an enrollment session idle past its timeout.
type SessionSweeper interface {
	Sweep(now time.Time) bool
}

// NonceSweeper evicts nonces older than the freshness window.
type NonceSweeper interface {
	Sweep(now time.Time) int
}

// SweepResult reports what one pass removed.
type SweepResult struct {
	SessionExpired bool
	NoncesEvicted  int
	WindowsPruned  int
}

// Sweeper periodically expires the enrollment session, evicts stale nonces
// and prunes idle rate windows.  Any of the targets may be nil.
//
// An interval of 0 disables the sweeper; expiry then only happens lazily on
// the next command.
type Sweeper struct {
	sessions SessionSweeper
	nonces   NonceSweeper
	access   *AccessService
	interval time.Duration
	logger   *log.Logger

	sched    *gocron.Scheduler
	stopOnce sync.Once
	done     chan struct{}
}

func NewSweeper(sessions SessionSweeper, nonces NonceSweeper, access *AccessService, interval time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		nonces:   nonces,
		access:   access,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start schedules the sweep.  gocron runs the first pass immediately.  The
// scheduler stops when ctx is cancelled or Stop is called.
func (p *Sweeper) Start(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.Printf("sweeper disabled (interval=0)")
		p.stopOnce.Do(func() { close(p.done) })
		return nil
	}

	p.sched = gocron.NewScheduler(time.UTC)
	p.sched.SingletonModeAll()
	if _, err := p.sched.Every(p.interval).Do(func() { p.Sweep(time.Now().UTC()) }); err != nil {
		return fmt.Errorf("Sweeper.Start: %w", err)
	}
	p.sched.StartAsync()
	p.logger.Printf("sweeper started (interval=%s)", p.interval)

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
	return nil
}

// Stop halts the scheduler.  Safe to call more than once.
func (p *Sweeper) Stop() {
	p.stopOnce.Do(func() {
		if p.sched != nil {
			p.sched.Stop()
		}
		close(p.done)
	})
}

// Run starts the sweeper and blocks until ctx is done.
func (p *Sweeper) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Sweeper) Sweep(now time.Time) SweepResult {
	var res SweepResult
	if p.sessions != nil {
		res.SessionExpired = p.sessions.Sweep(now)
	}
	if p.nonces != nil {
		res.NoncesEvicted = p.nonces.Sweep(now)
	}
	if p.access != nil {
		res.WindowsPruned = p.access.Prune(now)
	}
	if res.SessionExpired || res.NoncesEvicted > 0 {
		p.logger.Printf("sweep: session_expired=%t nonces_evicted=%d windows_pruned=%d",
			res.SessionExpired, res.NoncesEvicted, res.WindowsPruned)
	}
	return res
}
