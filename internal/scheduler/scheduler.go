// Package scheduler drives due deliveries to the executor on a fixed tick.
// All retry state lives in the store; the scheduler only tracks how many
// attempts it has running per platform.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/executor"
	"github.com/austindbirch/impact_relay/internal/logging"
	"github.com/austindbirch/impact_relay/internal/metrics"
	"github.com/austindbirch/impact_relay/internal/tracing"
)

// Attempter runs one attempt on a claimed delivery.
type Attempter interface {
	Attempt(ctx context.Context, d delivery.Delivery) executor.AttemptResult
}

type Config struct {
	TickInterval   time.Duration
	BatchSize      int // max claims per tick across platforms
	Workers        int // max concurrent attempts
	StuckTimeout   time.Duration
	AttemptTimeout time.Duration // upper bound for one dispatched attempt
	Owner          string
	Concurrency    map[delivery.Platform]int
	Backoff        delivery.Backoff
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 10 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = delivery.DefaultBackoff()
	}
	return c
}

// TickResult summarizes one tick.
type TickResult struct {
	Reclaimed int
	Claimed   map[delivery.Platform]int
}

func (r TickResult) Total() int {
	n := 0
	for _, c := range r.Claimed {
		n += c
	}
	return n
}

type Scheduler struct {
	store  delivery.Claimer
	exec   Attempter
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	inUse  map[delivery.Platform]int
	total  int
	rotate int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

func WithLogger(l *logging.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(store delivery.Claimer, exec Attempter, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		exec:   exec,
		cfg:    cfg.withDefaults(),
		logger: logging.Default(),
		now:    time.Now,
		inUse:  make(map[delivery.Platform]int),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks until ctx is cancelled or Stop is called, then waits for
// in-flight attempts to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithContext(ctx).
		WithField("interval", s.cfg.TickInterval.String()).
		WithField("owner", s.cfg.Owner).
		Info("scheduler started")

	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Plain().Info("scheduler stopped")
			return nil
		case <-s.stop:
			s.Wait()
			s.logger.Plain().Info("scheduler stopped")
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// Stop ends Run after the current tick. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until every dispatched attempt has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("scheduler tick failed")
		return
	}
	if res.Reclaimed > 0 || res.Total() > 0 {
		s.logger.WithContext(ctx).
			WithField("reclaimed", res.Reclaimed).
			WithField("claimed", res.Total()).
			Debug("scheduler tick")
	}
}

// Tick reclaims stuck attempts, then claims and dispatches due deliveries
// without exceeding the batch size, the worker pool or any platform cap. A
// store error aborts the tick; dispatched attempts keep running.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	now := s.now().UTC()
	res := TickResult{Claimed: make(map[delivery.Platform]int)}

	reclaimed, err := s.store.ReclaimStuck(ctx, now.Add(-s.cfg.StuckTimeout), s.cfg.BatchSize, s.reclaim(now))
	if err != nil {
		metrics.RecordTick("error")
		tracing.SetSpanError(ctx, err)
		return res, fmt.Errorf("reclaim stuck attempts: %w", err)
	}
	res.Reclaimed = len(reclaimed)
	if len(reclaimed) > 0 {
		metrics.RecordReclaims(len(reclaimed))
		for _, d := range reclaimed {
			entry := s.logger.WithContext(ctx).WithDelivery(d.ID).WithPlatform(string(d.Platform)).
				WithField("attempt", d.AttemptCount).WithField("status", d.Status)
			if d.Status == delivery.StatusExhausted {
				metrics.RecordExhausted(string(d.Platform), "abandoned")
				entry.Error("stuck attempt reclaimed, delivery exhausted")
			} else {
				entry.Warn("stuck attempt reclaimed")
			}
		}
	}

	remaining := s.cfg.BatchSize
	for _, p := range s.order() {
		if remaining <= 0 {
			break
		}
		n := s.reserve(p, remaining)
		if n == 0 {
			continue
		}
		claimed, err := s.store.ClaimDue(ctx, delivery.ClaimRequest{
			Platform: p,
			Limit:    n,
			Now:      now,
			Owner:    s.cfg.Owner,
		})
		s.release(p, n-len(claimed))
		if err != nil {
			metrics.RecordTick("error")
			tracing.SetSpanError(ctx, err)
			return res, fmt.Errorf("claim %s deliveries: %w", p, err)
		}
		if len(claimed) == 0 {
			continue
		}
		metrics.RecordClaims(string(p), len(claimed))
		res.Claimed[p] = len(claimed)
		remaining -= len(claimed)
		for _, d := range claimed {
			s.dispatch(ctx, d)
		}
	}

	metrics.RecordTick("ok")
	return res, nil
}

// order rotates the platform list so no platform is always claimed last.
func (s *Scheduler) order() []delivery.Platform {
	s.mu.Lock()
	start := s.rotate
	s.rotate++
	s.mu.Unlock()

	ps := delivery.AllPlatforms
	out := make([]delivery.Platform, 0, len(ps))
	for i := range ps {
		out = append(out, ps[(start+i)%len(ps)])
	}
	return out
}

func (s *Scheduler) capFor(p delivery.Platform) int {
	if c, ok := s.cfg.Concurrency[p]; ok && c > 0 {
		return c
	}
	return 4
}

// reserve takes up to want slots for p, bounded by the platform cap and the
// free workers.
func (s *Scheduler) reserve(p delivery.Platform, want int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(want, s.capFor(p)-s.inUse[p], s.cfg.Workers-s.total)
	if n <= 0 {
		return 0
	}
	s.inUse[p] += n
	s.total += n
	return n
}

func (s *Scheduler) release(p delivery.Platform, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.inUse[p] -= n
	s.total -= n
	s.mu.Unlock()
}

// InUse reports the attempts currently running for p.
func (s *Scheduler) InUse(p delivery.Platform) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[p]
}

// dispatch runs the attempt on a context that survives loop cancellation so
// shutdown drains instead of abandoning claims.
func (s *Scheduler) dispatch(ctx context.Context, d delivery.Delivery) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(d.Platform, 1)

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AttemptTimeout)
		defer cancel()
		s.exec.Attempt(actx, d)
	}()
}

// reclaim turns an abandoned IN_FLIGHT attempt into a transient failure.
func (s *Scheduler) reclaim(now time.Time) delivery.ReclaimFunc {
	return func(d delivery.Delivery) (delivery.Attempt, delivery.Transition) {
		started := now
		if d.ClaimedAt != nil {
			started = *d.ClaimedAt
		}
		detail := fmt.Sprintf("attempt abandoned by %s, in flight since %s", ownerOr(d.ClaimedBy), started.Format(time.RFC3339))
		a := delivery.Attempt{
			DeliveryID:    d.ID,
			Cycle:         d.Cycle,
			AttemptNumber: d.AttemptCount,
			StartedAt:     started,
			EndedAt:       now,
			Outcome:       delivery.OutcomeTransientFailure,
			ErrorDetail:   detail,
			Source:        delivery.SourceReclaim,
		}
		return a, delivery.Decide(&d, delivery.OutcomeTransientFailure, 0, detail, now, s.cfg.Backoff)
	}
}

func ownerOr(owner string) string {
	if owner == "" {
		return "unknown worker"
	}
	return owner
}
