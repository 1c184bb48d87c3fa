package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster pushes the latest state of a match to its players. It must not
// block the tick loop.
type Broadcaster interface {
	Broadcast(matchID int64) error
}

// BroadcasterFunc adapts a plain function to Broadcaster.
type BroadcasterFunc func(matchID int64) error

func (f BroadcasterFunc) Broadcast(matchID int64) error {
	return f(matchID)
}

// Scheduler is the single process-wide tick loop. Every interval it advances
// each live match by one tick with the same timestamp.
type Scheduler struct {
	reg         *Registry
	interval    time.Duration
	broadcaster Broadcaster
	onFinished  func(m *Match)
	metrics     *Metrics
	log         zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	hooks   sync.WaitGroup

	perf tickPerf
}

// NewScheduler builds a scheduler over reg. broadcaster and onFinished may be
// nil; onFinished runs on its own goroutine once per finished match.
func NewScheduler(reg *Registry, broadcaster Broadcaster, onFinished func(*Match), metrics *Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		reg:         reg,
		interval:    reg.Config().TickInterval,
		broadcaster: broadcaster,
		onFinished:  onFinished,
		metrics:     metrics,
		log:         logger.With().Str("component", "scheduler").Logger(),
		now:         time.Now,
	}
}

// ---------------------------------------------------------------------------
// Run / Start / Stop
// ---------------------------------------------------------------------------

func (s *Scheduler) begin(parent context.Context) (context.Context, chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	return ctx, s.done, true
}

func (s *Scheduler) end(done chan struct{}) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	close(done)
}

// Run blocks, ticking every interval until ctx is cancelled. The batch in
// flight when ctx is cancelled is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, done, ok := s.begin(ctx)
	if !ok {
		return ErrSchedulerRunning
	}
	s.loop(ctx, done)
	return nil
}

// Start runs the loop in the background. It reports false if the loop was
// already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	ctx, done, ok := s.begin(ctx)
	if !ok {
		return false
	}
	go s.loop(ctx, done)
	return true
}

// Stop cancels the loop and waits for it, and for any finished hooks still
// running, to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.hooks.Wait()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer s.end(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.interval).Msg("Tick loop started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Tick loop stopped")
			return
		case <-ticker.C:
			s.TickAll()
		}
	}
}

// ---------------------------------------------------------------------------
// Tick batch
// ---------------------------------------------------------------------------

// TickAll advances every live match once. The scheduler loop calls it on each
// period; it never removes matches.
func (s *Scheduler) TickAll() {
	start := time.Now()
	now := s.now()
	for _, id := range s.reg.ActiveIDs() {
		m, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		s.step(m, now)
	}
	elapsed := time.Since(start)
	s.perf.record(elapsed)
	s.metrics.observeBatch(elapsed)
}

func (s *Scheduler) step(m *Match, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int64("match", m.ID).Interface("panic", r).Msg("Tick panicked")
		}
	}()

	m.StartIfDue(now)
	if !m.Running() || m.Finished() {
		return
	}

	cont := m.Tick(now)
	s.metrics.tick()
	s.broadcast(m.ID)
	if cont {
		return
	}

	_, won := m.Winner()
	s.metrics.matchFinished(!won)
	s.broadcast(m.ID)
	if s.onFinished != nil {
		s.hooks.Add(1)
		go s.finished(m)
	}
}

func (s *Scheduler) broadcast(id int64) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(id); err != nil {
		s.log.Debug().Err(err).Int64("match", id).Msg("Broadcast failed")
	}
}

func (s *Scheduler) finished(m *Match) {
	defer s.hooks.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int64("match", m.ID).Interface("panic", r).Msg("Finished hook panicked")
		}
	}()
	s.onFinished(m)
}

// ---------------------------------------------------------------------------
// Tick performance (ring buffer of the last 60 batches)
// ---------------------------------------------------------------------------

type tickPerf struct {
	mu        sync.Mutex
	batches   int64
	durations [60]time.Duration
	idx       int
	maxMs     float64
}

func (p *tickPerf) record(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	p.durations[p.idx%len(p.durations)] = d
	p.idx++
	ms := float64(d.Nanoseconds()) / 1e6
	if ms > p.maxMs {
		p.maxMs = ms
	}
}

// stats returns the batch count, average and maximum batch time in ms.
func (p *tickPerf) stats() (int64, float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var totalNs int64
	count := 0
	for _, d := range p.durations {
		if d > 0 {
			totalNs += d.Nanoseconds()
			count++
		}
	}
	avgMs := 0.0
	if count > 0 {
		avgMs = float64(totalNs) / float64(count) / 1e6
	}
	return p.batches, avgMs, p.maxMs
}
