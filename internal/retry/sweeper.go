// Package retry drives the periodic recovery sweep over processing state.
//
// The sweep walks every live case and decides one of three things: the case
// is healthy and left alone, the case has retry budget and is resent through
// the orchestrator, or the budget is spent and the case moves to the dead
// letter store. The sweep is the only recovery path: nothing else in the
// pipeline re-sends a message once the in-band failure handling has rewound
// a case and parked it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helsebro/infobridge/internal/dlq"
	"github.com/helsebro/infobridge/internal/state"
)

// CaseDriver is the slice of the orchestrator the sweeper drives. All
// mutations go through it so every write stays behind the per-case lock.
type CaseDriver interface {
	// PrepareRetry spends one unit of retry budget and rewinds the case,
	// returning the step the retry should resume from.
	PrepareRetry(ctx context.Context, caseID string) (state.Step, error)
	// ResendQuery re-runs the query phase for a case rewound to INITIATED.
	ResendQuery(ctx context.Context, caseID string) error
	// SendUpdate re-runs the update phase for a case rewound to QUERY_RECEIVED.
	SendUpdate(ctx context.Context, caseID string) error
	// FailAttempt marks the case FAILED without spending budget.
	FailAttempt(ctx context.Context, caseID, reason string) error
	// DeadLetter moves the case to the dead letter store.
	DeadLetter(ctx context.Context, caseID, reason string) error
}

// Config holds the sweep cadence and the per-attempt backoff ladder.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// InitialDelay before the first sweep after startup, so a restart does
	// not immediately resend cases that were mid-flight.
	InitialDelay time.Duration
	// StuckAfter is how long a case may sit unchanged in a non-terminal
	// step before the sweep treats it as stuck.
	StuckAfter time.Duration
	// Backoff holds the minimum wait before attempt N+1; the last entry
	// repeats for any further attempts.
	Backoff []time.Duration
	// MaxRetries is the per-case retry budget.
	MaxRetries int
	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time
}

// Metrics is a point-in-time summary of the recovery backlog.
type Metrics struct {
	TotalFailed  int   `json:"total_failed"`
	PendingRetry int   `json:"pending_retry"`
	InDeadLetter int64 `json:"in_dead_letter"`
}

// Sweeper periodically scans the state store and pushes failed or stuck
// cases back through the orchestrator.
type Sweeper struct {
	states state.Store
	dead   dlq.Store
	driver CaseDriver
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Sweeper. Call Start to begin sweeping.
func New(states state.Store, dead dlq.Store, driver CaseDriver, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		states: states,
		dead:   dead,
		driver: driver,
		cfg:    cfg,
		log:    log,
		now:    cfg.Now,
		done:   make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. Start must be called
// exactly once.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the background goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	delay := time.NewTimer(s.cfg.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-s.done:
		return
	case <-delay.C:
	}

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		s.SweepNow(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
		}
	}
}

// ─── sweep ────────────────────────────────────────────────────────────────────

// SweepNow runs one full sweep synchronously. A failure on one case is
// logged and never stops the rest of the sweep.
func (s *Sweeper) SweepNow(ctx context.Context) {
	ids, err := s.states.ScanCaseIDs(ctx)
	if err != nil {
		s.log.Error("retry sweep: scan failed", "error", err)
		return
	}

	var retried, deadLettered int
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepCase(ctx, id, &retried, &deadLettered)
	}

	if retried > 0 || deadLettered > 0 {
		s.log.Info("retry sweep done",
			"scanned", len(ids),
			"retried", retried,
			"dead_lettered", deadLettered)
	}
}

// sweepCase handles a single case. A panic in one case must not take down
// the whole sweep.
func (s *Sweeper) sweepCase(ctx context.Context, id string, retried, deadLettered *int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("retry sweep: panic", "case_id", id, "panic", r)
		}
	}()

	st, err := s.states.Get(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return // expired or dead-lettered since the scan
	}
	if err != nil {
		s.log.Error("retry sweep: load failed", "case_id", id, "error", err)
		return
	}

	switch {
	case s.exhausted(st):
		reason := fmt.Sprintf("max retries exceeded: %s", st.ErrorMessage)
		if err := s.driver.DeadLetter(ctx, id, reason); err != nil {
			s.log.Error("retry sweep: dead letter failed", "case_id", id, "error", err)
			return
		}
		*deadLettered++
	case s.eligible(st):
		if s.attempt(ctx, st) {
			*retried++
		}
	}
}

// attempt spends one retry on the case and re-runs the phase the
// orchestrator rewound it to. Reports whether the resend went out.
func (s *Sweeper) attempt(ctx context.Context, st *state.ProcessingState) bool {
	step, err := s.driver.PrepareRetry(ctx, st.CaseID)
	if err != nil {
		s.log.Error("retry sweep: prepare failed",
			"case_id", st.CaseID,
			"step", string(st.Step),
			"error", err)
		return false
	}

	s.log.Info("retrying case",
		"case_id", st.CaseID,
		"step", string(step),
		"retry_count", st.RetryCount+1)

	switch step {
	case state.StepInitiated:
		err = s.driver.ResendQuery(ctx, st.CaseID)
	case state.StepQueryReceived:
		err = s.driver.SendUpdate(ctx, st.CaseID)
	default:
		err = fmt.Errorf("retry: no resend for step %s", step)
	}
	if err != nil {
		// The budget is already spent; mark the case FAILED and let the
		// next sweep decide between another attempt and the dead letter
		// store.
		s.log.Error("retry sweep: resend failed", "case_id", st.CaseID, "error", err)
		if ferr := s.driver.FailAttempt(ctx, st.CaseID, fmt.Sprintf("retry failed: %v", err)); ferr != nil {
			s.log.Error("retry sweep: mark failed", "case_id", st.CaseID, "error", ferr)
		}
		return false
	}
	return true
}

// exhausted reports whether the case has burned its whole budget and sits
// in FAILED, which is the dead letter condition.
func (s *Sweeper) exhausted(st *state.ProcessingState) bool {
	return st.Step == state.StepFailed && st.RetryCount >= s.cfg.MaxRetries
}

// eligible reports whether the case should be retried this sweep: budget
// left, either explicitly FAILED or stuck in a non-terminal step, and past
// the backoff window for its attempt number.
//
// Stuckness is judged on UpdatedAt alone, so a case wedged by a transient
// send failure looks identical to one wedged by a lost reply.
func (s *Sweeper) eligible(st *state.ProcessingState) bool {
	if st.RetryCount >= s.cfg.MaxRetries {
		return false
	}
	now := s.now()

	failed := st.Step == state.StepFailed
	stuck := !st.Step.Terminal() && now.Sub(st.UpdatedAt) >= s.cfg.StuckAfter
	if !failed && !stuck {
		return false
	}

	ref := st.UpdatedAt
	if st.LastErrorAt != nil {
		ref = *st.LastErrorAt
	}
	return now.Sub(ref) >= s.backoffFor(st.RetryCount)
}

func (s *Sweeper) backoffFor(retryCount int) time.Duration {
	if len(s.cfg.Backoff) == 0 {
		return 0
	}
	if retryCount >= len(s.cfg.Backoff) {
		retryCount = len(s.cfg.Backoff) - 1
	}
	return s.cfg.Backoff[retryCount]
}

// ─── inspection ───────────────────────────────────────────────────────────────

// Snapshot summarizes the recovery backlog for the inspection API.
func (s *Sweeper) Snapshot(ctx context.Context) (Metrics, error) {
	var m Metrics

	ids, err := s.states.ScanCaseIDs(ctx)
	if err != nil {
		return m, fmt.Errorf("retry: scan case ids: %w", err)
	}
	for _, id := range ids {
		st, err := s.states.Get(ctx, id)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return m, fmt.Errorf("retry: load %s: %w", id, err)
		}
		if st.Step == state.StepFailed {
			m.TotalFailed++
		}
		if s.eligible(st) {
			m.PendingRetry++
		}
	}

	m.InDeadLetter, err = s.dead.Count(ctx)
	if err != nil {
		return m, fmt.Errorf("retry: dead letter count: %w", err)
	}
	return m, nil
}
