// Package cycle runs the retention pipeline across every connected tenant:
// score each client, decide on at most one action and execute it.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/decision"
	"github.com/stellarlinkco/retentiond/internal/metrics"
	"github.com/stellarlinkco/retentiond/internal/scoring"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// Triggers recorded on each run.
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
)

// Run outcomes, also used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomePanicked  = "panicked"
	OutcomeSkipped   = "skipped"
)

type Directory interface {
	ListConnected(ctx context.Context) ([]tenant.Tenant, error)
	Clients(ctx context.Context, tenantID string) ([]tenant.Client, error)
}

type ActivityStore interface {
	Checkins(ctx context.Context, tenantID, phone string, windowDays int) ([]scoring.Checkin, error)
	Messages(ctx context.Context, tenantID, phone string, windowDays int) ([]scoring.Message, error)
}

type ScoreStore interface {
	PreviousMotivation(ctx context.Context, tenantID, phone string) (scoring.Motivation, error)
	UpsertSnapshot(ctx context.Context, snap scoring.Snapshot) error
}

type Decider interface {
	Decide(ctx context.Context, snap scoring.Snapshot, today time.Time) (decision.Action, error)
}

type Executor interface {
	Execute(ctx context.Context, t tenant.Tenant, c tenant.Client, a decision.Action) (bool, error)
}

type Options struct {
	Directory Directory
	Activity  ActivityStore
	Scores    ScoreStore
	Computer  *scoring.Computer
	Decider   Decider
	Executor  Executor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// Location applies to tenants without a valid timezone of their own.
	Location *time.Location
	Now      func() time.Time
}

// Result summarizes one run.
type Result struct {
	Trigger         string
	Outcome         string
	ActionsExecuted int
	Tenants         int
	Clients         int
	TenantFailures  int
	StartedAt       time.Time
	FinishedAt      time.Time
	// Err is set when the run failed as a whole.
	Err error
}

// Skipped reports whether the run was refused because another one was active.
func (r Result) Skipped() bool {
	return r.Outcome == OutcomeSkipped
}

type Status struct {
	Running bool
	// Last is nil until a run has finished.
	Last *Result
}

// Orchestrator serializes runs behind a single flag. Tenants and clients are
// processed one at a time.
type Orchestrator struct {
	dir      Directory
	activity ActivityStore
	scores   ScoreStore
	computer *scoring.Computer
	decider  Decider
	exec     Executor
	metrics  *metrics.Metrics
	log      *zap.Logger
	loc      *time.Location
	now      func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	last *Result
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	computer := opts.Computer
	if computer == nil {
		computer = scoring.NewComputer(scoring.DefaultTuning())
	}
	return &Orchestrator{
		dir:      opts.Directory,
		activity: opts.Activity,
		scores:   opts.Scores,
		computer: computer,
		decider:  opts.Decider,
		exec:     opts.Executor,
		metrics:  opts.Metrics,
		log:      log.Named("cycle"),
		loc:      loc,
		now:      now,
	}
}

// RunNow runs a cycle on demand.
func (o *Orchestrator) RunNow(ctx context.Context) Result {
	return o.Run(ctx, TriggerManual)
}

// Run executes one cycle unless another is in progress, in which case it
// returns immediately with a skipped result. The flag is released on every
// path, including panics.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (res Result) {
	if !o.running.CompareAndSwap(false, true) {
		o.log.Info("cycle already running, skipping", zap.String("trigger", trigger))
		o.metrics.RecordCycle(trigger, OutcomeSkipped, 0)
		return Result{Trigger: trigger, Outcome: OutcomeSkipped}
	}
	defer o.running.Store(false)

	res = Result{Trigger: trigger, StartedAt: o.now()}
	log := o.log.With(zap.String("trigger", trigger))
	log.Info("cycle started")

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomePanicked
			res.Err = fmt.Errorf("cycle panic: %v", r)
			log.Error("cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		res.FinishedAt = o.now()
		o.finish(res, log)
	}()

	res.Outcome, res.Err = o.run(ctx, &res, log)
	return res
}

func (o *Orchestrator) run(ctx context.Context, res *Result, log *zap.Logger) (string, error) {
	tenants, err := o.dir.ListConnected(ctx)
	if err != nil {
		log.Error("list connected tenants", zap.Error(err))
		return OutcomeFailed, fmt.Errorf("list connected tenants: %w", err)
	}

	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return OutcomeCancelled, err
		}
		res.Tenants++
		if err := o.processTenant(ctx, t, res); err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, ctx.Err()
			}
			res.TenantFailures++
			o.metrics.RecordTenantFailure()
			log.Error("tenant failed", zap.String("tenant", t.ID), zap.Error(err))
		}
	}
	return OutcomeCompleted, nil
}

// processTenant stops at the first client error. Clients already handled keep
// their snapshots and actions.
func (o *Orchestrator) processTenant(ctx context.Context, t tenant.Tenant, res *Result) error {
	clients, err := o.dir.Clients(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	now := o.now().In(t.Location(o.loc))

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Clients++
		sent, err := o.processClient(ctx, t, c, now)
		// A message can be out even when the wait after it was cut short.
		if sent {
			res.ActionsExecuted++
		}
		if err != nil {
			return fmt.Errorf("client %s: %w", c.Phone, err)
		}
	}
	return nil
}

func (o *Orchestrator) processClient(ctx context.Context, t tenant.Tenant, c tenant.Client, now time.Time) (bool, error) {
	checkins, err := o.activity.Checkins(ctx, t.ID, c.Phone, scoring.CheckinLookbackDays)
	if err != nil {
		return false, err
	}
	messages, err := o.activity.Messages(ctx, t.ID, c.Phone, scoring.MessageLookbackDays)
	if err != nil {
		return false, err
	}
	prev, err := o.scores.PreviousMotivation(ctx, t.ID, c.Phone)
	if err != nil {
		return false, err
	}

	snap := o.computer.Compute(scoring.Input{
		TenantID:           t.ID,
		ClientPhone:        c.Phone,
		Checkins:           checkins,
		Messages:           messages,
		PreviousMotivation: prev,
		Now:                now,
	})
	if err := o.scores.UpsertSnapshot(ctx, snap); err != nil {
		return false, err
	}
	o.metrics.RecordSnapshot()

	action, err := o.decider.Decide(ctx, snap, now)
	if err != nil {
		return false, err
	}
	if action == nil {
		return false, nil
	}
	return o.exec.Execute(ctx, t, c, action)
}

func (o *Orchestrator) finish(res Result, log *zap.Logger) {
	o.metrics.RecordCycle(res.Trigger, res.Outcome, res.FinishedAt.Sub(res.StartedAt))

	o.mu.Lock()
	o.last = &res
	o.mu.Unlock()

	log.Info("cycle finished",
		zap.String("outcome", res.Outcome),
		zap.Int("tenants", res.Tenants),
		zap.Int("clients", res.Clients),
		zap.Int("tenant_failures", res.TenantFailures),
		zap.Int("actions_executed", res.ActionsExecuted),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Running: o.running.Load()}
	if o.last != nil {
		last := *o.last
		st.Last = &last
	}
	return st
}
