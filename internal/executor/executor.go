// Package executor turns a decided action into a delivered, audited message.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/decision"
	"github.com/stellarlinkco/retentiond/internal/metrics"
	"github.com/stellarlinkco/retentiond/internal/store"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

type Generator interface {
	Generate(ctx context.Context, pc decision.PromptContext) (string, error)
}

type Ledger interface {
	InsertPending(ctx context.Context, rec store.ActionRecord) (bool, error)
	UpdateStatus(ctx context.Context, tenantID, actionKey string, u store.StatusUpdate) error
}

type Messenger interface {
	Send(ctx context.Context, ch tenant.Channel, c tenant.Client, text string) error
}

type ConversationLog interface {
	Append(ctx context.Context, e store.ConversationEntry) error
}

// Options configures an Executor. Generator may be nil, in which case every
// message uses its template.
type Options struct {
	Generator    Generator
	Ledger       Ledger
	Messenger    Messenger
	Conversation ConversationLog
	Delay        time.Duration
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

type Executor struct {
	gen     Generator
	ledger  Ledger
	send    Messenger
	convo   ConversationLog
	delay   time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Executor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		gen:     opts.Generator,
		ledger:  opts.Ledger,
		send:    opts.Messenger,
		convo:   opts.Conversation,
		delay:   opts.Delay,
		metrics: opts.Metrics,
		log:     log.Named("executor"),
		now:     now,
		sleep:   sleepContext,
	}
}

// Execute composes, records and dispatches one action. It reports whether a
// message was delivered. Delivery failures are recorded on the action and are
// not returned as errors; only ledger failures before dispatch are.
//
// The key is claimed as pending before the message is composed, so a key
// already pending or sent is skipped without a generator call or a send. The
// text is stored with the final status. Every attempted dispatch is followed
// by the configured delay.
func (e *Executor) Execute(ctx context.Context, t tenant.Tenant, c tenant.Client, a decision.Action) (bool, error) {
	log := e.log.With(
		zap.String("tenant", t.ID),
		zap.String("client", c.Phone),
		zap.String("action_key", a.Key()),
	)
	kind := string(a.Kind())

	claimed, err := e.ledger.InsertPending(ctx, store.ActionRecord{
		TenantID:    t.ID,
		ClientPhone: c.Phone,
		ActionKey:   a.Key(),
		ActionType:  kind,
		Reason:      a.Reason(),
	})
	if err != nil {
		return false, fmt.Errorf("record pending %s: %w", a.Key(), err)
	}
	if !claimed {
		log.Info("action already recorded, skipping")
		e.metrics.RecordAction(kind, "skipped")
		return false, nil
	}

	text := e.compose(ctx, t, c, a, log)
	sent := e.dispatch(ctx, t, c, a, text, log)
	return sent, e.sleep(ctx, e.delay)
}

func (e *Executor) compose(ctx context.Context, t tenant.Tenant, c tenant.Client, a decision.Action, log *zap.Logger) string {
	if e.gen != nil {
		raw, err := e.gen.Generate(ctx, decision.NewPromptContext(t, c, a))
		if err == nil {
			if text := cleanText(raw); text != "" {
				return text
			}
			err = errors.New("generated text is empty")
		}
		log.Warn("generation failed, using template", zap.Error(err))
	}
	e.metrics.RecordFallback(string(a.Kind()))
	return cleanText(Fallback(c, a))
}

func (e *Executor) dispatch(ctx context.Context, t tenant.Tenant, c tenant.Client, a decision.Action, text string, log *zap.Logger) bool {
	kind := string(a.Kind())

	if err := e.send.Send(ctx, t.Channel, c, text); err != nil {
		log.Warn("dispatch failed", zap.Error(err))
		e.metrics.RecordAction(kind, store.StatusFailed)
		if uerr := e.ledger.UpdateStatus(ctx, t.ID, a.Key(), store.StatusUpdate{
			Status:         store.StatusFailed,
			Error:          err.Error(),
			MessageContent: text,
		}); uerr != nil {
			log.Error("mark action failed", zap.Error(uerr))
		}
		return false
	}

	sentAt := e.now()
	e.metrics.RecordAction(kind, store.StatusSent)

	// The message is out; bookkeeping errors below are logged, not returned.
	if err := e.ledger.UpdateStatus(ctx, t.ID, a.Key(), store.StatusUpdate{
		Status:         store.StatusSent,
		SentAt:         sentAt,
		MessageContent: text,
	}); err != nil {
		log.Error("mark action sent; record stays pending", zap.Error(err))
	}
	if err := e.convo.Append(ctx, store.ConversationEntry{
		TenantID:    t.ID,
		ClientPhone: c.Phone,
		Role:        store.RoleAssistant,
		Content:     text,
		CreatedAt:   sentAt,
		Metadata: map[string]any{
			"automated":   true,
			"action_type": kind,
			"action_key":  a.Key(),
		},
	}); err != nil {
		log.Error("append conversation", zap.Error(err))
	}

	log.Info("action sent", zap.String("action_type", kind))
	return true
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
