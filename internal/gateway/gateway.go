// Package gateway wires the store, channels, generator, cycle and scheduler
// into a running daemon.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/channel"
	"github.com/stellarlinkco/retentiond/internal/config"
	"github.com/stellarlinkco/retentiond/internal/cron"
	"github.com/stellarlinkco/retentiond/internal/cycle"
	"github.com/stellarlinkco/retentiond/internal/decision"
	"github.com/stellarlinkco/retentiond/internal/executor"
	"github.com/stellarlinkco/retentiond/internal/generator"
	"github.com/stellarlinkco/retentiond/internal/httpapi"
	"github.com/stellarlinkco/retentiond/internal/metrics"
	"github.com/stellarlinkco/retentiond/internal/scoring"
	"github.com/stellarlinkco/retentiond/internal/store"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

const (
	hookTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	// drainTimeout bounds how long Shutdown waits for an in-flight cycle.
	drainTimeout = 30 * time.Second
	drainPoll    = 50 * time.Millisecond
)

// Channels is the messaging surface the gateway drives.
type Channels interface {
	Send(ctx context.Context, ch tenant.Channel, c tenant.Client, text string) error
	StartAll(ctx context.Context) error
	StopAll() error
	EnabledChannels() []string
}

// ChannelsFactory creates the channel senders (allows mocking in tests).
type ChannelsFactory func(ctx context.Context, cfg config.ChannelsConfig, hooks channel.Hooks, log *zap.Logger) (Channels, error)

// GeneratorFactory creates the message generator. A nil generator means every
// message uses its template.
type GeneratorFactory func(cfg config.ProviderConfig, log *zap.Logger) (executor.Generator, error)

// Options for creating a Gateway
type Options struct {
	GeneratorFactory GeneratorFactory
	ChannelsFactory  ChannelsFactory
	Logger           *zap.Logger
	// Registry receives the daemon metrics. A fresh registry with Go and
	// process collectors is used when nil.
	Registry   *prometheus.Registry
	SignalChan chan os.Signal // for testing signal handling
	Now        func() time.Time
}

// DefaultGeneratorFactory uses the configured LLM provider, or no generator
// when no API key is set.
func DefaultGeneratorFactory(cfg config.ProviderConfig, log *zap.Logger) (executor.Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		log.Warn("no provider api key configured, messages will use templates")
		return nil, nil
	}
	return generator.New(generator.NewProvider(cfg), cfg, log), nil
}

func DefaultChannelsFactory(ctx context.Context, cfg config.ChannelsConfig, hooks channel.Hooks, log *zap.Logger) (Channels, error) {
	r, err := channel.NewRouterFromConfig(ctx, cfg, hooks, log)
	if err != nil {
		return nil, err
	}
	return r, nil
}

type Gateway struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *store.Store
	channels Channels
	orch     *cycle.Orchestrator
	cron     *cron.Service
	http     *httpapi.Server
	registry *prometheus.Registry

	signalChan   chan os.Signal
	drainTimeout time.Duration
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{Logger: log})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{cfg: cfg, log: log.Named("gateway"), signalChan: opts.SignalChan, drainTimeout: drainTimeout}

	st, err := store.Open(cfg.Database.Path, store.WithClock(now))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.registry = opts.Registry
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(g.registry)

	genFactory := opts.GeneratorFactory
	if genFactory == nil {
		genFactory = DefaultGeneratorFactory
	}
	gen, err := genFactory(cfg.Provider, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create generator: %w", err)
	}

	chFactory := opts.ChannelsFactory
	if chFactory == nil {
		chFactory = DefaultChannelsFactory
	}
	hooks := channel.Hooks{
		OnInbound:    g.handleInbound,
		OnConnection: g.handleConnection,
	}
	channels, err := chFactory(ctx, cfg.Channels, hooks, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channels: %w", err)
	}
	g.channels = channels

	execOpts := executor.Options{
		Ledger:       st,
		Messenger:    channels,
		Conversation: st,
		Delay:        cfg.Schedule.ActionDelay,
		Metrics:      m,
		Logger:       log,
		Now:          now,
	}
	if gen != nil {
		execOpts.Generator = gen
	}

	g.orch = cycle.New(cycle.Options{
		Directory: st,
		Activity:  st,
		Scores:    st,
		Computer:  scoring.NewComputer(cfg.Scoring),
		Decider:   decision.NewEngine(st),
		Executor:  executor.New(execOpts),
		Metrics:   m,
		Logger:    log,
		Location:  cfg.Location(),
		Now:       now,
	})

	if cfg.Schedule.Enabled {
		g.cron, err = cron.NewService(cron.Options{
			Spec:         cfg.Schedule.Cron,
			Location:     cfg.Location(),
			StartupDelay: cfg.Schedule.StartupDelay,
			Logger:       log,
		}, func(ctx context.Context, trigger string) {
			g.orch.Run(ctx, trigger)
		})
		if err != nil {
			_ = channels.StopAll()
			_ = st.Close()
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		g.http, err = httpapi.NewServer(cfg.Metrics.Addr, g.orch, st, g.registry, log)
		if err != nil {
			_ = channels.StopAll()
			_ = st.Close()
			return nil, fmt.Errorf("create http server: %w", err)
		}
	}

	return g, nil
}

func (g *Gateway) Store() *store.Store {
	return g.store
}

func (g *Gateway) Orchestrator() *cycle.Orchestrator {
	return g.orch
}

// Run starts channels, the scheduler and the HTTP server, then blocks until a
// signal arrives or ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if g.cron != nil {
		if err := g.cron.Start(ctx); err != nil {
			g.log.Warn("cron start failed", zap.Error(err))
		}
	}

	if g.http != nil {
		go func() {
			if err := g.http.Start(); err != nil {
				g.log.Error("http server stopped", zap.Error(err))
			}
		}()
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		g.log.Info("signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	g.log.Info("shutting down")
	return g.Shutdown()
}

// RunOnce starts the channels and runs a single manual cycle. The caller
// still owns Shutdown.
func (g *Gateway) RunOnce(ctx context.Context) (cycle.Result, error) {
	if err := g.channels.StartAll(ctx); err != nil {
		return cycle.Result{}, fmt.Errorf("start channels: %w", err)
	}
	res := g.orch.RunNow(ctx)
	return res, res.Err
}

// handleInbound records a client message so it counts toward engagement.
// Messages from unknown numbers are ignored.
func (g *Gateway) handleInbound(in channel.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	log := g.log.With(zap.String("kind", in.Kind), zap.String("channel_id", in.ChannelID))

	t, err := g.store.TenantByChannel(ctx, in.Kind, in.ChannelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("resolve tenant for inbound", zap.Error(err))
		}
		return
	}
	c, err := g.store.GetClient(ctx, t.ID, in.Sender)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("resolve client for inbound", zap.Error(err))
		}
		return
	}

	if err := g.store.Append(ctx, store.ConversationEntry{
		TenantID:    t.ID,
		ClientPhone: c.Phone,
		Role:        store.RoleUser,
		Content:     in.Text,
		CreatedAt:   in.At,
		Metadata: map[string]any{
			"channel":    in.Kind,
			"message_id": in.MessageID,
		},
	}); err != nil {
		log.Warn("record inbound", zap.String("tenant", t.ID), zap.Error(err))
	}
}

// handleConnection keeps the tenant's connected flag in step with its channel.
func (g *Gateway) handleConnection(kind, channelID string, connected bool) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	log := g.log.With(zap.String("kind", kind), zap.String("channel_id", channelID))

	t, err := g.store.TenantByChannel(ctx, kind, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("connection event for unknown channel")
		} else {
			log.Warn("resolve tenant for connection event", zap.Error(err))
		}
		return
	}
	if err := g.store.SetConnected(ctx, t.ID, connected); err != nil {
		log.Warn("update tenant connection", zap.String("tenant", t.ID), zap.Error(err))
		return
	}
	log.Info("tenant connection changed", zap.String("tenant", t.ID), zap.Bool("connected", connected))
}

// Shutdown stops everything Run started. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		if g.cron != nil {
			g.cron.Stop()
		}
		if g.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := g.http.Shutdown(ctx); err != nil {
				g.log.Warn("http shutdown", zap.Error(err))
			}
			cancel()
		}
		_ = g.channels.StopAll()
		// A manual run started over HTTP is detached from its request and
		// may still be writing.
		g.waitIdle()
		if err := g.store.Close(); err != nil {
			g.shutdownErr = fmt.Errorf("close store: %w", err)
		}
		g.log.Info("shutdown complete")
	})
	return g.shutdownErr
}

// waitIdle blocks until no cycle is running or the drain timeout passes.
func (g *Gateway) waitIdle() {
	if g.orch == nil || !g.orch.Status().Running {
		return
	}
	g.log.Info("waiting for running cycle to finish")
	timeout := time.NewTimer(g.drainTimeout)
	defer timeout.Stop()
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for {
		select {
		case <-timeout.C:
			g.log.Warn("cycle still running at shutdown", zap.Duration("waited", g.drainTimeout))
			return
		case <-tick.C:
			if !g.orch.Status().Running {
				return
			}
		}
	}
}
