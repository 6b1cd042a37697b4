package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/config"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

// Router dispatches a message to the sender registered for the tenant's channel kind.
type Router struct {
	senders map[string]Sender
	log     *zap.Logger
}

func NewRouter(log *zap.Logger, senders ...Sender) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{senders: make(map[string]Sender), log: log.Named("channel")}
	for _, s := range senders {
		r.senders[s.Kind()] = s
	}
	return r
}

// NewRouterFromConfig builds the senders enabled in cfg.
func NewRouterFromConfig(ctx context.Context, cfg config.ChannelsConfig, hooks Hooks, log *zap.Logger) (*Router, error) {
	r := NewRouter(log)

	if cfg.WhatsApp.Enabled {
		s, err := NewWhatsApp(ctx, cfg.WhatsApp, hooks, r.log)
		if err != nil {
			return nil, fmt.Errorf("create whatsapp sender: %w", err)
		}
		r.senders[s.Kind()] = s
	}

	if cfg.Telegram.Enabled {
		s, err := NewTelegram(cfg.Telegram, hooks, r.log)
		if err != nil {
			_ = r.StopAll()
			return nil, fmt.Errorf("create telegram sender: %w", err)
		}
		r.senders[s.Kind()] = s
	}

	return r, nil
}

// Send delivers text to the client over the tenant's channel.
func (r *Router) Send(ctx context.Context, ch tenant.Channel, c tenant.Client, text string) error {
	kind := ch.Kind
	if kind == "" {
		kind = tenant.ChannelWhatsApp
	}
	s, ok := r.senders[kind]
	if !ok {
		return fmt.Errorf("%s sender not enabled: %w", kind, ErrChannelNotConnected)
	}
	return s.Send(ctx, ch.ID, c, text)
}

func (r *Router) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(r.senders))

	for kind, s := range r.senders {
		wg.Add(1)
		go func(kind string, s Sender) {
			defer wg.Done()
			r.log.Info("starting sender", zap.String("kind", kind))
			if err := s.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", kind, err)
			}
		}(kind, s)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (r *Router) StopAll() error {
	for kind, s := range r.senders {
		r.log.Info("stopping sender", zap.String("kind", kind))
		if err := s.Stop(); err != nil {
			r.log.Warn("stop sender failed", zap.String("kind", kind), zap.Error(err))
		}
	}
	return nil
}

func (r *Router) EnabledChannels() []string {
	kinds := make([]string, 0, len(r.senders))
	for kind := range r.senders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
