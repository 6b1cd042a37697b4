// Package generator writes retention messages with an LLM.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/config"
	"github.com/stellarlinkco/retentiond/internal/decision"
	"github.com/stellarlinkco/retentiond/internal/scoring"
)

// ErrEmptyGeneration is returned when the model answers with no usable text.
var ErrEmptyGeneration = errors.New("empty generation")

const systemPrompt = `You write short chat messages that a personal coach sends to a client.
Write one message only, plain text, no quotes, no greeting signature, at most three sentences.
Match the language the coach's business uses with clients. Be warm and specific, never pushy.`

// Generator turns a prompt context into message text through a model provider.
type Generator struct {
	provider    model.Provider
	maxTokens   int
	temperature float64
	timeout     time.Duration
	log         *zap.Logger
}

// NewProvider builds the agentsdk-go provider selected by the configuration.
func NewProvider(cfg config.ProviderConfig) model.Provider {
	switch cfg.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			ModelName: cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
	}
}

func New(provider model.Provider, cfg config.ProviderConfig, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultGenerationTimeout
	}
	return &Generator{
		provider:    provider,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		log:         log,
	}
}

// Generate asks the model for one message. The call is bounded by the
// configured timeout regardless of the caller's deadline.
func (g *Generator) Generate(ctx context.Context, pc decision.PromptContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	mdl, err := g.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}

	temperature := g.temperature
	resp, err := mdl.Complete(ctx, model.Request{
		System:      systemPrompt,
		Messages:    []model.Message{{Role: "user", Content: BuildPrompt(pc)}},
		MaxTokens:   g.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("complete %s: %w", pc.Kind, err)
	}
	if resp == nil {
		return "", ErrEmptyGeneration
	}
	text := strings.TrimSpace(resp.Message.TextContent())
	if text == "" {
		return "", ErrEmptyGeneration
	}
	g.log.Debug("generated message",
		zap.String("tenant", pc.Tenant.ID),
		zap.String("action_type", string(pc.Kind)),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

// BuildPrompt renders the user turn for a prompt context.
func BuildPrompt(pc decision.PromptContext) string {
	s := pc.Snapshot
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\n", nonEmpty(pc.Tenant.Name, pc.Tenant.ID))
	fmt.Fprintf(&b, "Client: %s\n", pc.Client.DisplayName())
	fmt.Fprintf(&b, "Message type: %s\n", pc.Kind)
	fmt.Fprintf(&b, "Goal: %s\n", pc.Goal)
	fmt.Fprintf(&b, "Why now: %s\n", pc.Reason)
	b.WriteString("Client facts:\n")
	fmt.Fprintf(&b, "- check-ins in the last 30 days: %d\n", s.Checkins30d)
	fmt.Fprintf(&b, "- weekly check-ins, oldest first: %v\n", s.WeeklyHistory)
	if s.DaysSinceLastCheckin < scoring.NoCheckinDays {
		fmt.Fprintf(&b, "- days since last check-in: %d\n", s.DaysSinceLastCheckin)
	} else {
		b.WriteString("- no recent check-ins\n")
	}
	fmt.Fprintf(&b, "- trend: %s, motivation: %s\n", s.CheckinTrend, s.MotivationLevel)
	if len(s.PreferredDays) > 0 {
		days := make([]string, 0, len(s.PreferredDays))
		for _, d := range s.PreferredDays {
			days = append(days, d.String())
		}
		fmt.Fprintf(&b, "- usually trains on: %s\n", strings.Join(days, ", "))
	}
	if s.PreferredHour >= 0 {
		fmt.Fprintf(&b, "- usually trains around %02d:00\n", s.PreferredHour)
	}
	return b.String()
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
