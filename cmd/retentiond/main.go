package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/retentiond/internal/channel"
	"github.com/stellarlinkco/retentiond/internal/config"
	"github.com/stellarlinkco/retentiond/internal/gateway"
	"github.com/stellarlinkco/retentiond/internal/logging"
	"github.com/stellarlinkco/retentiond/internal/scoring"
	"github.com/stellarlinkco/retentiond/internal/store"
	"github.com/stellarlinkco/retentiond/internal/tenant"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "retentiond",
		Short:        "retentiond - behavioral retention messaging for coaching businesses",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.stdout = cmd.OutOrStdout()
			a.stderr = cmd.ErrOrStderr()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.ConfigPath(), "config file")

	root.AddCommand(
		a.serveCmd(),
		a.cycleCmd(),
		a.scoreCmd(),
		a.statusCmd(),
		a.initCmd(),
		a.tenantCmd(),
		a.clientCmd(),
		a.checkinCmd(),
		a.motivationCmd(),
		a.pairCmd(),
	)
	return root
}

func (a *app) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.NewWithWriter(cfg.Log, a.stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func (a *app) openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: channels, scheduled cycles and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			gw, err := gateway.New(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func (a *app) cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one retention cycle now and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			// The daemon's scheduler and HTTP endpoint are not needed here.
			cfg.Schedule.Enabled = false
			cfg.Metrics.Enabled = false

			gw, err := gateway.New(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			res, runErr := gw.RunOnce(cmd.Context())
			if err := gw.Shutdown(); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
			if runErr != nil {
				return fmt.Errorf("run cycle: %w", runErr)
			}

			fmt.Fprintf(a.stdout, "Outcome: %s\n", res.Outcome)
			fmt.Fprintf(a.stdout, "Tenants: %d (failed: %d)\n", res.Tenants, res.TenantFailures)
			fmt.Fprintf(a.stdout, "Clients: %d\n", res.Clients)
			fmt.Fprintf(a.stdout, "Actions executed: %d\n", res.ActionsExecuted)
			return nil
		},
	}
}

func (a *app) scoreCmd() *cobra.Command {
	var tenantID, phone string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute and print a client's snapshot without deciding or sending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			t, err := st.GetTenant(ctx, tenantID)
			if err != nil {
				return err
			}
			if _, err := st.GetClient(ctx, tenantID, phone); err != nil {
				return err
			}
			checkins, err := st.Checkins(ctx, tenantID, phone, scoring.CheckinLookbackDays)
			if err != nil {
				return err
			}
			messages, err := st.Messages(ctx, tenantID, phone, scoring.MessageLookbackDays)
			if err != nil {
				return err
			}
			prev, err := st.PreviousMotivation(ctx, tenantID, phone)
			if err != nil {
				return err
			}

			snap := scoring.NewComputer(cfg.Scoring).Compute(scoring.Input{
				TenantID:           tenantID,
				ClientPhone:        phone,
				Checkins:           checkins,
				Messages:           messages,
				PreviousMotivation: prev,
				Now:                time.Now().In(t.Location(cfg.Location())),
			})

			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&phone, "client", "", "client phone")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and ledger status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				fmt.Fprintf(a.stdout, "Config: error (%v)\n", err)
				return nil
			}

			fmt.Fprintf(a.stdout, "Config: %s\n", a.configPath)
			fmt.Fprintf(a.stdout, "Database: %s\n", cfg.Database.Path)
			fmt.Fprintf(a.stdout, "Provider: %s (%s)\n", providerDisplay(cfg.Provider.Type), cfg.Provider.Model)
			fmt.Fprintf(a.stdout, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
			fmt.Fprintf(a.stdout, "WhatsApp: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
			fmt.Fprintf(a.stdout, "Telegram: enabled=%v bots=%d\n", cfg.Channels.Telegram.Enabled, len(cfg.Channels.Telegram.Bots))
			fmt.Fprintf(a.stdout, "Schedule: enabled=%v cron=%q timezone=%s\n", cfg.Schedule.Enabled, cfg.Schedule.Cron, cfg.Schedule.Timezone)
			fmt.Fprintf(a.stdout, "Scoring: tuning %s\n", cfg.Scoring.Version)

			if _, err := os.Stat(cfg.Database.Path); err != nil {
				fmt.Fprintln(a.stdout, "Ledger: no database yet")
				return nil
			}
			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			counts, err := st.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			connected, err := st.ListConnected(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Connected tenants: %d\n", len(connected))
			fmt.Fprintf(a.stdout, "Ledger: %s\n", formatCounts(counts))
			return nil
		},
	}
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil {
				fmt.Fprintf(a.stdout, "Config already exists: %s\n", a.configPath)
				return nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}

			if err := config.Save(config.DefaultConfig(), a.configPath); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(a.stdout, "Created config: %s\n", a.configPath)
			fmt.Fprintln(a.stdout, "\nNext steps:")
			fmt.Fprintf(a.stdout, "  1. Edit %s to set your API key and channels\n", a.configPath)
			fmt.Fprintln(a.stdout, "  2. Or set RETENTIOND_PROVIDER_API_KEY / ANTHROPIC_API_KEY")
			fmt.Fprintln(a.stdout, "  3. Register tenants with 'retentiond tenant add' and run 'retentiond serve'")
			return nil
		},
	}
}

func (a *app) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}

	var t tenant.Tenant
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			t.Active = true
			if err := st.UpsertTenant(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Tenant %s saved\n", t.ID)
			return nil
		},
	}
	add.Flags().StringVar(&t.ID, "id", "", "tenant ID")
	add.Flags().StringVar(&t.Name, "name", "", "business name")
	add.Flags().StringVar(&t.Channel.Kind, "channel", tenant.ChannelWhatsApp, "channel kind (whatsapp or telegram)")
	add.Flags().StringVar(&t.Channel.ID, "channel-id", "", "device JID or telegram bot key")
	add.Flags().StringVar(&t.Timezone, "timezone", "", "IANA timezone")
	add.Flags().BoolVar(&t.Connected, "connected", false, "mark the channel as connected")
	_ = add.MarkFlagRequired("id")

	cmd.AddCommand(add)
	return cmd
}

func (a *app) clientCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "client", Short: "Manage clients"}

	var c tenant.Client
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpsertClient(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Client %s saved for %s\n", c.Phone, c.TenantID)
			return nil
		},
	}
	add.Flags().StringVar(&c.TenantID, "tenant", "", "tenant ID")
	add.Flags().StringVar(&c.Phone, "phone", "", "client phone")
	add.Flags().StringVar(&c.Name, "name", "", "client name")
	add.Flags().StringVar(&c.ChatID, "chat-id", "", "telegram chat ID")
	_ = add.MarkFlagRequired("tenant")
	_ = add.MarkFlagRequired("phone")

	cmd.AddCommand(add)
	return cmd
}

func (a *app) checkinCmd() *cobra.Command {
	var tenantID, phone, at, label string
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Record a workout check-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				var err error
				if when, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
			}

			_, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.GetClient(cmd.Context(), tenantID, phone); err != nil {
				return err
			}
			if err := st.RecordCheckin(cmd.Context(), tenantID, phone, when, label); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Check-in recorded for %s at %s\n", phone, when.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&phone, "client", "", "client phone")
	cmd.Flags().StringVar(&at, "at", "", "check-in time (RFC3339), defaults to now")
	cmd.Flags().StringVar(&label, "label", "", "workout label")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func (a *app) motivationCmd() *cobra.Command {
	var tenantID, phone, level string
	cmd := &cobra.Command{
		Use:   "motivation",
		Short: "Override a client's motivation level until the next analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := scoring.Motivation(level)
			if m != scoring.MotivationLow && m != scoring.MotivationMedium && m != scoring.MotivationHigh {
				return fmt.Errorf("invalid level %q: want low, medium or high", level)
			}

			_, st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetMotivation(cmd.Context(), tenantID, phone, m); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Motivation for %s set to %s\n", phone, m)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&phone, "client", "", "client phone")
	cmd.Flags().StringVar(&level, "level", "", "low, medium or high")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("level")
	return cmd
}

func (a *app) pairCmd() *cobra.Command {
	var tenantID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link a coach's WhatsApp device by QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			wa, err := channel.NewWhatsApp(ctx, cfg.Channels.WhatsApp, channel.Hooks{}, log)
			if err != nil {
				return err
			}
			defer wa.Stop()

			channelID, err := wa.Pair(ctx, a.stdout)
			if err != nil {
				return fmt.Errorf("pair device: %w", err)
			}
			fmt.Fprintf(a.stdout, "Paired device: %s\n", channelID)

			if tenantID == "" {
				return nil
			}
			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			t, err := st.GetTenant(ctx, tenantID)
			if err != nil {
				return err
			}
			t.Channel = tenant.Channel{Kind: tenant.ChannelWhatsApp, ID: channelID}
			t.Connected = true
			if err := st.UpsertTenant(ctx, t); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Tenant %s now sends from %s\n", t.ID, channelID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to attach the paired device to")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "how long to wait for the scan")
	return cmd
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, counts[k])
	}
	return out
}
