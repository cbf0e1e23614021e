package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/app"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

var errNoDatabase = errors.New("DATABASE_URL is required for this command")

type passInfo struct {
	name  string
	short string
}

var passes = []passInfo{
	{engine.PassMaterialize, "Create reminder instances for the look-ahead window"},
	{engine.PassDispatch, "Send reminders that are due now"},
	{engine.PassEscalate, "Escalate overdue reminders"},
	{engine.PassSweep, "Close unanswered reminders as missed"},
}

// withApp loads configuration, wires the service and runs fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, "remindctl", logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Pool == nil {
					return errNoDatabase
				}
				n, err := a.Migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Pool == nil {
					return errNoDatabase
				}
				status, err := postgres.NewMigrator(a.Pool, a.Logger).Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	})
	return cmd
}

func passCmd(p passInfo) *cobra.Command {
	return &cobra.Command{
		Use:   p.name,
		Short: p.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				start := time.Now()
				n, err := a.Engine.RunPass(ctx, p.name)
				if err != nil {
					a.Logger.Error("pass failed", zap.String("pass", p.name), zap.Int("processed", n), zap.Error(err))
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"pass":      p.name,
					"processed": n,
					"duration":  time.Since(start).String(),
				})
			})
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage broker topics",
	}
	withAdmin := func(fn func(ctx context.Context, cfg *config.Config, admin *redpanda.Admin, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.KafkaBrokers) == 0 {
				return errors.New("KAFKA_BROKERS is required for this command")
			}
			admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, zap.NewNop())
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(cmd.Context(), cfg, admin, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the service topics if missing",
		RunE: withAdmin(func(ctx context.Context, cfg *config.Config, admin *redpanda.Admin, out io.Writer) error {
			report, err := admin.EnsureTopics(ctx, cfg.KafkaReplication)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(ctx context.Context, _ *config.Config, admin *redpanda.Admin, out io.Writer) error {
			topics, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, topics)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "describe <topic>",
		Short: "Show partitions of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, _ *config.Config, admin *redpanda.Admin, out io.Writer) error {
				details, err := admin.DescribeTopic(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, details)
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lag",
		Short: "Show the response consumer group lag",
		RunE: withAdmin(func(ctx context.Context, cfg *config.Config, admin *redpanda.Admin, out io.Writer) error {
			lag, err := admin.GetConsumerGroupLag(ctx, cfg.ConsumerGroup)
			if err != nil {
				return err
			}
			return printJSON(out, lag)
		}),
	})
	return cmd
}

func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Manage the patient directory",
	}

	var p reminder.Patient
	var channels []string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p.ID == "" || p.Contact == "" {
				return errors.New("--id and --contact are required")
			}
			for _, ch := range channels {
				p.ChannelPreferences = append(p.ChannelPreferences, reminder.Channel(ch))
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Pool == nil {
					return errNoDatabase
				}
				if err := postgres.NewDirectory(a.Pool).Upsert(ctx, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "patient %s saved\n", p.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&p.ID, "id", "", "patient id")
	add.Flags().StringVar(&p.Name, "name", "", "display name")
	add.Flags().StringVar(&p.Contact, "contact", "", "phone number or push token")
	add.Flags().StringVar(&p.Language, "language", "", "preferred language (default en)")
	add.Flags().StringVar(&p.FamilyContact, "family", "", "family member contact")
	add.Flags().StringSliceVar(&channels, "channel", nil, "preferred channels, in order")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "adherence <patient-id>",
		Short: "Show adherence records of a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				records, err := a.Store.ListAdherence(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox and inbox backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := map[string]any{}
				inbox, err := a.Inbox.Stats(ctx)
				if err != nil {
					return err
				}
				out["inbox"] = inbox
				if a.Pool != nil {
					outbox := postgres.NewOutbox(a.Pool, nil, postgres.DefaultOutboxConfig(), a.Logger)
					stats, err := outbox.Stats(ctx)
					if err != nil {
						return err
					}
					out["outbox"] = stats
					pool, err := postgres.Health(ctx, a.Pool)
					if err != nil {
						return err
					}
					out["database"] = pool
				}
				if a.Producer != nil {
					out["producer"] = a.Producer.Stats()
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func maintenanceCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Remove expired cache, inbox and relayed outbox entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Inbox.Cleanup(ctx); err != nil {
					return fmt.Errorf("inbox cleanup: %w", err)
				}
				if a.Pool == nil {
					return nil
				}
				purged, err := postgres.NewCache(a.Pool).PurgeExpired(ctx)
				if err != nil {
					return fmt.Errorf("cache purge: %w", err)
				}
				var publisher postgres.Publisher
				if a.Producer != nil {
					publisher = a.Producer
				}
				outbox := postgres.NewOutbox(a.Pool, publisher, postgres.DefaultOutboxConfig(), a.Logger)
				removed, err := outbox.Purge(ctx, retention)
				if err != nil {
					return fmt.Errorf("outbox cleanup: %w", err)
				}
				var parked int64
				if publisher != nil {
					if parked, err = outbox.DeadLetter(ctx); err != nil {
						return fmt.Errorf("outbox dead-letter: %w", err)
					}
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{
					"cache_purged":       purged,
					"outbox_removed":     removed,
					"outbox_dead_letter": parked,
				})
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 7*24*time.Hour, "keep relayed outbox entries this long")
	return cmd
}
