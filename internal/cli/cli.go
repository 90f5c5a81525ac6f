// Package cli implements the backlog operational command line interface.
// Commands act directly against the database and, where a Postgres DSN is
// configured, broadcast over the notification bus so running nodes react
// immediately.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezkam/backlog/internal/config"
	"github.com/rezkam/backlog/internal/domain"
	"github.com/rezkam/backlog/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/backlog/internal/infrastructure/persistence/sqlite"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
)

// listenSettle gives the notifier time to apply queued LISTEN commands, which
// happen between notification wait slices on the dedicated connection.
const listenSettle = 1500 * time.Millisecond

var dsnFlag string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "backlog",
		Short: "backlog: durable Postgres-backed job processing",
		Long: `Operational tooling for a backlog deployment. Commands read the
BACKLOG_* environment variables for configuration; --dsn overrides
BACKLOG_DB_DSN.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "database DSN (overrides BACKLOG_DB_DSN)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildMigrateCommand())
	rootCmd.AddCommand(buildRescueCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildRetryCommand())
	rootCmd.AddCommand(buildCheckCommand())

	return rootCmd
}

// commandContext cancels on SIGINT/SIGTERM so a hung database connection
// cannot wedge the process.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// loadConfig applies the --dsn override before the environment is read, since
// configuration loading already validates the database settings.
func loadConfig() (*config.Instance, error) {
	if dsnFlag != "" {
		if err := os.Setenv("BACKLOG_DB_DSN", dsnFlag); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

// session bundles the handles a command needs. relay is nil for SQLite
// deployments, which have no cross-process notification bus.
type session struct {
	cfg   *config.Instance
	store store.Store
	relay *notify.Relay
}

func openSession(ctx context.Context, withRelay bool) (*session, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if !isPostgresDSN(cfg.Database.DSN) {
		st, err := sqlite.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return &session{cfg: cfg, store: st}, st.Close, nil
	}

	st, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}

	s := &session{cfg: cfg, store: st}
	if !withRelay {
		return s, st.Close, nil
	}

	relay := notify.NewRelay(postgres.NewNotifier(st.Pool(), cfg.Prefix), cfg.Ident())
	if err := relay.Start(ctx); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to start notification relay: %w", err)
	}
	s.relay = relay
	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = relay.Stop(stopCtx)
		st.Close()
	}
	return s, cleanup, nil
}

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if isPostgresDSN(cfg.Database.DSN) {
				if err := postgres.Migrate(ctx, cfg.Database.DSN); err != nil {
					return err
				}
			} else {
				// SQLite migrates on connect.
				st, err := sqlite.Connect(ctx, cfg.Database.DSN)
				if err != nil {
					return err
				}
				st.Close()
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func buildRescueCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "rescue",
		Short: "Return stuck executing jobs to the available state",
		Long: `Jobs abandoned by a crashed or force-stopped node stay in the
executing state. Rescue moves rows whose last attempt started before the
threshold back to available so they run again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()

			s, cleanup, err := openSession(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := s.store.RescueStuckJobs(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("rescued %d stuck jobs\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "rescue jobs whose attempt started before this threshold")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Long: `Cancels the job in the database and broadcasts a kill signal so
a node currently executing it stops immediately. Completed and discarded jobs
cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			ctx, cancel := commandContext()
			defer cancel()

			s, cleanup, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := s.store.CancelJob(ctx, store.CancelParams{ID: id, Error: &domain.AttemptError{
				At:    time.Now().UTC(),
				Error: "cancelled by operator",
			}})
			if err != nil {
				return err
			}

			if s.relay != nil {
				// The row is cancelled either way; the broadcast only stops a
				// node that is still running the job.
				err := s.relay.Notify(ctx, notify.ChannelSignal, notify.SignalPayload{
					Action: notify.SignalPkill,
					JobID:  id,
				})
				if err != nil {
					return fmt.Errorf("job cancelled but kill broadcast failed: %w", err)
				}
			}

			fmt.Printf("job %d cancelled (queue %s, worker %s)\n", job.ID, job.Queue, job.Worker)
			return nil
		},
	}
}

func buildRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Make a job immediately available again",
		Long: `Moves the job back to the available state regardless of its
current state, raising its attempt budget when exhausted. The attempt history
is preserved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			ctx, cancel := commandContext()
			defer cancel()

			s, cleanup, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := s.store.RetryJob(ctx, id); err != nil {
				return err
			}
			job, err := s.store.FindJobByID(ctx, id)
			if err != nil {
				return err
			}

			if s.relay != nil {
				// Best effort; the staging pulse surfaces the job anyway.
				_ = s.relay.Notify(ctx, notify.ChannelInsert, []notify.InsertPayload{{Queue: job.Queue}})
			}

			fmt.Printf("job %d retried on queue %s\n", job.ID, job.Queue)
			return nil
		},
	}
}

func buildCheckCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "check [queue]",
		Short: "Probe running nodes for their queue state",
		Long: `Broadcasts a check request on the gossip channel and prints one
row per producer that answers within the wait window. Requires a Postgres
deployment; SQLite has no cross-process bus to probe.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := ""
			if len(args) == 1 {
				queue = args[0]
			}

			ctx, cancel := commandContext()
			defer cancel()

			s, cleanup, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if s.relay == nil {
				return fmt.Errorf("check requires a Postgres DSN")
			}

			replies := make(chan notify.CheckReplyPayload, 64)
			unsubscribe, err := s.relay.Subscribe(ctx, []string{notify.ChannelGossip}, func(msg notify.Message) {
				var reply notify.CheckReplyPayload
				if err := json.Unmarshal(msg.Payload, &reply); err != nil || reply.Name == "" {
					return
				}
				select {
				case replies <- reply:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			time.Sleep(listenSettle)

			err = s.relay.Notify(ctx, notify.ChannelGossip, notify.CheckRequestPayload{
				Action:  "check",
				Queue:   queue,
				ReplyTo: s.cfg.Ident(),
			})
			if err != nil {
				return err
			}

			deadline := time.NewTimer(wait)
			defer deadline.Stop()

			var collected []notify.CheckReplyPayload
		collect:
			for {
				select {
				case reply := <-replies:
					collected = append(collected, reply)
				case <-deadline.C:
					break collect
				case <-ctx.Done():
					break collect
				}
			}

			if len(collected) == 0 {
				fmt.Println("no producers answered")
				return nil
			}
			printCheckReplies(collected)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to collect replies")
	return cmd
}

func printCheckReplies(replies []notify.CheckReplyPayload) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tNODE\tQUEUE\tLIMIT\tPAUSED\tRUNNING\tSTARTED")
	for _, r := range replies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%d\t%s\n",
			r.Name, r.Node, r.Queue, r.Limit, r.Paused, len(r.Running), r.StartedAt)
	}
	_ = w.Flush()
}
