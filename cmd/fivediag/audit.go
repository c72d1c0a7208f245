package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/logging"
	"github.com/mohammad-safakhou/fivediag/internal/queue/streams"
	"github.com/mohammad-safakhou/fivediag/internal/worker"
	"github.com/spf13/cobra"
)

func auditCMD() *cobra.Command {
	var (
		group   string
		start   string
		ttl     time.Duration
		session string
	)
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Project mirrored lifecycle events into per-session audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			rc := cfg.Storage.Redis
			if !rc.Enabled {
				return fmt.Errorf("storage.redis.enabled must be true to audit events")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rdb, err := newRedis(ctx, rc)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			st := worker.NewRedisStore(rdb, "fivediag:audit", ttl)

			if session != "" {
				rec, ok, err := st.Get(ctx, session)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no audit record for session %s", session)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			logger, err := logging.New(cfg.General.LogLevel, cfg.General.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := streams.EnsureGroup(ctx, rdb, rc.EventStream, group, start); err != nil {
				return err
			}
			schemas := streams.NewSchemaRegistry()
			if err := streams.RegisterLifecycleSchemas(schemas); err != nil {
				return err
			}
			name := fmt.Sprintf("auditor-%s", uuid.NewString()[:8])
			consumer := streams.NewConsumer(rdb, schemas, group, name)
			return worker.NewProjector(logger, st, consumer, rc.EventStream, nil).Start(ctx)
		},
	}
	audit.Flags().StringVar(&group, "group", worker.DefaultGroup, "consumer group")
	audit.Flags().StringVar(&start, "from", "$", `where a new group starts: "$" for new events, "0" for the full stream`)
	audit.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "expiry of audit records")
	audit.Flags().StringVar(&session, "session", "", "print the record of one session and exit")
	return audit
}
