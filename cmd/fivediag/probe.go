package main

import (
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/fivediag/config"
	"github.com/mohammad-safakhou/fivediag/internal/queue/streams"
	"github.com/mohammad-safakhou/fivediag/internal/registry"
	"github.com/mohammad-safakhou/fivediag/internal/worker"
	"github.com/spf13/cobra"
)

type probeReport struct {
	Services   []registry.ServiceInfo `json:"services"`
	Available  []string               `json:"available"`
	EventLag   *streams.LagMetrics    `json:"event_stream,omitempty"`
	DeadLetter *streams.LagMetrics    `json:"dead_letter_stream,omitempty"`
}

func probeCMD() *cobra.Command {
	var group string
	probe := &cobra.Command{
		Use:   "probe",
		Short: "Check modality service health and event stream lag once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			reg, err := registry.FromConfig(cfg.Registry)
			if err != nil {
				return err
			}
			report := probeReport{Services: reg.CheckAll(ctx), Available: reg.AvailableServices()}

			if rc := cfg.Storage.Redis; rc.Enabled {
				rdb, err := newRedis(ctx, rc)
				if err != nil {
					return err
				}
				defer func() { _ = rdb.Close() }()
				lag, err := streams.GroupLag(ctx, rdb, rc.EventStream, group)
				if err != nil {
					return fmt.Errorf("event stream lag: %w", err)
				}
				report.EventLag = &lag
				dl, err := streams.GroupLag(ctx, rdb, rc.DeadLetterStream, group)
				if err != nil {
					return fmt.Errorf("dead letter stream lag: %w", err)
				}
				report.DeadLetter = &dl
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if len(cfg.Registry.Services) > 0 && len(report.Available) == 0 {
				return fmt.Errorf("all %d services unavailable", len(cfg.Registry.Services))
			}
			return nil
		},
	}
	probe.Flags().StringVar(&group, "group", worker.DefaultGroup, "consumer group to report lag for")
	return probe
}
