package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	pulseboard "github.com/PulseBoard-AI/PulseBoard/sdk/golang"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log engine internals to stderr")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <topic>",
	Short: "Watch live flow metrics for a topic",
	Long:  "Run the sync engine against one board topic and print every merged-state update and connection transition until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]
		client := getClient()

		engineCfg := &pulseboard.Config{Topic: topic}
		if cfg, err := loadConfig(); err == nil {
			if cfg.Sync.PollingIntervalSec > 0 {
				engineCfg.PollingInterval = time.Duration(cfg.Sync.PollingIntervalSec) * time.Second
			}
			if cfg.Sync.AutoRefreshSec > 0 {
				engineCfg.AutoRefreshInterval = time.Duration(cfg.Sync.AutoRefreshSec) * time.Second
			}
			if cfg.Sync.CacheTTLSec > 0 {
				engineCfg.CacheTTL = time.Duration(cfg.Sync.CacheTTLSec) * time.Second
			}
		}
		if watchVerbose {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync()
			engineCfg.Logger = logger
		}

		engine := pulseboard.NewSyncEngine(client, engineCfg)
		defer engine.Close()

		lastState := pulseboard.RealtimeState("")
		engine.OnUpdate(func(s pulseboard.MergedState) {
			if s.ConnectionState != lastState {
				lastState = s.ConnectionState
				fmt.Printf("%s %s\n",
					labelStyle.Render("connection:"),
					stateStyle(s.ConnectionState).Render(string(s.ConnectionState)))
			}
			if s.Snapshot == nil {
				return
			}
			m := s.Snapshot.Metrics
			fmt.Printf("%s throughput=%.2f cycle=%.1fh wip=%d bottlenecks=%d suggestions=%d\n",
				labelStyle.Render(s.LastUpdated.Format("15:04:05")),
				m.Throughput, m.AvgCycleTimeHours, m.WIPCount,
				len(s.Snapshot.Bottlenecks), len(s.Snapshot.Suggestions))
			if s.Err != nil {
				fmt.Printf("%s %v\n", errStyle.Render("error:"), s.Err)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Println(headingStyle.Render("Watching " + topic + " (Ctrl-C to stop)"))
		engine.Start(ctx)

		<-ctx.Done()
		fmt.Println()
		fmt.Println(labelStyle.Render("stopped"))
		return nil
	},
}
