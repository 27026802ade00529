package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <topic>",
	Short: "Fetch the current flow snapshot for a topic",
	Long:  "Fetch and print the current server-computed flow metrics, bottlenecks, and suggestions for one board topic.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		snap, err := client.FlowSnapshot(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to fetch snapshot: %w", err)
		}

		fmt.Println(headingStyle.Render("Flow metrics: " + snap.Topic))
		fmt.Printf("  %s %.2f items/day\n", labelStyle.Render("Throughput:     "), snap.Metrics.Throughput)
		fmt.Printf("  %s %.1f h\n", labelStyle.Render("Avg cycle time: "), snap.Metrics.AvgCycleTimeHours)
		fmt.Printf("  %s %.1f h\n", labelStyle.Render("Avg lead time:  "), snap.Metrics.AvgLeadTimeHours)
		fmt.Printf("  %s %.0f%%\n", labelStyle.Render("Flow efficiency:"), snap.Metrics.FlowEfficiency*100)
		fmt.Printf("  %s %d\n", labelStyle.Render("WIP:            "), snap.Metrics.WIPCount)

		if len(snap.Bottlenecks) > 0 {
			fmt.Println()
			fmt.Println(headingStyle.Render("Bottlenecks:"))
			for _, b := range snap.Bottlenecks {
				sev := b.Severity
				if style, ok := severityStyle[sev]; ok {
					sev = style.Render(sev)
				}
				fmt.Printf("  [%s] %s: %s\n", sev, b.Stage, b.Description)
			}
		}

		if len(snap.Suggestions) > 0 {
			fmt.Println()
			fmt.Println(headingStyle.Render("Suggestions:"))
			for _, s := range snap.Suggestions {
				fmt.Printf("  - %s", s.Title)
				if s.Impact != "" {
					fmt.Printf(" (%s)", labelStyle.Render(s.Impact))
				}
				fmt.Println()
			}
		}

		if snap.GeneratedAt != "" {
			fmt.Println()
			fmt.Println(labelStyle.Render("Generated at " + snap.GeneratedAt))
		}
		return nil
	},
}
