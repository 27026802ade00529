package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(topicsCmd)
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List board topics available to this API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		topics, err := client.Topics(ctx)
		if err != nil {
			return fmt.Errorf("failed to list topics: %w", err)
		}
		if len(topics) == 0 {
			fmt.Println("No topics available.")
			return nil
		}

		fmt.Println(headingStyle.Render("Topics:"))
		for _, topic := range topics {
			fmt.Printf("  - %s\n", topic)
		}
		return nil
	},
}
