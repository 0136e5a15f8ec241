package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local feed status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		token := "(not set)"
		if a.cfg.Default.Token != "" {
			token = maskKey(a.cfg.Default.Token)
		}

		fmt.Println("Config:")
		fmt.Printf("  Token:     %s\n", token)
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(a.cfg.Default.BaseURL, a.client.BaseURL()))
		fmt.Printf("  Email:     %s\n", valueOrDefault(a.cfg.Default.Email, "(not set)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(a.cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Store:     %s\n", valueOrDefault(a.cfg.Store.Backend, "pebble"))
		fmt.Printf("  Realtime:  %s\n", valueOrDefault(a.cfg.Realtime.Transport, "none"))

		engine, err := a.newEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer engine.Close()

		fmt.Println()
		fmt.Println("Notifications:")
		fmt.Printf("  Total:     %d\n", len(engine.Notifications()))
		fmt.Printf("  Unread:    %d\n", engine.UnreadCount())
		return nil
	},
}
