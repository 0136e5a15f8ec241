package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initEmail  string
	initUserID string
)

func init() {
	initCmd.Flags().StringVar(&initEmail, "email", "", "Account email used for chats")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Account user id used for notifications")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the API token in ~/.tradepost/config.toml",
	Long:  "Initialize the Tradepost CLI by storing your token and account in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if initEmail != "" {
			cfg.Default.Email = initEmail
		}
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}
		if cfg.Store.Backend == "" {
			cfg.Store.Backend = "pebble"
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "none"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
