package main

import (
	"fmt"

	"github.com/spf13/cobra"

	tradepost "github.com/tradepost/tradepost-go"
)

// flagCommand builds a toggle command for one persisted per-item flag.
func flagCommand(kind, verb, undo string) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " <product-id>",
		Short: fmt.Sprintf("Toggle %s on a product", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			on, err := tradepost.NewFlags(a.store, a.log).Toggle(kind, args[0])
			if err != nil {
				return fmt.Errorf("failed to save %s: %w", kind, err)
			}
			if on {
				fmt.Printf("%s %s\n", verb, args[0])
			} else {
				fmt.Printf("%s %s\n", undo, args[0])
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(flagCommand("like", "Liked", "Unliked"))
	rootCmd.AddCommand(flagCommand("follow", "Following", "Unfollowed"))
}
