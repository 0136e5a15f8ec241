package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tradepost "github.com/tradepost/tradepost-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatRole        string
	chatSellerEmail string
	chatWith        string
	chatJSON        bool
	chatMetricsAddr string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Follow and send product chat messages",
}

func addChatThreadFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chatRole, "as", string(tradepost.RoleBuyer), "Your side of the chat (buyer, seller)")
	cmd.Flags().StringVar(&chatSellerEmail, "seller-email", "", "Seller email (buyer side; inferred from the thread when omitted)")
	cmd.Flags().StringVar(&chatWith, "with", "", "Counterpart email (seller side)")
}

// openChat builds a synchronizer for productID from flags and config and
// opens it. The caller owns Close.
func (a *app) openChat(ctx context.Context, productID string, opts ...tradepost.ChatOption) (*tradepost.ChatSynchronizer, error) {
	email, err := a.requireEmail()
	if err != nil {
		return nil, err
	}
	role := tradepost.Role(chatRole)
	if role != tradepost.RoleBuyer && role != tradepost.RoleSeller {
		return nil, fmt.Errorf("--as must be buyer or seller, got %q", chatRole)
	}
	interval, err := parseDuration(a.cfg.Chat.PollInterval, tradepost.DefaultPollInterval)
	if err != nil {
		return nil, err
	}

	opts = append([]tradepost.ChatOption{
		tradepost.WithPollInterval(interval),
		tradepost.WithChatLogger(a.log),
	}, opts...)
	thread := tradepost.NewChatSynchronizer(a.client.Chat(), a.store, a.bus, opts...)

	err = thread.Open(ctx, tradepost.ChatOpenOptions{
		ProductID:   productID,
		Role:        role,
		SelfEmail:   email,
		SellerEmail: chatSellerEmail,
		Counterpart: chatWith,
	})
	var verr *tradepost.ValidationError
	if errors.As(err, &verr) {
		thread.Close()
		return nil, err
	}
	if err != nil {
		// The cached thread is still shown; polling retries.
		a.log.Warn().Err(err).Str("product_id", productID).Msg("initial chat fetch failed")
	}
	return thread, nil
}

func printChatState(st tradepost.ChatState) {
	fmt.Printf("Product %s (%s, scope: %s)\n", st.ProductID, st.Role, valueOrDefault(string(st.Scope), "unknown"))
	if st.Role == tradepost.RoleSeller && len(st.Participants) > 0 {
		fmt.Println("Participants:")
		for _, p := range st.Participants {
			mark := " "
			if strings.EqualFold(p.Email, st.SelectedCounterpart) {
				mark = "*"
			}
			bought := ""
			if p.HasPurchased {
				bought = " (purchased)"
			}
			fmt.Printf("  %s %s <%s>%s\n", mark, valueOrDefault(p.DisplayName, p.Email), p.Email, bought)
		}
	}
	if st.Error != "" {
		fmt.Printf("! %s\n", st.Error)
	}
	if len(st.Messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range st.Messages {
		printChatMessage(m, st.SelfEmail)
	}
}

func printChatMessage(m tradepost.ChatMessage, self string) {
	who := m.SenderEmail
	if strings.EqualFold(m.SenderEmail, self) {
		who = "you"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("01-02 15:04"), who, m.Message)
}

// ============================================================================
// chat open
// ============================================================================

var chatOpenCmd = &cobra.Command{
	Use:   "open <product-id>",
	Short: "Fetch and print a product thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		thread, err := a.openChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer thread.Close()

		st := thread.Snapshot()
		if chatJSON {
			return printJSON(st)
		}
		printChatState(st)
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <product-id> <message>",
	Short: "Send a message on a product thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		thread, err := a.openChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer thread.Close()

		if err := thread.Send(cmd.Context(), strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Println("Sent.")
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <product-id>",
	Short: "Poll a product thread and print new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []tradepost.ChatOption
		if chatMetricsAddr != "" {
			stopMetrics := a.serveMetrics(chatMetricsAddr)
			defer stopMetrics()
			opts = append(opts, tradepost.WithChatMetrics(a.metrics))
		}

		var mu sync.Mutex
		seen := make(map[string]bool)
		a.bus.SubscribeContext(ctx, func(ev tradepost.Event) {
			if ev.Type != tradepost.EventChatUpdated {
				return
			}
			st := ev.Payload.(tradepost.ChatState)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range st.Messages {
				if !seen[m.ID] {
					seen[m.ID] = true
					printChatMessage(m, st.SelfEmail)
				}
			}
		})

		thread, err := a.openChat(ctx, args[0], opts...)
		if err != nil {
			return err
		}
		defer thread.Close()

		fmt.Printf("Watching product %s. Ctrl-C to stop.\n", args[0])
		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// chat status
// ============================================================================

var chatStatusCmd = &cobra.Command{
	Use:   "status <product-id>",
	Short: "Show the purchase status of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.client.PurchaseStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if chatJSON {
			return printJSON(st)
		}
		fmt.Printf("Product:  %s\n", st.ProductID)
		fmt.Printf("Status:   %s\n", st.Status)
		if st.BuyerEmail != "" {
			fmt.Printf("Buyer:    %s\n", st.BuyerEmail)
		}
		if st.SellerEmail != "" {
			fmt.Printf("Seller:   %s\n", st.SellerEmail)
		}
		if !st.UpdatedAt.IsZero() {
			fmt.Printf("Updated:  %s\n", st.UpdatedAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{chatOpenCmd, chatSendCmd, chatWatchCmd} {
		addChatThreadFlags(c)
	}
	chatOpenCmd.Flags().BoolVar(&chatJSON, "json", false, "Output raw JSON")
	chatStatusCmd.Flags().BoolVar(&chatJSON, "json", false, "Output raw JSON")
	chatWatchCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	chatCmd.AddCommand(chatOpenCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatStatusCmd)
	rootCmd.AddCommand(chatCmd)
}
