package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	tradepost "github.com/tradepost/tradepost-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// notifications list
	notifListUnread bool
	notifListJSON   bool

	// notifications read
	notifReadAll bool

	// notifications add
	notifAddType    string
	notifAddTitle   string
	notifAddMessage string
	notifAddLink    string

	// notifications watch
	notifWatchMetricsAddr string
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Read and manage the local notification feed",
}

// ============================================================================
// notifications list
// ============================================================================

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		engine, err := a.newEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer engine.Close()

		list := engine.Notifications()
		if notifListUnread {
			unread := list[:0]
			for _, n := range list {
				if !n.IsRead {
					unread = append(unread, n)
				}
			}
			list = unread
		}

		if notifListJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range list {
			printNotification(n)
		}
		fmt.Printf("\n%d unread\n", engine.UnreadCount())
		return nil
	},
}

func printNotification(n tradepost.Notification) {
	mark := " "
	if !n.IsRead {
		mark = "•"
	}
	fmt.Printf("%s %s %-20s %s  %s\n", mark, n.Icon, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Title, n.Message)
	if n.Link != "" {
		fmt.Printf("      %s  (%s)\n", n.Link, n.ID)
	} else {
		fmt.Printf("      (%s)\n", n.ID)
	}
}

// ============================================================================
// notifications read
// ============================================================================

var notificationsReadCmd = &cobra.Command{
	Use:   "read [id]",
	Short: "Mark one notification, or all with --all, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !notifReadAll && len(args) == 0 {
			return fmt.Errorf("pass a notification id or --all")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		engine, err := a.newEngine(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if notifReadAll {
			fmt.Printf("Marked %d as read.\n", engine.MarkAllAsRead())
			return nil
		}
		if _, ok := engine.Notification(args[0]); !ok {
			return fmt.Errorf("notification %q not found", args[0])
		}
		if engine.MarkAsRead(args[0]) {
			fmt.Println("Marked as read.")
		} else {
			fmt.Println("Already read.")
		}
		return nil
	},
}

// ============================================================================
// notifications add
// ============================================================================

var notificationsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a notification to the local feed",
	Long:  "Add a notification to the local feed. It is also saved to the backend when a user id is configured.",
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := tradepost.NotificationType(notifAddType)
		if !typ.Valid() {
			return fmt.Errorf("unknown type %q", notifAddType)
		}
		if notifAddTitle == "" {
			return fmt.Errorf("--title is required")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		engine, err := a.newEngine(cmd.Context(), true)
		if err != nil {
			return err
		}
		n, _ := engine.AddNotification(tradepost.Notification{
			Type:    typ,
			Title:   notifAddTitle,
			Message: notifAddMessage,
			Link:    notifAddLink,
		})
		// Close waits for remote persistence.
		engine.Close()

		fmt.Printf("Added %s\n", n.ID)
		return nil
	},
}

// ============================================================================
// notifications watch
// ============================================================================

var notificationsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the configured realtime feed and print toasts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		userID, err := a.requireUserID()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if notifWatchMetricsAddr != "" {
			stopMetrics := a.serveMetrics(notifWatchMetricsAddr)
			defer stopMetrics()
		}

		adapter, err := a.remoteAdapter(ctx)
		if err != nil {
			return err
		}
		if adapter == nil {
			return fmt.Errorf("no realtime transport configured. Run 'tradepost config set realtime.transport <ws|sse|redis|webhook>'")
		}

		engine, err := a.newEngine(ctx, false)
		if err != nil {
			return err
		}
		defer engine.Close()

		a.bus.SubscribeContext(ctx, func(ev tradepost.Event) {
			switch ev.Type {
			case tradepost.EventToastAdded:
				t := ev.Payload.(tradepost.ToastEntry)
				fmt.Printf("%s %s: %s  -> %s\n", t.Icon, t.Title, t.Message, t.Target())
			case tradepost.EventUnreadCount:
				fmt.Printf("   (%d unread)\n", ev.Payload.(int))
			}
		})

		engine.AttachRemote(ctx, adapter, userID)
		fmt.Printf("Watching notifications for %s via %s. Ctrl-C to stop.\n", userID, a.cfg.Realtime.Transport)
		<-ctx.Done()
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notifListUnread, "unread", false, "Show only unread notifications")
	notificationsListCmd.Flags().BoolVar(&notifListJSON, "json", false, "Output raw JSON")

	notificationsReadCmd.Flags().BoolVar(&notifReadAll, "all", false, "Mark every notification as read")

	notificationsAddCmd.Flags().StringVar(&notifAddType, "type", string(tradepost.TypeSystem), "Notification type")
	notificationsAddCmd.Flags().StringVar(&notifAddTitle, "title", "", "Title")
	notificationsAddCmd.Flags().StringVar(&notifAddMessage, "message", "", "Message body")
	notificationsAddCmd.Flags().StringVar(&notifAddLink, "link", "", "Navigation target")

	notificationsWatchCmd.Flags().StringVar(&notifWatchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsAddCmd)
	notificationsCmd.AddCommand(notificationsWatchCmd)
	rootCmd.AddCommand(notificationsCmd)
}
