package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/inbox"
	"github.com/connectpng/roadmon/internal/notify"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Run the sync service until interrupted",
	Long: `Connect to the relay and keep the local cache in sync.

Incoming updates are applied to the local cache and shown as notifications.
Envelope files dropped into the inbox directory are sent like any other
update. Updates that cannot be delivered are recorded in the offline ledger
and replayed every resync interval.`,
	Run: func(cmd *cobra.Command, args []string) {
		perm := cfg.NotifyPermission
		if quietNotify, _ := cmd.Flags().GetBool("no-notify"); quietNotify {
			perm = notify.PermissionDenied
		}
		noInbox, _ := cmd.Flags().GetBool("no-inbox")
		verbose, _ := cmd.Flags().GetBool("verbose")

		a, err := openApp(appOptions{
			online:   true,
			notifier: notify.NewTerminal(os.Stdout, perm),
		})
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := runWatch(ctx, a, watchOptions{inbox: !noInbox, verbose: verbose}); err != nil {
			fatalf("%v", err)
		}
	},
}

type watchOptions struct {
	inbox   bool
	verbose bool
}

// runWatch runs the sync service until ctx is done. It takes ownership of
// a and closes it before returning, on failure too, so queued updates
// reach the offline ledger.
func runWatch(ctx context.Context, a *app, opts watchOptions) (err error) {
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close local cache: %w", cerr)
		}
	}()

	if err := a.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync service: %w", err)
	}

	if opts.inbox {
		ic := inbox.DefaultConfig()
		ic.Logger = logs.Logger("inbox")
		in, err := inbox.New(cfg.InboxDir, a.service, ic)
		if err != nil {
			return err
		}
		if err := in.Start(); err != nil {
			return err
		}
		defer in.Stop()
		fmt.Printf("Inbox: %s\n", in.Dir())
	}

	if endpoints := cfg.Endpoints(); len(endpoints) > 0 {
		fmt.Printf("Syncing with %s\n", endpoints[0])
	} else {
		fmt.Println("No relay configured; working offline")
	}
	if n, err := a.ledger.Len(ctx); err == nil && n > 0 {
		fmt.Printf("%d update(s) waiting in the offline ledger\n", n)
	}
	fmt.Println("Press Ctrl+C to stop...")

	unsubscribe := a.service.Subscribe(func(env *envelope.UpdateEnvelope) {
		if opts.verbose {
			fmt.Printf("%s %s\n", env.CreatedAt.Format("15:04:05"), env)
		}
	})
	defer unsubscribe()

	<-ctx.Done()
	fmt.Println("\nStopping sync service...")
	return nil
}

func init() {
	watchCmd.Flags().Bool("no-inbox", false, "Do not watch the inbox directory")
	watchCmd.Flags().Bool("no-notify", false, "Do not show notifications")
	watchCmd.Flags().BoolP("verbose", "v", false, "Print every applied update")

	rootCmd.AddCommand(watchCmd)
}
