package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/connectpng/roadmon/internal/envelope"
)

var ledgerCmd = &cobra.Command{
	Use:     "ledger",
	GroupID: "data",
	Short:   "Inspect and replay the offline ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List updates waiting in the offline ledger",
	Long: `List updates that could not be delivered and are waiting for resync.

--since accepts a timestamp, a duration, or plain English:
  roadmon ledger list --since 2h
  roadmon ledger list --since "yesterday"
  roadmon ledger list --since "3 days ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		var since time.Time
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			t, err := parseSince(s, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			since = t
		}

		a, err := openApp(appOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		entries, err := a.ledger.Entries(context.Background())
		if err != nil {
			fatalf("%v", err)
		}

		shown := filterSince(entries, since)
		for _, e := range shown {
			fmt.Printf("%s  %s\n", e.OfflineRecordedAt.Local().Format("2006-01-02 15:04:05"), &e.UpdateEnvelope)
		}
		fmt.Printf("\n%d of %d pending update(s) (policy: %s)\n", len(shown), len(entries), a.ledger.Policy())
	},
}

var ledgerResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Replay the offline ledger to the resync endpoint now",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.ResyncURL == "" {
			fatalf("no API URL configured (set --api-url or ROADMON_API_URL)")
		}

		a, err := openApp(appOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Replaying offline ledger to %s...\n", cfg.ResyncURL)
		report, err := a.service.ResyncNow(ctx)
		if err != nil {
			fatalf("resync failed: %v", err)
		}

		fmt.Printf("Delivered %d/%d in %v", report.Delivered, report.Attempted, report.Duration.Round(time.Millisecond))
		if report.Failed > 0 {
			fmt.Printf(", %d failed, %d kept for next time", report.Failed, report.Kept)
		}
		fmt.Println()
	},
}

var ledgerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every update in the offline ledger",
	Run: func(cmd *cobra.Command, args []string) {
		if force, _ := cmd.Flags().GetBool("force"); !force {
			fatalf("this discards undelivered updates; pass --force to confirm")
		}

		a, err := openApp(appOptions{})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.ledger.Clear(context.Background()); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Offline ledger cleared")
	},
}

// parseSince accepts RFC 3339, a Go duration meaning "that long ago", or a
// natural-language expression such as "2 hours ago" or "yesterday".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func filterSince(entries []envelope.LedgerEntry, since time.Time) []envelope.LedgerEntry {
	if since.IsZero() {
		return entries
	}
	var out []envelope.LedgerEntry
	for _, e := range entries {
		if !e.OfflineRecordedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

func init() {
	ledgerListCmd.Flags().String("since", "", "Only show updates recorded after this time")
	ledgerClearCmd.Flags().Bool("force", false, "Confirm discarding undelivered updates")

	ledgerCmd.AddCommand(ledgerListCmd, ledgerResyncCmd, ledgerClearCmd)
	rootCmd.AddCommand(ledgerCmd)
}
