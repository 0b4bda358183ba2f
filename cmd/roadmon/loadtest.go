package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/connectpng/roadmon/internal/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure relay fan-out latency",
	Long: `Connect many WebSocket clients to a relay, have each send a batch of
updates, and report how long updates take to reach the other clients.

Example usage:
  roadmon loadtest                          # 10 clients, 20 updates each
  roadmon loadtest --clients 50 --messages 100`,
	Run: func(cmd *cobra.Command, args []string) {
		lc := loadtest.DefaultConfig()
		if cfg.WSURL != "" {
			lc.URL = cfg.WSURL
		}
		if cmd.Flags().Changed("url") {
			lc.URL, _ = cmd.Flags().GetString("url")
		}
		lc.Clients, _ = cmd.Flags().GetInt("clients")
		lc.MessagesPerClient, _ = cmd.Flags().GetInt("messages")
		lc.Interval, _ = cmd.Flags().GetDuration("interval")
		lc.Timeout, _ = cmd.Flags().GetDuration("timeout")

		ctx, cancel := signalContext()
		defer cancel()

		report, err := loadtest.Run(ctx, lc)
		if report != nil {
			report.Print(os.Stdout)
		}
		if err != nil {
			fatalf("%v", err)
		}
		if report.Lost() > 0 {
			fatalf("%d deliveries lost", report.Lost())
		}
	},
}

func init() {
	d := loadtest.DefaultConfig()
	loadtestCmd.Flags().String("url", d.URL, "Relay WebSocket URL (default: configured ws_url)")
	loadtestCmd.Flags().Int("clients", d.Clients, "Concurrent clients")
	loadtestCmd.Flags().Int("messages", d.MessagesPerClient, "Updates sent per client")
	loadtestCmd.Flags().Duration("interval", d.Interval, "Pause between one client's sends")
	loadtestCmd.Flags().Duration("timeout", d.Timeout, "Abort the run after this long")

	rootCmd.AddCommand(loadtestCmd)
}
