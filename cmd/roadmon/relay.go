package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "sync",
	Short:   "Run the realtime relay hub",
	Long: `Start the relay that dashboard clients connect to.

Every update envelope a client sends over the WebSocket is rebroadcast to
all other connected clients. Offline ledgers are replayed to the HTTP
resync endpoint, one envelope per POST.

Endpoints:
  /ws                   WebSocket (optional ?v=<protocol version>)
  /api/realtime/sync    POST one envelope
  /health               client count and protocol version

Example usage:
  roadmon relay                  # Start on port 8080
  roadmon relay --port 9000      # Start on custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("port") {
			cfg.RelayPort, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("host") {
			cfg.RelayHost, _ = cmd.Flags().GetString("host")
		}

		rc := relay.DefaultConfig()
		rc.Host = cfg.RelayHost
		rc.Port = cfg.RelayPort
		rc.Logger = logs.Logger("relay")

		server := relay.NewServer(rc)
		if err := server.Start(); err != nil {
			fatalf("failed to start relay: %v", err)
		}

		addr := server.Addr()
		fmt.Printf("Relay started on http://%s (protocol %s)\n", addr, envelope.ProtocolVersion)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Resync endpoint: http://%s/api/realtime/sync\n", addr)
		fmt.Printf("Health check: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fatalf("shutdown failed: %v", err)
		}

		stats := server.Stats()
		fmt.Printf("Relay stopped (received %d, rejected %d, delivered %d, dropped %d)\n",
			stats.Received, stats.Rejected, stats.Broadcast, stats.Dropped)
	},
}

func init() {
	relayCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	relayCmd.Flags().String("host", "", "Interface to bind (default: all)")

	rootCmd.AddCommand(relayCmd)
}
