package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/connectpng/roadmon/internal/envelope"
)

var sendCmd = &cobra.Command{
	Use:     "send",
	GroupID: "sync",
	Short:   "Send one update to the relay",
	Long: `Build an update envelope, apply it to the local cache and send it.

If the relay cannot be reached within --wait the update is recorded in the
offline ledger and replayed later.

Fields are given as name=value pairs; values that parse as JSON (numbers,
booleans, objects) keep their type, anything else is a string.

Example usage:
  roadmon send -e gps --id g1 --set projectId=p1 --set lat=-6.3 --set lng=143.9
  roadmon send -e project -a update --id p1 --set progress=55
  roadmon send -e financial --payload '{"id":"f1","amount":250000}'
  roadmon send -i                 # interactive form`,
	Run: func(cmd *cobra.Command, args []string) {
		entity, _ := cmd.Flags().GetString("entity")
		action, _ := cmd.Flags().GetString("action")
		id, _ := cmd.Flags().GetString("id")
		sets, _ := cmd.Flags().GetStringArray("set")
		raw, _ := cmd.Flags().GetString("payload")
		source, _ := cmd.Flags().GetString("source")
		wait, _ := cmd.Flags().GetDuration("wait")
		interactive, _ := cmd.Flags().GetBool("interactive")

		if interactive {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fatalf("--interactive needs a terminal")
			}
			var fields string
			if err := runSendForm(&entity, &action, &id, &fields); err != nil {
				fatalf("%v", err)
			}
			sets = append(sets, splitFields(fields)...)
		}

		env, err := buildEnvelope(entity, action, id, raw, sets,
			envelope.WithOrigin(cfg.UserID), envelope.WithSource(source))
		if err != nil {
			fatalf("%v", err)
		}

		a, err := openApp(appOptions{online: true})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := a.service.Start(ctx); err != nil {
			fatalf("failed to start sync service: %v", err)
		}
		if len(cfg.Endpoints()) > 0 {
			waitConnected(ctx, a, wait)
		}

		connected := a.service.State().Connected
		if err := a.service.Send(ctx, env); err != nil {
			fatalf("%v", err)
		}

		if connected {
			fmt.Printf("Sent %s\n", env)
		} else {
			fmt.Printf("Relay unreachable; %s saved to the offline ledger\n", env)
		}
	},
}

// waitConnected blocks until the service has a connection or d elapses.
func waitConnected(ctx context.Context, a *app, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !a.service.State().Connected {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func runSendForm(entity, action, id, fields *string) error {
	if *action == "" {
		*action = string(envelope.ActionCreate)
	}

	entities := make([]string, len(envelope.AllEntityTypes))
	for i, et := range envelope.AllEntityTypes {
		entities[i] = string(et)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Entity").
				Options(huh.NewOptions(entities...)...).
				Value(entity),
			huh.NewSelect[string]().
				Title("Action").
				Options(huh.NewOptions("create", "update", "delete")...).
				Value(action),
			huh.NewInput().
				Title("Record id").
				Description("Required for update and delete").
				Value(id),
			huh.NewText().
				Title("Fields").
				Description("One name=value per line").
				Value(fields),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("form cancelled: %w", err)
	}
	return nil
}

// buildEnvelope assembles an envelope from command-line input.
func buildEnvelope(entity, action, id, raw string, sets []string, opts ...envelope.Option) (*envelope.UpdateEnvelope, error) {
	et, err := envelope.ParseEntityType(entity)
	if err != nil {
		return nil, err
	}
	act, err := envelope.ParseAction(action)
	if err != nil {
		return nil, err
	}

	payload, err := buildPayload(raw, sets)
	if err != nil {
		return nil, err
	}
	if id != "" {
		payload["id"] = id
	}

	return envelope.New(et, act, payload, opts...)
}

// buildPayload starts from a JSON object and applies name=value pairs.
func buildPayload(raw string, sets []string) (envelope.Payload, error) {
	payload := envelope.Payload{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
		if payload == nil {
			payload = envelope.Payload{}
		}
	}

	for _, kv := range sets {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q (want name=value)", kv)
		}
		payload[name] = parseValue(value)
	}
	return payload, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func splitFields(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func init() {
	sendCmd.Flags().StringP("entity", "e", "", "Entity type: project, gps, financial or user")
	sendCmd.Flags().StringP("action", "a", "create", "Action: create, update or delete")
	sendCmd.Flags().String("id", "", "Record id")
	sendCmd.Flags().StringArray("set", nil, "Field as name=value (repeatable)")
	sendCmd.Flags().String("payload", "", "Payload as a JSON object")
	sendCmd.Flags().String("source", "cli", "Source tag recorded on the envelope")
	sendCmd.Flags().Duration("wait", 5*time.Second, "How long to wait for the relay before saving offline")
	sendCmd.Flags().BoolP("interactive", "i", false, "Fill in the update with a form")

	rootCmd.AddCommand(sendCmd)
}
