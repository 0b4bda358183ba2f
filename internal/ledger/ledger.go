// Package ledger persists updates that could not be delivered to the relay
// and replays them against the resync endpoint.
//
// The ledger is distinct from the in-memory outbound queue of the realtime
// service: it lives in the store under "offline_updates" and survives
// restarts.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/store"
)

// Policy decides what happens to ledger entries after a resync pass.
type Policy string

const (
	// KeepFailed removes only the entries whose delivery succeeded; failed
	// entries stay for the next pass.
	KeepFailed Policy = "keep-failed"

	// ClearAll empties the ledger after every pass whether or not each
	// delivery succeeded. Failed entries are lost.
	ClearAll Policy = "clear-all"
)

// ParsePolicy converts s into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case KeepFailed, ClearAll:
		return p, nil
	case "":
		return KeepFailed, nil
	}
	return "", fmt.Errorf("unknown ledger policy %q (want %s or %s)", s, KeepFailed, ClearAll)
}

// Deliverer sends one envelope to the remote endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, env *envelope.UpdateEnvelope) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, env *envelope.UpdateEnvelope) error

// Deliver calls f(ctx, env).
func (f DelivererFunc) Deliver(ctx context.Context, env *envelope.UpdateEnvelope) error {
	return f(ctx, env)
}

// Report summarizes one resync pass.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
	// Kept is the number of entries left in the ledger after the pass.
	Kept     int
	Duration time.Duration
}

// Ledger is the persisted list of offline updates.
type Ledger struct {
	store  store.Store
	policy Policy
	now    func() time.Time
	logger *log.Logger
}

// New creates a ledger over st. If logger is nil, a default logger writing
// to stderr is used.
func New(st store.Store, policy Policy, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	if policy == "" {
		policy = KeepFailed
	}
	return &Ledger{store: st, policy: policy, now: time.Now, logger: logger}
}

// Policy returns the ledger's resync policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Record appends a timestamped copy of env to the ledger.
func (l *Ledger) Record(ctx context.Context, env *envelope.UpdateEnvelope) error {
	entry := envelope.LedgerEntry{
		UpdateEnvelope:    *env,
		OfflineRecordedAt: l.now().UTC(),
	}
	entry.Payload = env.Payload.Clone()

	err := l.store.Update(ctx, store.LedgerKey, func(old string, found bool) (string, error) {
		entries, err := decode(old, found)
		if err != nil {
			return "", err
		}
		return encode(append(entries, entry))
	})
	if err != nil {
		return fmt.Errorf("failed to record %s offline: %w", env, err)
	}

	l.logger.Printf("Recorded offline: %s", env)
	return nil
}

// Entries returns the ledger contents, oldest first.
func (l *Ledger) Entries(ctx context.Context) ([]envelope.LedgerEntry, error) {
	raw, err := l.store.Get(ctx, store.LedgerKey)
	if errors.Is(err, store.ErrNotFound) {
		return []envelope.LedgerEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return decode(raw, true)
}

// Len returns the number of ledger entries.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear empties the ledger.
func (l *Ledger) Clear(ctx context.Context) error {
	if err := l.store.Put(ctx, store.LedgerKey, "[]"); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}
	return nil
}

// Resync delivers every ledger entry through d, one at a time and oldest
// first. A failed delivery is logged and the pass moves on to the next
// entry. Afterwards the ledger is pruned according to the policy.
//
// Entries recorded while the pass is running are never removed by it.
func (l *Ledger) Resync(ctx context.Context, d Deliverer) (Report, error) {
	start := time.Now()

	entries, err := l.Entries(ctx)
	if err != nil {
		return Report{}, err
	}
	if len(entries) == 0 {
		return Report{}, nil
	}

	l.logger.Printf("Resyncing %d offline updates (policy=%s)", len(entries), l.policy)

	report := Report{Attempted: len(entries)}
	done := make(map[string]bool, len(entries))

	for i := range entries {
		env := entries[i].UpdateEnvelope
		if err := ctx.Err(); err != nil {
			l.logger.Printf("Resync interrupted after %d of %d entries: %v", i, len(entries), err)
			report.Attempted = i
			break
		}

		if err := d.Deliver(ctx, &env); err != nil {
			l.logger.Printf("WARNING: Failed to resync %s: %v", &env, err)
			report.Failed++
			if l.policy == ClearAll {
				done[env.ID] = true
			}
			continue
		}

		report.Delivered++
		done[env.ID] = true
	}

	// Prune even if ctx was cancelled mid-pass so delivered entries are not
	// replayed.
	err = l.store.Update(context.WithoutCancel(ctx), store.LedgerKey, func(old string, found bool) (string, error) {
		current, err := decode(old, found)
		if err != nil {
			return "", err
		}
		kept := current[:0]
		for _, e := range current {
			if !done[e.ID] {
				kept = append(kept, e)
			}
		}
		report.Kept = len(kept)
		return encode(kept)
	})
	if err != nil {
		return report, fmt.Errorf("failed to prune ledger: %w", err)
	}

	report.Duration = time.Since(start)
	l.logger.Printf("Resync complete: delivered=%d failed=%d kept=%d",
		report.Delivered, report.Failed, report.Kept)

	return report, nil
}

func decode(raw string, found bool) ([]envelope.LedgerEntry, error) {
	if !found || raw == "" {
		return []envelope.LedgerEntry{}, nil
	}
	var entries []envelope.LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	if entries == nil {
		entries = []envelope.LedgerEntry{}
	}
	return entries, nil
}

func encode(entries []envelope.LedgerEntry) (string, error) {
	if entries == nil {
		entries = []envelope.LedgerEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return string(data), nil
}
