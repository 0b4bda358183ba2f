// Package cache implements the local entity cache: one ordered list of
// payloads per entity type, mutated only by applying update envelopes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/connectpng/roadmon/internal/envelope"
	"github.com/connectpng/roadmon/internal/store"
)

// errNoChange aborts a store update whose list would be unchanged.
var errNoChange = errors.New("no change")

// Result describes the outcome of applying one envelope.
type Result struct {
	// Changed is false when the envelope was a no-op (update or delete of
	// an id that is not cached).
	Changed bool

	// Size is the number of entries cached for the entity type afterwards.
	Size int
}

// Cache mirrors server state per entity type on top of a store.Store.
//
// Every mutation runs as a single store.Update, so concurrent Apply calls
// for the same entity type are serialized and never lose each other's
// writes.
type Cache struct {
	store  store.Store
	logger *log.Logger
}

// New creates a cache over st. If logger is nil, a default logger writing to
// stderr is used.
func New(st store.Store, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &Cache{store: st, logger: logger}
}

// Apply mutates the cached list for env.EntityType:
//   - create appends the payload (duplicate ids are allowed)
//   - update shallow-merges the payload onto the first entry with the same
//     id; an unknown id is ignored
//   - delete removes every entry with the same id
func (c *Cache) Apply(ctx context.Context, env *envelope.UpdateEnvelope) (Result, error) {
	if err := env.Validate(); err != nil {
		return Result{}, fmt.Errorf("cannot apply invalid envelope: %w", err)
	}

	var res Result
	err := c.store.Update(ctx, store.CacheKey(env.EntityType), func(old string, found bool) (string, error) {
		list, err := decodeList(old, found)
		if err != nil {
			return "", err
		}

		next, changed := applyTo(list, env)
		res = Result{Changed: changed, Size: len(next)}
		if !changed {
			return "", errNoChange
		}
		return encodeList(next)
	})
	if errors.Is(err, errNoChange) {
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to apply %s: %w", env, err)
	}

	return res, nil
}

// applyTo returns the list after applying env and whether it changed.
func applyTo(list []envelope.Payload, env *envelope.UpdateEnvelope) ([]envelope.Payload, bool) {
	id := env.EntityID()

	switch env.Action {
	case envelope.ActionCreate:
		return append(list, env.Payload.Clone()), true

	case envelope.ActionUpdate:
		for i, item := range list {
			if item.ID() != id {
				continue
			}
			merged := item.Clone()
			for k, v := range env.Payload {
				merged[k] = v
			}
			list[i] = merged
			return list, true
		}
		return list, false

	case envelope.ActionDelete:
		kept := list[:0]
		for _, item := range list {
			if item.ID() != id {
				kept = append(kept, item)
			}
		}
		return kept, len(kept) != len(list)
	}

	return list, false
}

// List returns the cached entries for et in order. A type that was never
// written yields an empty list.
func (c *Cache) List(ctx context.Context, et envelope.EntityType) ([]envelope.Payload, error) {
	raw, err := c.store.Get(ctx, store.CacheKey(et))
	if errors.Is(err, store.ErrNotFound) {
		return []envelope.Payload{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s cache: %w", et, err)
	}
	return decodeList(raw, true)
}

// Get returns the first cached entry of type et with the given id.
func (c *Cache) Get(ctx context.Context, et envelope.EntityType, id string) (envelope.Payload, bool, error) {
	list, err := c.List(ctx, et)
	if err != nil {
		return nil, false, err
	}
	for _, item := range list {
		if item.ID() == id {
			return item, true, nil
		}
	}
	return nil, false, nil
}

// Replace overwrites the cached list for et.
func (c *Cache) Replace(ctx context.Context, et envelope.EntityType, items []envelope.Payload) error {
	raw, err := encodeList(items)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, store.CacheKey(et), raw); err != nil {
		return fmt.Errorf("failed to replace %s cache: %w", et, err)
	}
	c.logger.Printf("Replaced %s cache (%d entries)", et, len(items))
	return nil
}

// Counts returns the number of cached entries per entity type.
func (c *Cache) Counts(ctx context.Context) (map[envelope.EntityType]int, error) {
	counts := make(map[envelope.EntityType]int, len(envelope.AllEntityTypes))
	for _, et := range envelope.AllEntityTypes {
		list, err := c.List(ctx, et)
		if err != nil {
			return nil, err
		}
		counts[et] = len(list)
	}
	return counts, nil
}

func decodeList(raw string, found bool) ([]envelope.Payload, error) {
	if !found || raw == "" {
		return []envelope.Payload{}, nil
	}
	var list []envelope.Payload
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to parse cached list: %w", err)
	}
	if list == nil {
		list = []envelope.Payload{}
	}
	return list, nil
}

func encodeList(list []envelope.Payload) (string, error) {
	if list == nil {
		list = []envelope.Payload{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cached list: %w", err)
	}
	return string(data), nil
}
