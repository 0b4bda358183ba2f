// Package seed loads entity fixtures from YAML, TOML or JSONL files and
// turns them into create envelopes.
//
// YAML and TOML fixtures map an entity type to a list of records:
//
//	project:
//	  - id: p1
//	    name: Highlands Highway
//	    progress: 40
//	gps:
//	  - id: g1
//	    projectId: p1
//	    lat: -6.3
//	    lng: 143.9
//
// JSONL fixtures hold one {"entityType": ..., "payload": {...}} object per
// line.
package seed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/connectpng/roadmon/internal/envelope"
)

// Source tags every envelope built from a fixture.
const Source = "seed"

// Format is a fixture file format.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
	FormatJSONL Format = "jsonl"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unsupported fixture file %s (want .yaml, .toml or .jsonl)", filepath.Base(path))
	}
}

// Record is one fixture entry.
type Record struct {
	EntityType envelope.EntityType `json:"entityType"`
	Payload    envelope.Payload    `json:"payload"`
}

// LoadFile reads the fixture at path.
func LoadFile(path string) ([]Record, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture file: %w", err)
	}
	defer file.Close()

	records, err := Parse(format, file)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return records, nil
}

// Parse decodes fixture records from r.
func Parse(format Format, r io.Reader) ([]Record, error) {
	switch format {
	case FormatYAML:
		var doc map[string][]map[string]any
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		return fromGroups(doc)

	case FormatTOML:
		var doc map[string][]map[string]any
		if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
		return fromGroups(doc)

	case FormatJSONL:
		return parseJSONL(r)

	default:
		return nil, fmt.Errorf("unknown fixture format %q", format)
	}
}

// fromGroups flattens entity-type groups in entity type order.
func fromGroups(doc map[string][]map[string]any) ([]Record, error) {
	for key := range doc {
		if _, err := envelope.ParseEntityType(key); err != nil {
			return nil, err
		}
	}

	var records []Record
	for _, et := range envelope.AllEntityTypes {
		for i, raw := range doc[string(et)] {
			payload, err := normalize(raw)
			if err != nil {
				return nil, fmt.Errorf("%s record %d: %w", et, i+1, err)
			}
			records = append(records, Record{EntityType: et, Payload: payload})
		}
	}
	return records, nil
}

// normalize round-trips raw through JSON so numbers, nested maps and
// timestamps look exactly as they would after arriving over the wire.
func normalize(raw map[string]any) (envelope.Payload, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var payload envelope.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if payload == nil {
		payload = envelope.Payload{}
	}
	return payload, nil
}

func parseJSONL(r io.Reader) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if !rec.EntityType.Valid() {
			return nil, fmt.Errorf("line %d: unknown entity type %q", lineNum, rec.EntityType)
		}
		if rec.Payload == nil {
			rec.Payload = envelope.Payload{}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return records, nil
}

// Envelopes builds one create envelope per record, tagged with Source.
func Envelopes(records []Record, opts ...envelope.Option) ([]*envelope.UpdateEnvelope, error) {
	opts = append([]envelope.Option{envelope.WithSource(Source)}, opts...)

	envs := make([]*envelope.UpdateEnvelope, 0, len(records))
	for i, rec := range records {
		env, err := envelope.New(rec.EntityType, envelope.ActionCreate, rec.Payload, opts...)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Applier applies envelopes locally.
type Applier interface {
	Apply(ctx context.Context, env *envelope.UpdateEnvelope)
}

// Result summarizes a seed run.
type Result struct {
	Applied  int
	ByEntity map[envelope.EntityType]int
}

// Apply hands every envelope to a in order.
func Apply(ctx context.Context, a Applier, envs []*envelope.UpdateEnvelope) (Result, error) {
	res := Result{ByEntity: make(map[envelope.EntityType]int)}
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a.Apply(ctx, env)
		res.Applied++
		res.ByEntity[env.EntityType]++
	}
	return res, nil
}

// ApplyFile loads path and applies every record through a.
func ApplyFile(ctx context.Context, a Applier, path string) (Result, error) {
	records, err := LoadFile(path)
	if err != nil {
		return Result{}, err
	}
	envs, err := Envelopes(records)
	if err != nil {
		return Result{}, err
	}
	return Apply(ctx, a, envs)
}
