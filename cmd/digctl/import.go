package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// maxBatch matches the server's batch size limit.
const maxBatch = 1000

func importCmd(g *globals) *cobra.Command {
	var (
		idempotent bool
		batchSize  int
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Append event records from JSON or YAML files",
		Long: `Append event records from files. A file may hold a JSON array, a single
JSON object, JSON lines, a YAML list or a stream of YAML documents.
Use - to read standard input.

Records go to the server in batches; each record is stored or rejected on
its own. With --idempotent, re-importing an identical record reports it as
existing instead of failing.`,
		Example: `  digctl import events.json
  digctl import --idempotent traces/*.yaml
  cat events.jsonl | digctl import -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize < 1 || batchSize > maxBatch {
				return fmt.Errorf("--batch-size must be between 1 and %d", maxBatch)
			}
			var records []json.RawMessage
			for _, path := range args {
				recs, err := readRecordsFile(path, cmd.InOrStdin())
				if err != nil {
					return err
				}
				records = append(records, recs...)
			}
			w := cmd.OutOrStdout()
			if dryRun {
				_, err := fmt.Fprintf(w, "parsed %d records\n", len(records))
				return err
			}

			api, err := g.client()
			if err != nil {
				return err
			}
			var created, existing, failed int
			for start := 0; start < len(records); start += batchSize {
				end := min(start+batchSize, len(records))
				res, err := api.AppendBatch(cmd.Context(), records[start:end], idempotent)
				if err != nil {
					return fmt.Errorf("import records %d-%d: %w", start, end-1, err)
				}
				created += res.Created
				existing += res.Existing
				failed += res.Failed
				for _, item := range res.Results {
					if item.Error == nil {
						continue
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "record %d (%s): %s: %s\n",
						start+item.Index, item.ID, item.Error.Code, item.Error.Message)
				}
				g.logger.Debug("digctl: batch imported", "from", start, "to", end, "created", res.Created)
			}
			fmt.Fprintf(w, "created=%d existing=%d failed=%d\n", created, existing, failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d records failed", failed, len(records))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&idempotent, "idempotent", false, "treat identical re-imports as success")
	f.IntVar(&batchSize, "batch-size", 500, "records per request")
	f.BoolVar(&dryRun, "dry-run", false, "parse the files without sending anything")
	return cmd
}

// readRecordsFile reads event records from a file, or from in when path is
// "-". The extension picks YAML for .yaml and .yml; anything else is tried as
// JSON first and falls back to YAML.
func readRecordsFile(path string, in io.Reader) ([]json.RawMessage, error) {
	rc, err := openInput(path, in)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	var records []json.RawMessage
	if ext == ".yaml" || ext == ".yml" {
		records, err = parseYAMLRecords(data)
	} else {
		records, err = parseJSONRecords(data)
		if err != nil {
			if yrecs, yerr := parseYAMLRecords(data); yerr == nil {
				records, err = yrecs, nil
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parse %s: no records", path)
	}
	return records, nil
}

// parseJSONRecords accepts an array of objects, or one or more whitespace
// separated objects (which covers JSON lines).
func parseJSONRecords(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, err
		}
		for i, r := range arr {
			if err := requireObject(r); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
		}
		return arr, nil
	}

	var out []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		var r json.RawMessage
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if err := requireObject(r); err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, r)
	}
}

func requireObject(r json.RawMessage) error {
	r = bytes.TrimSpace(r)
	if len(r) == 0 || r[0] != '{' {
		return errors.New("not a JSON object")
	}
	return nil
}

// parseYAMLRecords accepts a stream of documents, each either one record or
// a list of records, and converts every record to JSON.
func parseYAMLRecords(data []byte) ([]json.RawMessage, error) {
	var out []json.RawMessage
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for doc := 0; ; doc++ {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		var items []any
		switch t := v.(type) {
		case nil:
			continue
		case []any:
			items = t
		case map[string]any:
			items = []any{t}
		default:
			return nil, fmt.Errorf("document %d: want a mapping or a list, got %T", doc, v)
		}
		for i, item := range items {
			if _, ok := item.(map[string]any); !ok {
				return nil, fmt.Errorf("document %d item %d: not a mapping", doc, i)
			}
			jsonable, err := toJSONValue(item)
			if err != nil {
				return nil, fmt.Errorf("document %d item %d: %w", doc, i, err)
			}
			raw, err := json.Marshal(jsonable)
			if err != nil {
				return nil, fmt.Errorf("document %d item %d: %w", doc, i, err)
			}
			out = append(out, raw)
		}
	}
}

// toJSONValue rewrites decoded YAML into values encoding/json accepts.
// Mappings with non-string keys (yaml allows them) are rejected.
func toJSONValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			conv, err := toJSONValue(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = conv
		}
		return m, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			conv, err := toJSONValue(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ks, err)
			}
			m[ks] = conv
		}
		return m, nil
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			conv, err := toJSONValue(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			s[i] = conv
		}
		return s, nil
	default:
		return v, nil
	}
}
