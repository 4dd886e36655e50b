package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcoeg/etrap/internal/protocol"
)

// Each broker entry carries the CDC envelope as JSON under the "value"
// field: {op, ts_ms, source{db,schema,table,...}, before, after}.

type envelope struct {
	Op     string         `json:"op"`
	TsMS   *int64         `json:"ts_ms"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Source map[string]any `json:"source"`
}

var operationByOp = map[string]protocol.Operation{
	"c": protocol.OpInsert,
	"u": protocol.OpUpdate,
	"d": protocol.OpDelete,
	"r": protocol.OpSnapshot,
}

// ParseEntry decodes one broker entry into a ChangeEvent. Any failure
// wraps protocol.ErrMalformedEvent: such entries are logged, dropped,
// and acknowledged without stalling the batch.
func ParseEntry(entry Entry) (protocol.ChangeEvent, error) {
	raw := strings.TrimSpace(entry.Fields["value"])
	if raw == "" {
		return protocol.ChangeEvent{}, fmt.Errorf("%w: entry %s on %s has no value field", protocol.ErrMalformedEvent, entry.ID, entry.Stream)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return protocol.ChangeEvent{}, fmt.Errorf("%w: entry %s on %s: %v", protocol.ErrMalformedEvent, entry.ID, entry.Stream, err)
	}

	op, ok := operationByOp[env.Op]
	if !ok {
		return protocol.ChangeEvent{}, fmt.Errorf("%w: entry %s on %s has unknown op %q", protocol.ErrMalformedEvent, entry.ID, entry.Stream, env.Op)
	}
	if op == protocol.OpDelete && len(env.Before) == 0 {
		return protocol.ChangeEvent{}, fmt.Errorf("%w: delete entry %s on %s has no before image", protocol.ErrMalformedEvent, entry.ID, entry.Stream)
	}

	db := sourceString(env.Source, "db")
	schema := sourceString(env.Source, "schema")
	table := sourceString(env.Source, "table")
	if streamSchema, streamTable, ok := splitStreamName(entry.Stream); ok {
		if schema == "" {
			schema = streamSchema
		}
		if table == "" {
			table = streamTable
		}
	}
	if db == "" {
		db = "unknown"
	}
	if schema == "" {
		schema = "public"
	}
	if table == "" {
		return protocol.ChangeEvent{}, fmt.Errorf("%w: entry %s on %s has no table", protocol.ErrMalformedEvent, entry.ID, entry.Stream)
	}

	ts := sourceInt64(env.Source, "ts_ms")
	if ts == 0 && env.TsMS != nil {
		ts = *env.TsMS
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return protocol.ChangeEvent{
		Stream:      entry.Stream,
		EntryID:     entry.ID,
		Operation:   op,
		TimestampMS: ts,
		Database:    db,
		Schema:      schema,
		Table:       table,
		Before:      protocol.DecodeImage(env.Before),
		After:       protocol.DecodeImage(env.After),
		Source:      env.Source,
	}, nil
}

// splitStreamName breaks "<prefix>.<schema>.<table>" apart.
func splitStreamName(name string) (schema, table string, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

func sourceString(src map[string]any, key string) string {
	if src == nil {
		return ""
	}
	if s, ok := src[key].(string); ok {
		return s
	}
	return ""
}

func sourceInt64(src map[string]any, key string) int64 {
	if src == nil {
		return 0
	}
	if n, ok := src[key].(json.Number); ok {
		if v, err := n.Int64(); err == nil {
			return v
		}
	}
	return 0
}
