package llm

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

func encodeArguments(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func decodeArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	_ = json.Unmarshal(raw, &args)
	return args
}

// parseArgumentString decodes a JSON-encoded arguments string. Models
// occasionally emit truncated or sloppy JSON; that is repaired before
// giving up and returning an empty object.
func parseArgumentString(s string) map[string]any {
	args := map[string]any{}
	s = strings.TrimSpace(s)
	if s == "" {
		return args
	}
	if err := json.Unmarshal([]byte(s), &args); err == nil {
		return args
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		slog.Debug("tool arguments not repairable", "error", err)
		return args
	}
	if err := json.Unmarshal([]byte(fixed), &args); err != nil {
		slog.Debug("repaired tool arguments still invalid", "error", err)
		return map[string]any{}
	}
	return args
}
