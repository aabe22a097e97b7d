package commands

import (
	"encoding/json"
	"fmt"
)

// formatJSON renders v for --json output. It never fails: when v cannot be
// encoded the result is an {"error": ...} object, so scripts reading stdout
// always get one JSON document.
func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data, _ = json.MarshalIndent(map[string]string{
			"error": fmt.Sprintf("encoding %T: %v", v, err),
		}, "", "  ")
	}
	return string(data) + "\n"
}
