package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrNoMarker is returned when a log carries no usage section.
var ErrNoMarker = errors.New("no usage marker in log")

var usageMarker = regexp.MustCompile(`(?s)# BEGIN docker-usage.json\n(.*)\n# END docker-usage.json`)

// ExtractMarker decodes the JSON document a runner prints between the
// "# BEGIN docker-usage.json" and "# END docker-usage.json" lines.
func ExtractMarker(log []byte) (map[string]any, error) {
	m := usageMarker.FindSubmatch(log)
	if m == nil {
		return nil, ErrNoMarker
	}
	var out map[string]any
	if err := json.Unmarshal(m[1], &out); err != nil {
		return nil, fmt.Errorf("decode usage marker: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
