package detect

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// extractJSONPath resolves a dotted path ("data.items.0.price") in a JSON
// body and returns the canonical JSON encoding of the value it lands on.
// Array elements are addressed by numeric path segments.
func extractJSONPath(body []byte, path string) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("json path %q: %w", path, err)
	}
	for _, part := range strings.Split(path, ".") {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[part]
			if !ok {
				return "", fmt.Errorf("json path %q: key %q not found", path, part)
			}
			v = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(cur) {
				return "", fmt.Errorf("json path %q: bad index %q", path, part)
			}
			v = cur[i]
		default:
			return "", fmt.Errorf("json path %q: segment %q addresses a scalar", path, part)
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json path %q: %w", path, err)
	}
	return string(out), nil
}
