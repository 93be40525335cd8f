package synth

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kubemend/kubemend/internal/guard"
)

var validOps = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

// ExtractPatch pulls the first syntactically valid top-level JSON array of
// patch operations out of free text. Model output routinely wraps the array
// in prose or markdown code fences; both are tolerated.
func ExtractPatch(text string) ([]guard.Op, error) {
	text = stripCodeFences(text)

	for start := 0; start < len(text); start++ {
		if text[start] != '[' {
			continue
		}
		end, ok := matchBracket(text, start)
		if !ok {
			continue
		}
		ops, err := decodeOps(text[start : end+1])
		if err != nil {
			continue
		}
		return ops, nil
	}
	return nil, fmt.Errorf("no JSON patch array found in response")
}

func stripCodeFences(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// matchBracket finds the index of the ']' closing the '[' at start,
// honoring JSON string literals and escapes.
func matchBracket(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func decodeOps(raw string) ([]guard.Op, error) {
	var ops []guard.Op
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty patch array")
	}
	for i, op := range ops {
		if !validOps[op.Op] {
			return nil, fmt.Errorf("op %d has invalid operation %q", i, op.Op)
		}
		if op.Path == "" {
			return nil, fmt.Errorf("op %d has no path", i)
		}
	}
	return ops, nil
}
