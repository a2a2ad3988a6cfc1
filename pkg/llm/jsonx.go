package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/datahive/personal-server/pkg/errdefs"
)

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingComma     = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// ExtractJSONObject pulls a JSON object out of free-form model output.
// It tries, in order: the whole text, fenced code blocks, a scan for
// embedded objects, and finally light repairs of near-JSON. Strict mode
// rejects empty objects.
func ExtractJSONObject(text string, strict bool) (map[string]interface{}, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errdefs.Validation("empty response")
	}

	// Whole response
	if obj, ok := tryObject(text); ok {
		return accept(obj, strict)
	}

	// Fenced blocks
	for _, m := range fencedJSONPattern.FindAllStringSubmatch(text, -1) {
		if obj, ok := tryObject(strings.TrimSpace(m[1])); ok {
			return accept(obj, strict)
		}
	}

	// Embedded objects, preferring the first non-empty one
	if obj, ok := scanObjects(text); ok {
		return accept(obj, strict)
	}

	// Light repairs for near-JSON output
	repaired := repairJSON(text)
	if obj, ok := tryObject(repaired); ok {
		return accept(obj, strict)
	}
	if obj, ok := scanObjects(repaired); ok {
		return accept(obj, strict)
	}

	return nil, errdefs.Validation("no JSON object found in response")
}

// accept applies the strict-mode empty-object rule
func accept(obj map[string]interface{}, strict bool) (map[string]interface{}, error) {
	if strict && len(obj) == 0 {
		return nil, errdefs.Validation("empty JSON object rejected in strict mode")
	}
	return obj, nil
}

// tryObject parses s as a single JSON object
func tryObject(s string) (map[string]interface{}, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// scanObjects walks the text and decodes an object at each top-level '{',
// skipping braces inside string literals. The first non-empty object wins;
// an empty object is kept as a fallback.
func scanObjects(text string) (map[string]interface{}, bool) {
	var fallback map[string]interface{}
	haveFallback := false

	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
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
		case '{':
			dec := json.NewDecoder(strings.NewReader(text[i:]))
			var obj map[string]interface{}
			if err := dec.Decode(&obj); err == nil {
				if len(obj) > 0 {
					return obj, true
				}
				if !haveFallback {
					fallback = obj
					haveFallback = true
				}
			}
		}
	}

	return fallback, haveFallback
}

// repairJSON applies minor fixes to near-JSON text: single quotes around
// keys and values, trailing commas, and unquoted identifier keys.
func repairJSON(s string) string {
	s = strings.ReplaceAll(s, "'", `"`)
	s = trailingComma.ReplaceAllString(s, "$1")
	s = unquotedKey.ReplaceAllString(s, `$1"$2":`)
	return s
}
