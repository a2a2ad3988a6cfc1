package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// AssignFilenames gives each decrypted file a descriptive workspace name.
// Chat-looking content gets a chat prefix; everything else falls back to
// a generic user_data name. Numbering follows the declared file order.
func AssignFilenames(contents [][]byte) map[string][]byte {
	files := make(map[string][]byte, len(contents))
	for i, content := range contents {
		var name string
		switch {
		case looksLikeChat(content):
			name = fmt.Sprintf("chat_export_%02d%s", i+1, extensionFor(content))
		default:
			name = fmt.Sprintf("user_data_%02d%s", i+1, extensionFor(content))
		}
		files[name] = content
	}
	return files
}

// chatMarkers are field names and labels typical of exported conversations
var chatMarkers = []string{
	`"messages"`,
	`"conversations"`,
	`"role":`,
	`"sender"`,
	"you:",
	"assistant:",
}

// looksLikeChat applies a cheap content sniff for conversation exports
func looksLikeChat(content []byte) bool {
	head := content
	if len(head) > 4096 {
		head = head[:4096]
	}
	lower := strings.ToLower(string(head))

	for _, marker := range chatMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// extensionFor picks a filename extension from the content shape
func extensionFor(content []byte) string {
	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return ".json"
		}
	}
	if strings.Contains(trimmed, ",") && strings.Contains(trimmed, "\n") && looksLikeCSV(trimmed) {
		return ".csv"
	}
	if utf8.Valid(content) {
		return ".txt"
	}
	return ".bin"
}

// looksLikeCSV checks whether the first lines share a comma count
func looksLikeCSV(s string) bool {
	lines := strings.SplitN(s, "\n", 4)
	if len(lines) < 2 {
		return false
	}
	want := strings.Count(lines[0], ",")
	if want == 0 {
		return false
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if strings.Count(line, ",") != want {
			return false
		}
	}
	return true
}
