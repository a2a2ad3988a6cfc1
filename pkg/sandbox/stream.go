package sandbox

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/datahive/personal-server/pkg/types"
)

const (
	// logBatchSize bounds how many lines are buffered before a task-store
	// flush, keeping critical sections short.
	logBatchSize = 20

	// sentinelDrainLines is how many further lines are read after the
	// completion sentinel before the stream is closed.
	sentinelDrainLines = 10

	maxLineBytes = 256 * 1024
)

// streamOutcome is what the line streamer observed
type streamOutcome struct {
	lines        []string
	sentinelSeen bool
	truncated    bool
}

// streamLines consumes agent output line by line, appending batches to the
// sink and watching for the completion sentinel. After the sentinel it
// drains a few more lines and stops. The in-memory copy is capped at
// capBytes; the sink still receives every line.
func streamLines(r io.Reader, opID string, sink LogSink, secrets []string, capBytes int64) *streamOutcome {
	outcome := &streamOutcome{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var batch []string
	var buffered int64
	drainLeft := -1

	flush := func() {
		if sink == nil {
			batch = nil
			return
		}
		for _, line := range batch {
			sink.AppendLog(opID, line)
		}
		batch = nil
	}

	for scanner.Scan() {
		line := Redact(scanner.Text(), secrets)

		batch = append(batch, line)
		if len(batch) >= logBatchSize {
			flush()
		}

		if buffered+int64(len(line)) <= capBytes {
			outcome.lines = append(outcome.lines, line)
			buffered += int64(len(line)) + 1
		} else {
			outcome.truncated = true
		}

		if drainLeft < 0 && strings.Contains(line, Sentinel) {
			outcome.sentinelSeen = true
			drainLeft = sentinelDrainLines
			continue
		}
		if drainLeft >= 0 {
			drainLeft--
			if drainLeft <= 0 {
				break
			}
		}
	}
	flush()

	return outcome
}

// resultKeys are the fields that mark a line as an agent result candidate
var resultKeys = []string{"status", "summary", "result", "artifacts"}

// parseAgentResult scans buffered output bottom-up for the last line that
// parses as a JSON object carrying result fields, preferring the candidate
// with the most of them.
func parseAgentResult(lines []string) (map[string]interface{}, bool) {
	var best map[string]interface{}
	bestScore := 0

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}

		score := 0
		for _, key := range resultKeys {
			if _, ok := obj[key]; ok {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if score > bestScore {
			best = obj
			bestScore = score
		}
		if bestScore == len(resultKeys) {
			break
		}
	}

	return best, best != nil
}

// deriveStatus applies the outcome rules: a reported status wins, a
// sentinel without JSON downgrades to warning, a non-zero exit without
// positive evidence of completion is an error.
func deriveStatus(result map[string]interface{}, sentinelSeen bool, exitCode int) types.ExecStatus {
	if result != nil {
		if s, ok := result["status"].(string); ok {
			switch types.ExecStatus(s) {
			case types.ExecOK, types.ExecWarning, types.ExecError:
				return types.ExecStatus(s)
			}
		}
		if exitCode == 0 {
			return types.ExecOK
		}
		return types.ExecWarning
	}

	if sentinelSeen {
		return types.ExecWarning
	}
	if exitCode != 0 {
		return types.ExecError
	}
	return types.ExecWarning
}

// summaryFrom extracts the reported summary, if any
func summaryFrom(result map[string]interface{}) string {
	if result == nil {
		return ""
	}
	s, _ := result["summary"].(string)
	return s
}

// stdoutExcerpt joins the tail of the buffered lines for the result
func stdoutExcerpt(lines []string, maxBytes int) string {
	joined := strings.Join(lines, "\n")
	if len(joined) > maxBytes {
		joined = joined[len(joined)-maxBytes:]
	}
	return joined
}
