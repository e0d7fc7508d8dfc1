package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/vibe80/vibe80/internal/common/stringutil"
	"github.com/vibe80/vibe80/pkg/wire"
)

// maxStderrLineLen clips individual stderr lines in error reports; CLI
// trace lines can run to kilobytes.
const maxStderrLineLen = 500

// stderrErrorRegex matches the Codex error log format:
// TIMESTAMP ERROR module: error=HTTP_ERROR: Some("JSON")
var stderrErrorRegex = regexp.MustCompile(`error=(.+?):\s*Some\("(.+)"\)\s*$`)

// classifyTurnError maps a provider error onto the uniform turn error
// kinds. typ is the provider's machine-readable type when it sent one.
func classifyTurnError(typ, message string) string {
	s := strings.ToLower(typ + " " + message)
	switch {
	case strings.Contains(s, "usage_limit"),
		strings.Contains(s, "usage limit"),
		strings.Contains(s, "quota exceeded"):
		return wire.TurnErrorUsageLimit
	case strings.Contains(s, "rate_limit"),
		strings.Contains(s, "rate limit"),
		strings.Contains(s, "429"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "overloaded"):
		return wire.TurnErrorRateLimited
	case strings.Contains(s, "network"),
		strings.Contains(s, "connection"),
		strings.Contains(s, "stream disconnected"),
		strings.Contains(s, "timed out"),
		strings.Contains(s, "timeout"),
		strings.Contains(s, "dns"):
		return wire.TurnErrorNetwork
	default:
		return wire.TurnErrorInternal
	}
}

// parsedStderr is the structured form of one provider error log line.
type parsedStderr struct {
	HTTPError string
	Type      string
	Message   string
}

// parseStderrLine extracts the error payload the Codex CLI logs to stderr.
// Returns nil when the line is not an error log.
func parseStderrLine(line string) *parsedStderr {
	matches := stderrErrorRegex.FindStringSubmatch(line)
	if len(matches) < 3 {
		return nil
	}

	out := &parsedStderr{HTTPError: strings.TrimSpace(matches[1])}

	// The JSON is double-escaped inside the log line.
	unescaped := strings.ReplaceAll(matches[2], `\"`, `"`)
	unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)

	var raw map[string]any
	if err := json.Unmarshal([]byte(unescaped), &raw); err != nil {
		out.Message = out.HTTPError
		return out
	}
	if errObj, ok := raw["error"].(map[string]any); ok {
		if t, ok := errObj["type"].(string); ok {
			out.Type = t
		}
		if m, ok := errObj["message"].(string); ok {
			out.Message = m
		}
	}
	if out.Message == "" {
		if m, ok := raw["message"].(string); ok {
			out.Message = m
		}
	}
	if out.Type == "" {
		if t, ok := raw["type"].(string); ok {
			out.Type = t
		}
	}
	if out.Message == "" {
		out.Message = out.HTTPError
	}
	return out
}

// parseStderrTail scans retained stderr newest first for a parseable
// provider error.
func parseStderrTail(lines []string) *parsedStderr {
	for i := len(lines) - 1; i >= 0; i-- {
		if parsed := parseStderrLine(lines[i]); parsed != nil {
			return parsed
		}
	}
	return nil
}

// stderrTailMessage joins the last few stderr lines for error reporting.
func stderrTailMessage(lines []string, max int) string {
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	clipped := make([]string, len(lines))
	for i, line := range lines {
		clipped[i] = stringutil.TruncateWithEllipsis(line, maxStderrLineLen)
	}
	return strings.Join(clipped, "\n")
}
