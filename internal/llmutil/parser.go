// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")

	// codeBlockRegex extracts content wrapped in markdown with any language tag.
	codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")
)

// ExtractJSON returns the JSON document embedded in an LLM response: the
// body of a fenced block, the outermost object or array inside prose, or the
// trimmed response itself.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "```") {
		re := jsonObjectRegex
		if arrayFirst(response) {
			re = jsonArrayRegex
		}
		if matches := re.FindStringSubmatch(response); len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// Structure within conversational text; the earlier opener is the outer one.
	opener, closer := "{", "}"
	if arrayFirst(response) {
		opener, closer = "[", "]"
	}
	if fb := strings.Index(response, opener); fb >= 0 {
		if lb := strings.LastIndex(response, closer); lb > fb {
			return response[fb : lb+1]
		}
	}
	return response
}

// arrayFirst reports whether a '[' opens before any '{'.
func arrayFirst(s string) bool {
	ai := strings.Index(s, "[")
	if ai < 0 {
		return false
	}
	oi := strings.Index(s, "{")
	return oi < 0 || ai < oi
}

// ParseJSONResponse parses an LLM response into T, tolerating markdown
// wrapping and surrounding prose.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := ExtractJSON(response)
	if payload == "" {
		return nil, fmt.Errorf("LLM response contained no JSON")
	}

	var result T
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(payload, 500))
	}
	return &result, nil
}

// CleanText strips a markdown fence and surrounding quotes from a short
// free-text answer such as a CSS selector.
func CleanText(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if matches := codeBlockRegex.FindStringSubmatch(content); len(matches) > 1 {
			content = strings.TrimSpace(matches[1])
		}
	}
	for _, q := range []string{"`", `"`, "'"} {
		if len(content) >= 2 && strings.HasPrefix(content, q) && strings.HasSuffix(content, q) {
			content = strings.TrimSpace(content[1 : len(content)-1])
		}
	}
	return content
}

// Truncate cuts s to maxLen bytes and marks the cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
