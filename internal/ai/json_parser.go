package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Models wrap JSON in fences, comments and chatter often enough that every
// response goes through these.
var (
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// maxResponseSize bounds what Parse will look at.
const maxResponseSize = 10 * 1024 * 1024

// Parse decodes a JSON object from a model response. Candidates are tried
// in order: the trimmed text, the text without code fences, that text with
// trailing commas and comments stripped, and finally the outermost object
// found in mixed prose. The first candidate that decodes wins.
func Parse[T any](text, context string) (T, error) {
	var zero T
	if len(text) > maxResponseSize {
		return zero, fmt.Errorf("%s: response exceeds size limit (%d > %d bytes)", context, len(text), maxResponseSize)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, fmt.Errorf("%s: empty response", context)
	}

	unfenced := removeCodeFences(trimmed)
	cleaned := cleanupJSON(unfenced)
	candidates := []string{trimmed, unfenced, cleaned, objectRegex.FindString(cleaned)}

	var firstErr error
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		var result T
		err := json.Unmarshal([]byte(c), &result)
		if err == nil {
			return result, nil
		}
		if firstErr == nil {
			firstErr = err
			slog.Debug("model response is not plain JSON, trying cleanup",
				"context", context, "error", err, "preview", truncate(text, 100))
		}
	}

	return zero, fmt.Errorf("%s: no JSON object in response (%v): %s", context, firstErr, truncate(text, 500))
}

// removeCodeFences strips a markdown code fence, whether it wraps the whole
// response or sits inside prose.
func removeCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		if m := codeFenceAnyRegex.FindStringSubmatch(text); m != nil {
			cleaned = m[1]
		}
	}
	return strings.TrimSpace(strings.Trim(cleaned, "`"))
}

// cleanupJSON removes trailing commas and whole-line or block comments.
// Keys are never rewritten: file contents in a response routinely contain
// text that looks like an unquoted key.
func cleanupJSON(text string) string {
	cleaned := trailingCommaRegex.ReplaceAllString(text, "$1")
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
