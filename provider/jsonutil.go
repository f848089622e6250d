package provider

import (
	"regexp"
	"strings"
)

// Models wrap JSON in markdown fences, add // comments and leave trailing commas.
var (
	fencedObjectPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	bareObjectPattern    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	fencedArrayPattern   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareArrayPattern     = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSONObject pulls the first JSON object out of model output.
func extractJSONObject(content string) string {
	return extractWith(content, fencedObjectPattern, bareObjectPattern)
}

// extractJSONArray pulls the first JSON array out of model output.
func extractJSONArray(content string) string {
	return extractWith(content, fencedArrayPattern, bareArrayPattern)
}

func extractWith(content string, fenced, bare *regexp.Regexp) string {
	if m := fenced.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := bare.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// cleanJSON strips line comments outside strings and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a trailing // comment, leaving "http://..." inside strings intact.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
