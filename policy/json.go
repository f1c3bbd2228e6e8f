package policy

import "strings"

// extractJSONArray pulls the first complete JSON array out of a model
// response. Models wrap payloads in code fences or lead with prose often
// enough that strict unmarshalling of the whole response is a losing
// game; scanning for the first balanced bracket pair is not.
func extractJSONArray(s string) string {
	if fenced := stripFence(s); fenced != "" {
		s = fenced
	}

	start := strings.Index(s, "[")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// stripFence returns the body of the first ```-fenced block, or "" when
// the text has none.
func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	nl := strings.Index(rest, "\n")
	if nl == -1 {
		return ""
	}
	body := rest[nl+1:]
	end := strings.Index(body, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}
