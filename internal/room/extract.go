package room

import (
	"regexp"
	"strings"
)

// PlaceholderResponse stands in for a turn that produced no shareable
// content (no <Share> tags found).
const PlaceholderResponse = "(private response withheld)"

var (
	shareTagRe    = regexp.MustCompile(`(?is)<Share>(.*?)</Share>`)
	thinkingRe    = regexp.MustCompile(`(?is)<(?:thinking|antThinking)>.*?</(?:thinking|antThinking)>`)
	mentionRe     = regexp.MustCompile(`(?:[^/]|^)@(\w+)`)
	agreementRe   = regexp.MustCompile(`(?i)\+1\s+(\w+)`)
	handoffRe     = regexp.MustCompile(`(?i)\[HANDOFF:(\w+)\]`)
	statusRe      = regexp.MustCompile(`(?i)\[(?:(?:STATUS:\s*)?(EXPLORE|DECISION|BLOCKED|DONE|TODO|QUESTION))\]|\[STATUS:\s*([^\]\n]+)\]`)
)

// DetectPass reports whether text is exactly the agent "no-op" marker.
func DetectPass(text string) bool {
	return strings.TrimSpace(text) == "[PASS]"
}

// ExtractShareable pulls the content of all <Share>...</Share> blocks out of
// a raw agent response, stripping any <thinking>/<antThinking> blocks first
// so a <Share> tag accidentally opened inside one doesn't swallow the
// response. Returns PlaceholderResponse when no shareable content is found.
func ExtractShareable(text string) string {
	if strings.TrimSpace(text) == "[PASS]" {
		return "[PASS]"
	}
	cleaned := thinkingRe.ReplaceAllString(text, "")
	matches := shareTagRe.FindAllStringSubmatch(cleaned, -1)
	if len(matches) == 0 {
		return PlaceholderResponse
	}
	var parts []string
	for _, m := range matches {
		if trimmed := strings.TrimSpace(m[1]); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return PlaceholderResponse
	}
	return strings.Join(parts, "\n\n")
}

// ExtractMentions returns the agent names referenced via @name.
func ExtractMentions(text string) []string {
	matches := mentionRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// ExtractAgreements returns the agent names referenced via "+1 name".
func ExtractAgreements(text string) []string {
	matches := agreementRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Handoff is one [HANDOFF:Agent] marker plus the short context following it
// in the same block, up to the first period or 100 characters.
type Handoff struct {
	Agent   string
	Context string
}

// ExtractHandoffs returns every [HANDOFF:Agent] marker in text.
func ExtractHandoffs(text string) []Handoff {
	locs := handoffRe.FindAllStringSubmatchIndex(text, -1)
	out := make([]Handoff, 0, len(locs))
	for _, loc := range locs {
		agent := text[loc[2]:loc[3]]
		after := strings.TrimSpace(text[loc[1]:])
		context := after
		if i := strings.Index(after, "."); i >= 0 {
			context = after[:i]
		}
		if len(context) > 100 {
			context = context[:100]
		}
		out = append(out, Handoff{Agent: agent, Context: strings.TrimSpace(context)})
	}
	return out
}

// ExtractStatuses returns every [STATUS] / [STATUS: ...] marker in text,
// whitespace-normalized.
func ExtractStatuses(text string) []string {
	matches := statusRe.FindAllStringSubmatch(text, -1)
	var out []string
	for _, m := range matches {
		status := m[1]
		if status == "" {
			status = m[2]
		}
		normalized := strings.Join(strings.Fields(status), " ")
		if normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}
