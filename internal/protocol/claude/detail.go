package claude

import (
	"os"
	"strings"
)

// toolBadgeLabel maps Claude's tool_use variants to a badge label. Plain
// tool_use keeps the tool's own name; the other variants get a fixed label
// per the wire contract.
func toolBadgeLabel(kind, name string) string {
	switch kind {
	case "server_tool_use", "web_search_tool_use":
		return "Search"
	case "code_execution_tool_use":
		return "Code"
	case "mcp_tool_use":
		return "MCP"
	default:
		return name
	}
}

// extractToolDetail pulls a human-readable detail string out of a plain
// tool_use input object: path, file_path, or command, in that order, with
// the home directory shortened to ~.
func extractToolDetail(input map[string]any) string {
	if input == nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "command"} {
		if v, ok := input[key].(string); ok && v != "" {
			return shortPath(v)
		}
	}
	return ""
}

const detailMaxLen = 80

// serverToolDetail builds the detail string for the server-side tool-use
// variants (web search, code execution, MCP): each carries the relevant
// fields under different keys than a plain tool_use, so extractToolDetail's
// path/file_path/command lookup never applies to them.
func serverToolDetail(kind string, t map[string]any) string {
	switch kind {
	case "web_search_tool_use":
		q, _ := t["query"].(string)
		return truncate(q, detailMaxLen)
	case "code_execution_tool_use":
		lang, _ := t["language"].(string)
		return lang
	case "mcp_tool_use":
		name, _ := t["name"].(string)
		server, _ := t["server_name"].(string)
		label := name
		if server != "" {
			label = server + "/" + name
		}
		return truncate(label, detailMaxLen)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func shortPath(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if strings.HasPrefix(p, home) {
		return "~" + strings.TrimPrefix(p, home)
	}
	return p
}
