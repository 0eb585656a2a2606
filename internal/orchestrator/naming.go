package orchestrator

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/nugget/mcphost/internal/mcp"
)

// ToolDelimiter separates the server namespace from the tool name in a
// namespaced tool name, e.g. "github___create_issue".
const ToolDelimiter = "___"

// maxToolNameLen is the longest namespaced tool name model providers
// accept.
const maxToolNameLen = 64

// validToolName matches names that can be used without sanitising.
var validToolName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Tool is an MCP tool exposed under its namespaced name.
type Tool struct {
	// Name is "<namespace>___<tool>".
	Name string `json:"name"`
	// Server is the configured server name.
	Server string `json:"server"`
	// Original is the name the server uses for the tool. tools/call
	// must be sent with this name.
	Original   string             `json:"original"`
	Definition mcp.ToolDefinition `json:"definition"`
}

// SanitizeName makes name safe for use in a namespaced tool name.
// Names that already match ^[a-zA-Z][a-zA-Z0-9_]*$ and do not contain
// the delimiter are returned unchanged. Otherwise invalid characters
// and delimiters are removed, a leading non-letter gets an "a" prefix,
// and a name with nothing left becomes "a" plus a three-digit hash.
func SanitizeName(name string) string {
	if validToolName.MatchString(name) && !strings.Contains(name, ToolDelimiter) {
		return name
	}

	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	for strings.Contains(s, ToolDelimiter) {
		s = strings.ReplaceAll(s, ToolDelimiter, "")
	}

	if s == "" {
		h := fnv.New64a()
		h.Write([]byte(name))
		return fmt.Sprintf("a%03d", h.Sum64()%1000)
	}
	if c := s[0]; !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		s = "a" + s
	}
	return s
}

// ServerNamespace converts a configured server name into the prefix
// used for its tools: snake_case first, then [SanitizeName].
func ServerNamespace(name string) string {
	return SanitizeName(snakeCase(name))
}

// snakeCase lowercases name, splitting words at case changes, spaces
// and hyphens.
func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Reasons a tool is left out of the namespaced tool set.
const (
	reasonTooLong          = "tool name exceeds max length of 64 when combined with server name"
	reasonEmptyDescription = "tool schema contains empty description"
)

// rejectedTool is a tool that could not be exposed.
type rejectedTool struct {
	Name   string
	Reason string
}

// toolSet is the outcome of namespacing one server's tools/list result.
type toolSet struct {
	Tools []Tool
	// Renamed maps the server's tool name to the namespaced name for
	// every tool whose name had to be sanitised.
	Renamed   map[string]string
	OutOfSpec []rejectedTool
	// Filtered lists tools skipped by include_tools/exclude_tools.
	Filtered []string
}

// namespaceTools applies the include/exclude filters and builds the
// namespaced name of every remaining tool. Tools whose namespaced name
// would be too long, or that have no description, are rejected.
func namespaceTools(server, namespace string, defs []mcp.ToolDefinition, include, exclude []string) toolSet {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	set := toolSet{Renamed: make(map[string]string)}
	used := make(map[string]bool, len(defs))

	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				set.Filtered = append(set.Filtered, td.Name)
				continue
			}
		} else if excludeSet[td.Name] {
			set.Filtered = append(set.Filtered, td.Name)
			continue
		}

		name := SanitizeName(td.Name)
		for used[name] {
			name += "1"
		}

		full := namespace + ToolDelimiter + name
		if len(full) > maxToolNameLen {
			set.OutOfSpec = append(set.OutOfSpec, rejectedTool{Name: td.Name, Reason: reasonTooLong})
			continue
		}
		if td.Description == "" {
			set.OutOfSpec = append(set.OutOfSpec, rejectedTool{Name: td.Name, Reason: reasonEmptyDescription})
			continue
		}

		used[name] = true
		if name != td.Name {
			set.Renamed[td.Name] = full
		}
		set.Tools = append(set.Tools, Tool{
			Name:       full,
			Server:     server,
			Original:   td.Name,
			Definition: td,
		})
	}
	return set
}

// outOfSpecMessage renders the load record for rejected tools.
func outOfSpecMessage(rejected []rejectedTool) string {
	var b strings.Builder
	b.WriteString("The following tools are out of spec. They will be excluded from the list of available tools:\n")
	for _, r := range rejected {
		fmt.Fprintf(&b, "  - %s (%s)\n", r.Name, r.Reason)
	}
	return b.String()
}

// renamedMessage renders the load record for sanitised tool names.
func renamedMessage(renamed map[string]string) string {
	names := make([]string, 0, len(renamed))
	for orig := range renamed {
		names = append(names, orig)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("The following tool names are changed:\n")
	for _, orig := range names {
		fmt.Fprintf(&b, " - %s -> %s\n", orig, renamed[orig])
	}
	return b.String()
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
