// Package paths resolves the locations mcphost reads from and writes
// to: server commands, working directories and the inventory database.
// Configured prefixes ("tools:", "data:") and a leading ~ are expanded.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directories. A nil *Resolver only
// expands ~.
type Resolver struct {
	dirs  map[string]string // "tools:" -> "/opt/mcp"
	order []string          // longest prefix first
}

// New builds a Resolver from a prefix-to-directory map. Keys may omit
// the trailing colon. Directories have ~ expanded. Returns nil for an
// empty map.
func New(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	r := &Resolver{dirs: make(map[string]string, len(prefixes))}
	for name, dir := range prefixes {
		if !strings.HasSuffix(name, ":") {
			name += ":"
		}
		r.dirs[name] = ExpandHome(dir)
		r.order = append(r.order, name)
	}
	// "tools:" must not shadow "toolshed:".
	sort.Slice(r.order, func(i, j int) bool {
		if len(r.order[i]) != len(r.order[j]) {
			return len(r.order[i]) > len(r.order[j])
		}
		return r.order[i] < r.order[j]
	})
	return r
}

// Resolve expands a prefixed or ~-relative path. Anything else is
// returned unchanged. A bare prefix resolves to its directory.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.order {
			rest, ok := strings.CutPrefix(path, prefix)
			if !ok {
				continue
			}
			if rest == "" {
				return r.dirs[prefix]
			}
			return filepath.Join(r.dirs[prefix], rest)
		}
	}
	return ExpandHome(path)
}

// ResolveCommand expands a server command. Bare executable names such
// as "npx" are left for exec.LookPath.
func (r *Resolver) ResolveCommand(cmd string) string {
	if !strings.ContainsRune(cmd, ':') && !strings.HasPrefix(cmd, "~") {
		return cmd
	}
	return r.Resolve(cmd)
}

// Prefixes returns the registered prefix names, sorted, without
// trailing colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.dirs))
	for prefix := range r.dirs {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
