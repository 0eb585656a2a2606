package paths

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	r := New(map[string]string{
		"tools":    "/opt/mcp",
		"toolshed": "/srv/shed",
		"data:":    "/var/lib/mcphost",
	})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"prefix", "tools:bin/server", filepath.Join("/opt/mcp", "bin", "server")},
		{"longer prefix wins", "toolshed:x", filepath.Join("/srv/shed", "x")},
		{"key with colon", "data:inventory.db", filepath.Join("/var/lib/mcphost", "inventory.db")},
		{"bare prefix", "tools:", "/opt/mcp"},
		{"absolute unchanged", "/usr/bin/node", "/usr/bin/node"},
		{"relative unchanged", "bin/server", "bin/server"},
		{"unknown prefix unchanged", "other:x", "other:x"},
		{"tilde expanded", "~/servers/x", filepath.Join(home, "servers", "x")},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_NilReceiver(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("tools:x"); got != "tools:x" {
		t.Errorf("nil Resolve = %q, want unchanged", got)
	}
	if got := r.Prefixes(); got != nil {
		t.Errorf("nil Prefixes = %v, want nil", got)
	}
}

func TestResolveCommand(t *testing.T) {
	r := New(map[string]string{"tools": "/opt/mcp"})

	tests := []struct {
		cmd  string
		want string
	}{
		{"npx", "npx"},
		{"uvx", "uvx"},
		{"tools:server", filepath.Join("/opt/mcp", "server")},
		{"/usr/local/bin/server", "/usr/local/bin/server"},
	}
	for _, tt := range tests {
		if got := r.ResolveCommand(tt.cmd); got != tt.want {
			t.Errorf("ResolveCommand(%q) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestNew_EmptyMap(t *testing.T) {
	if r := New(nil); r != nil {
		t.Error("New(nil) should return nil")
	}
	if r := New(map[string]string{}); r != nil {
		t.Error("New(empty) should return nil")
	}
}

func TestPrefixes(t *testing.T) {
	r := New(map[string]string{"tools": "/a", "data": "/b"})
	if got, want := r.Prefixes(), []string{"data", "tools"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Prefixes() = %v, want %v", got, want)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := map[string]string{
		"~":        home,
		"~/a/b":    filepath.Join(home, "a", "b"),
		"~user/x":  "~user/x",
		"/abs":     "/abs",
		"relative": "relative",
	}
	for in, want := range tests {
		if got := ExpandHome(in); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}
