// mcphost launches a configured set of Model Context Protocol servers
// and exposes their tools under collision-free namespaced names.
//
// Each server is spawned as a subprocess speaking JSON-RPC over stdio,
// or reached over a websocket, then initialized and paginated until its
// tools, prompts and resources are known. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphost serve                Launch all servers and keep them running
//	mcphost status               Launch all servers and report their load status
//	mcphost tools                Launch all servers and list their tools
//	mcphost call <tool> [json]   Call a tool by its namespaced name
//	mcphost inventory [server]   Show what servers offered when they last loaded
//	mcphost init [dir]           Write an example config.yaml
//	mcphost version              Print version and build information
//	mcphost -o json status       Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/inventory"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/orchestrator"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx shuts every server down.
// Command output goes to stdout. The serve command logs to stdout; the
// one-shot commands log to stderr so their output stays parseable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Arguments are parsed by hand; the flag package's global state
	// gets in the way of calling run from parallel tests.
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "status":
		return runStatus(ctx, stdout, stderr, configPath, outputFmt)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost call <tool> [json-arguments]")
		}
		return runCall(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "inventory":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runInventory(ctx, stdout, configPath, outputFmt, server)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - Model Context Protocol server host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Launch all servers and keep them running")
	fmt.Fprintln(w, "  status               Launch all servers and report their load status")
	fmt.Fprintln(w, "  tools                Launch all servers and list their namespaced tools")
	fmt.Fprintln(w, "  call <tool> [json]   Call a tool with a JSON object of arguments")
	fmt.Fprintln(w, "  inventory [server]   Show cached server state without launching anything")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	return nil
}

// runServe launches every server and keeps them running, with health
// checks, until ctx is cancelled.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcphost", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	logger = cfg.Logger(stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"servers", len(cfg.EnabledServers()),
		"inventory", cfg.Inventory.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)

	h, err := startHost(ctx, cfg, logger, true)
	if err != nil {
		return err
	}

	go func() {
		start := time.Now()
		if err := h.wait(ctx); err != nil {
			return
		}
		ready, failed := 0, 0
		for _, st := range h.orch.Status() {
			if st.State == orchestrator.StateReady {
				ready++
			} else {
				failed++
			}
		}
		logger.Info("all MCP servers loaded",
			"ready", ready,
			"failed", failed,
			"tools", len(h.orch.Tools()),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := h.close(); err != nil {
		logger.Warn("MCP server shutdown reported errors", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// launchOnce loads the config, launches every server and waits until
// none is pending. The caller must close the returned host.
func launchOnce(ctx context.Context, stderr io.Writer, configPath string) (*host, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(stderr)

	h, err := startHost(ctx, cfg, logger, false)
	if err != nil {
		return nil, err
	}
	if err := h.wait(ctx); err != nil {
		h.close()
		return nil, fmt.Errorf("waiting for MCP servers: %w", err)
	}
	return h, nil
}

// runStatus reports the load status and load log of every server.
func runStatus(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	h, err := launchOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.close()

	statuses := h.orch.Status()
	if outputFmt == "json" {
		return writeJSON(stdout, statuses)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(stdout, "No MCP servers configured.")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tTOOLS\tPROMPTS\tRESOURCES\tSERVER INFO")
	for _, st := range statuses {
		info := st.ServerInfo.Name
		if st.ServerInfo.Version != "" {
			info += " " + st.ServerInfo.Version
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			st.Name, st.State, st.Tools, st.Prompts, st.Resources+st.ResourceTemplates, info)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, st := range statuses {
		fmt.Fprintf(stdout, "\n%s:\n", st.Name)
		if st.Reason != "" {
			fmt.Fprintf(stdout, "  reason: %s\n", st.Reason)
		}
		for _, r := range st.Records {
			msg := strings.ReplaceAll(strings.TrimRight(r.Message, "\n"), "\n", "\n    ")
			fmt.Fprintf(stdout, "  [%s] %s\n", r.Level, msg)
		}
	}
	return nil
}

// runTools lists every namespaced tool of the Ready servers.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	h, err := launchOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.close()

	tools := h.orch.Tools()
	if outputFmt == "json" {
		return writeJSON(stdout, tools)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Server, firstLine(t.Definition.Description))
	}
	return tw.Flush()
}

// runCall invokes one tool by its namespaced name. The optional second
// argument is a JSON object of tool arguments.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	name := args[0]
	toolArgs := map[string]any{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	h, err := launchOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.close()

	result, err := h.orch.CallTool(ctx, name, toolArgs)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	if outputFmt == "json" {
		return writeJSON(stdout, result)
	}
	return writeToolResult(stdout, name, result)
}

func writeToolResult(w io.Writer, name string, result *mcp.CallToolResult) error {
	text := result.Text()
	if result.IsError {
		return fmt.Errorf("tool %s returned error: %s", name, text)
	}
	fmt.Fprintln(w, text)
	return nil
}

// runInventory prints the cached state of every server, or the cached
// tools and load log of one server.
func runInventory(ctx context.Context, stdout io.Writer, configPath, outputFmt, server string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, db, err := openInventory(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if server != "" {
		return writeServerInventory(ctx, stdout, store, outputFmt, server)
	}

	states, err := store.States(ctx)
	if err != nil {
		return err
	}
	listings, err := store.Listings(ctx)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"states": states, "listings": listings})
	}

	if len(states) == 0 {
		fmt.Fprintln(stdout, "Inventory is empty. Run mcphost serve or mcphost status first.")
		return nil
	}

	counts := make(map[string]map[string]int)
	for _, l := range listings {
		if counts[l.Server] == nil {
			counts[l.Server] = make(map[string]int)
		}
		counts[l.Server][l.Op.Key()] = l.Items
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATE\tTOOLS\tPROMPTS\tRESOURCES\tUPDATED")
	for _, st := range states {
		c := counts[st.Server]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			st.Server, st.State, c["tools"], c["prompts"], c["resources"]+c["resourceTemplates"],
			st.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func writeServerInventory(ctx context.Context, w io.Writer, store *inventory.Store, outputFmt, server string) error {
	var tools mcp.ToolsListResult
	updated, err := store.GetListing(ctx, server, mcp.OpToolsList, &tools)
	if err != nil {
		return err
	}
	records, err := store.Records(ctx, server, 20)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return writeJSON(w, map[string]any{
			"server":     server,
			"tools":      tools.Tools,
			"updated_at": updated,
			"records":    records,
		})
	}

	fmt.Fprintf(w, "%s (tools cached %s)\n", server, updated.Local().Format(time.DateTime))
	for _, t := range tools.Tools {
		fmt.Fprintf(w, "  %s: %s\n", t.Name, firstLine(t.Description))
	}
	if len(records) > 0 {
		fmt.Fprintln(w, "\nRecent load records:")
		for _, r := range records {
			fmt.Fprintf(w, "  %s [%s] %s\n", r.RecordedAt.Local().Format(time.DateTime), r.Level, firstLine(r.Message))
		}
	}
	return nil
}

// loadConfig locates, parses and validates the YAML configuration.
// Returns the config and the path it was loaded from.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
