package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/api"
	"github.com/mattjoyce/canvas-bridge/internal/auth"
	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/config"
	"github.com/mattjoyce/canvas-bridge/internal/events"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/lock"
	"github.com/mattjoyce/canvas-bridge/internal/log"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
	"github.com/mattjoyce/canvas-bridge/internal/storage"
	"github.com/mattjoyce/canvas-bridge/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "tools":
		return runToolsNoun(args)
	case "calls":
		return runCallsNoun(args)
	case "executor":
		return runExecutorNoun(args)

	case "call":
		if hasHelpFlag(args) {
			printCallHelp()
			return 0
		}
		return runCall(args)
	case "pages":
		if hasHelpFlag(args) {
			printPagesHelp()
			return 0
		}
		return runPages(args)
	case "proxy":
		if hasHelpFlag(args) {
			printProxyHelp()
			return 0
		}
		return runProxy(args)
	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: canvas-bridge version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("canvas-bridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`canvas-bridge - Async request/response bridge between assistants and a canvas executor

Usage:
  canvas-bridge <noun> <action> [flags]

Core Resources (Nouns):
  system    Bridge lifecycle and health
  config    Configuration and integrity
  tools     Operation catalog
  calls     Call journal
  executor  Executor tooling

System Commands:
  system start      Start the bridge in the foreground
  system status     Show config, lock, and live bridge health
  system watch      Live view of calls, executor and observer stream

Config Commands:
  config check      Validate syntax, policy, and integrity
  config lock       Authorize current state (update integrity hashes)
  config show       Print the resolved configuration (secrets masked)
  config get <path> Read one value, e.g. bridge.call_timeout
  config set <p>=<v> Validate or apply a single change

Tool Commands:
  tools list              List the operations the bridge dispatches
  call <op> [JSON-ARGS]   Invoke one operation and print its result
  pages                   Shortcut for 'call get_pages'

Call Commands:
  calls list              Show recent calls, newest first
  calls inspect <task-id> Show one journaled call

Executor Commands:
  executor simulate Run an in-memory canvas executor against a bridge

Assistant Integration:
  proxy             Relay newline-delimited JSON-RPC on stdio to the bridge

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'canvas-bridge <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runToolsNoun(args []string) int {
	if len(args) < 1 {
		printToolsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printToolsNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "list":
		if hasHelpFlag(args[1:]) {
			printToolsListHelp()
			return 0
		}
		return runToolsList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown tools action: %s\n", args[0])
		return 1
	}
}

func runCallsNoun(args []string) int {
	if len(args) < 1 {
		printCallsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCallsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printCallsListHelp()
			return 0
		}
		return runCallsList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printCallsInspectHelp()
			return 0
		}
		return runCallsInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown calls action: %s\n", action)
		return 1
	}
}

func runExecutorNoun(args []string) int {
	if len(args) < 1 {
		printExecutorNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printExecutorNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "simulate":
		if hasHelpFlag(args[1:]) {
			printExecutorSimulateHelp()
			return 0
		}
		return runExecutorSimulate(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown executor action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: canvas-bridge system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: canvas-bridge config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get, set")
}

func printToolsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: canvas-bridge tools <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printCallsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: canvas-bridge calls <action>")
	fmt.Fprintln(w, "Actions: list, inspect")
}

func printExecutorNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: canvas-bridge executor <action>")
	fmt.Fprintln(w, "Actions: simulate")
}

func printSystemStartHelp() {
	fmt.Println("Usage: canvas-bridge system start [--config PATH] [--listen ADDR]")
	fmt.Println("Start the bridge in the foreground. Without a config file, built-in defaults are used.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: canvas-bridge system status [--config PATH] [--url URL] [--token TOKEN] [--json]")
	fmt.Println("Show config validity, PID lock state, and the running bridge's /status.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Config loads and the bridge answers")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: canvas-bridge system watch [flags]")
	fmt.Println()
	fmt.Println("Live view of calls, executor and observer stream.")
	fmt.Println("Shows executor connection, queued and in-flight calls, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Printf("  --url URL        Bridge URL (default: $%s or %s)\n", envBridgeURL, defaultBridgeURL)
	fmt.Printf("  --token TOKEN    Bearer token (or $%s)\n", envBridgeToken)
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate calls")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: canvas-bridge config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: canvas-bridge config lock [--config PATH] [-v|--verbose]")
	fmt.Println("Authorize current configuration state by regenerating integrity hashes.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: canvas-bridge config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with secrets masked.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: canvas-bridge config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration (secrets masked).")
}

func printConfigSetHelp() {
	fmt.Println("Usage: canvas-bridge config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value. Without --apply the change is only validated.")
}

func printToolsListHelp() {
	fmt.Println("Usage: canvas-bridge tools list [--url URL] [--token TOKEN] [--json]")
	fmt.Println("List the operations the bridge dispatches.")
}

func printCallHelp() {
	fmt.Println("Usage: canvas-bridge call <operation> [JSON-ARGS] [--arg path=value ...] [--url URL] [--token TOKEN]")
	fmt.Println("Invoke one operation through the bridge and print the executor's result.")
	fmt.Println("Each --arg sets one field, e.g. --arg name=Hero --arg size.width=320.")
}

func printPagesHelp() {
	fmt.Println("Usage: canvas-bridge pages [--url URL] [--token TOKEN]")
	fmt.Println("List the document's pages.")
}

func printCallsListHelp() {
	fmt.Println("Usage: canvas-bridge calls list [--limit N] [--url URL] [--token TOKEN] [--json]")
	fmt.Println("Show recent journaled calls, newest first.")
}

func printCallsInspectHelp() {
	fmt.Println("Usage: canvas-bridge calls inspect <task-id> [--json] [--local [--config PATH]] [--url URL] [--token TOKEN]")
	fmt.Println("Show one journaled call with its arguments and outcome.")
	fmt.Println("With --local, read the state database directly; the bridge need not be running.")
}

func printExecutorSimulateHelp() {
	fmt.Println("Usage: canvas-bridge executor simulate [--url URL] [--token TOKEN] [--name NAME] [--concurrency N] [--poll-interval D]")
	fmt.Println("Register an in-memory canvas executor with a bridge and serve calls until interrupted.")
}

func printProxyHelp() {
	fmt.Println("Usage: canvas-bridge proxy [--url URL] [--token TOKEN]")
	fmt.Println("Read JSON-RPC requests line by line on stdin, forward them to the bridge,")
	fmt.Println("and write one reply line per request on stdout. Logs go to stderr.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log.Setup(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
	})
	logger := log.WithComponent("main")
	source := cfg.SourcePath
	if source == "" {
		source = "(defaults)"
	}
	logger.Info("canvas-bridge starting", "version", version, "config", source)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	calls := journal.New(db)
	hub := events.NewHub(cfg.Events.Buffer)
	if cfg.Events.NATS.URL != "" {
		mirror, err := events.DialNATS(cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix, log.WithComponent("nats"))
		if err != nil {
			logger.Error("failed to connect event mirror", "error", err)
			return 1
		}
		defer mirror.Close()
		hub.AddMirror(mirror)
		logger.Info("mirroring events to NATS", "url", cfg.Events.NATS.URL)
	}

	catalog := protocol.NewCatalog(cfg.Bridge.Operations)
	b := broker.New(broker.Options{
		Catalog:     catalog,
		CallTimeout: cfg.Bridge.CallTimeout,
		ExecutorTTL: cfg.Bridge.ExecutorTTL,
		MaxPending:  cfg.Bridge.MaxPending,
		Journal:     calls,
		Events:      hub,
		Logger:      log.WithComponent("broker"),
	})
	logger.Info("operation catalog loaded", "operations", len(catalog.Names()))

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	apiServer := api.New(api.Config{
		Listen:            cfg.API.Listen,
		APIKey:            cfg.API.Auth.APIKey,
		Tokens:            tokens,
		MaxBodyBytes:      cfg.API.MaxBodyBytes,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		StatusInterval:    cfg.Events.StatusInterval,
		PollInterval:      cfg.Bridge.PollInterval,
		ServerInfo:        protocol.ServerInfo{Name: cfg.Service.Name, Version: version},
	}, b, hub, calls, log.WithComponent("api"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	go b.Run(ctx, cfg.Bridge.SweepInterval)

	if cfg.State.JournalRetention > 0 {
		journalLog := log.WithComponent("journal")
		go calls.RunPruner(ctx, time.Hour, cfg.State.JournalRetention, func(err error) {
			journalLog.Warn("journal prune failed", "error", err)
		})
	}

	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	logger.Info("canvas-bridge running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-apiDone
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("canvas-bridge stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(remote.baseURL(), remote.token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
