package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/client"
	"github.com/mattjoyce/canvas-bridge/internal/config"
	"github.com/mattjoyce/canvas-bridge/internal/executor"
	"github.com/mattjoyce/canvas-bridge/internal/inspect"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/log"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
	"github.com/mattjoyce/canvas-bridge/internal/proxy"
	"github.com/mattjoyce/canvas-bridge/internal/storage"
)

const (
	envBridgeURL     = "CANVAS_BRIDGE_URL"
	envBridgeToken   = "CANVAS_BRIDGE_TOKEN"
	defaultBridgeURL = "http://127.0.0.1:3015"
)

type remoteFlags struct {
	url   string
	token string
}

func addRemoteFlags(fs *flag.FlagSet) *remoteFlags {
	r := &remoteFlags{}
	fs.StringVar(&r.url, "url", os.Getenv(envBridgeURL), "Bridge URL (default "+defaultBridgeURL+")")
	fs.StringVar(&r.token, "token", os.Getenv(envBridgeToken), "Bearer token")
	return r
}

func (r *remoteFlags) baseURL() string {
	if r.url == "" {
		return defaultBridgeURL
	}
	return r.url
}

func (r *remoteFlags) client() *client.Client {
	return client.New(r.baseURL(), r.token, nil)
}

// parseInterleaved parses flags that may appear before or after positionals.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	takesValue := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			return
		}
		takesValue["-"+f.Name] = true
		takesValue["--"+f.Name] = true
	})
	flags, positionals := splitFlagsAndPositionals(args, takesValue)
	if err := fs.Parse(flags); err != nil {
		return nil, err
	}
	return positionals, nil
}

func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printJSON writes raw JSON indented, colorized when stdout is a terminal.
func printJSON(w io.Writer, raw []byte) {
	out := pretty.Pretty(raw)
	if !color.NoColor {
		out = pretty.Color(out, nil)
	}
	_, _ = w.Write(out)
}

// reportCallError prints a bridge failure and returns the exit code.
func reportCallError(err error) int {
	var rpcErr *protocol.Error
	var httpErr *client.HTTPError
	switch {
	case errors.As(err, &rpcErr):
		fmt.Fprintf(os.Stderr, "%s %s (code %d)\n", failMark("Error:"), rpcErr.Message, rpcErr.Code)
	case errors.As(err, &httpErr):
		fmt.Fprintf(os.Stderr, "%s %v\n", failMark("Error:"), httpErr)
	default:
		fmt.Fprintf(os.Stderr, "%s %v\n", failMark("Error:"), err)
	}
	return 1
}

func runToolsList(args []string) int {
	fs := flag.NewFlagSet("tools list", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	tools, err := remote.client().ListTools(ctx)
	if err != nil {
		return reportCallError(err)
	}

	if *jsonOut {
		data, err := json.Marshal(tools)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render tools JSON: %v\n", err)
			return 1
		}
		printJSON(os.Stdout, data)
		return 0
	}

	rows := make([][]string, 0, len(tools))
	for _, t := range tools {
		rows = append(rows, []string{t.Name, t.Description})
	}
	fmt.Println(renderTable([]string{"OPERATION", "DESCRIPTION"}, rows))
	fmt.Printf("%d operation(s)\n", len(tools))
	return 0
}

func renderTable(headers []string, rows [][]string) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Render()
}

// argFlags collects repeated --arg path=value pairs.
type argFlags []string

func (a *argFlags) String() string { return strings.Join(*a, ",") }

func (a *argFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected path=value, got %q", v)
	}
	*a = append(*a, v)
	return nil
}

// buildArguments layers --arg pairs onto a base JSON object. Values that
// parse as JSON (numbers, booleans, objects) are kept raw; anything else is
// set as a string.
func buildArguments(base string, pairs []string) (json.RawMessage, error) {
	if base == "" {
		base = "{}"
	}
	if !gjson.Valid(base) || !gjson.Parse(base).IsObject() {
		return nil, fmt.Errorf("arguments must be a JSON object: %s", base)
	}
	out := base
	for _, pair := range pairs {
		path, value, _ := strings.Cut(pair, "=")
		var err error
		if gjson.Valid(value) {
			out, err = sjson.SetRaw(out, path, value)
		} else {
			out, err = sjson.Set(out, path, value)
		}
		if err != nil {
			return nil, fmt.Errorf("--arg %s: %w", pair, err)
		}
	}
	return json.RawMessage(out), nil
}

func runCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	var pairs argFlags
	fs.Var(&pairs, "arg", "Set one argument as path=value (repeatable)")
	positionals, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) < 1 || len(positionals) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: canvas-bridge call <operation> [JSON-ARGS] [--arg path=value ...] [--url URL] [--token TOKEN]")
		return 1
	}

	base := ""
	if len(positionals) == 2 {
		base = positionals[1]
	}
	arguments, err := buildArguments(base, pairs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return invoke(remote, positionals[0], arguments)
}

func runPages(args []string) int {
	fs := flag.NewFlagSet("pages", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	return invoke(remote, "get_pages", json.RawMessage(`{}`))
}

func invoke(remote *remoteFlags, operation string, arguments json.RawMessage) int {
	ctx, cancel := signalContext()
	defer cancel()

	out, err := remote.client().CallTool(ctx, operation, arguments)
	if err != nil {
		return reportCallError(err)
	}
	printJSON(os.Stdout, out)
	return 0
}

func runCallsList(args []string) int {
	fs := flag.NewFlagSet("calls list", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	limit := fs.Int("limit", 20, "Maximum number of calls")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	calls, err := remote.client().Calls(ctx, *limit)
	if err != nil {
		return reportCallError(err)
	}

	if *jsonOut {
		data, err := json.Marshal(calls)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render calls JSON: %v\n", err)
			return 1
		}
		printJSON(os.Stdout, data)
		return 0
	}

	if len(calls) == 0 {
		fmt.Println("No calls recorded.")
		return 0
	}
	rows := make([][]string, 0, len(calls))
	for _, c := range calls {
		rows = append(rows, []string{
			c.TaskID,
			c.Operation,
			statusLabel(c.Status),
			c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			callDuration(c),
		})
	}
	fmt.Println(renderTable([]string{"TASK", "OPERATION", "STATUS", "CREATED", "DURATION"}, rows))
	return 0
}

func statusLabel(s broker.CallStatus) string {
	switch s {
	case broker.StatusDelivered:
		return okMark(string(s))
	case broker.StatusPending:
		return string(s)
	default:
		return failMark(string(s))
	}
}

func callDuration(c *journal.Call) string {
	if c.CompletedAt == nil {
		return "-"
	}
	return c.CompletedAt.Sub(c.CreatedAt).Round(time.Millisecond).String()
}

func runCallsInspect(args []string) int {
	fs := flag.NewFlagSet("calls inspect", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	local := fs.Bool("local", false, "Read the local journal instead of asking the bridge")
	configPath := fs.String("config", "", "Path to configuration (with --local)")
	positionals, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: canvas-bridge calls inspect <task-id> [--json] [--local [--config PATH]] [--url URL] [--token TOKEN]")
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	lookup := inspect.Lookup(remote.client().Call)
	if *local {
		cfg, err := config.LoadOrDefault(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
			return 1
		}
		defer db.Close()
		lookup = journal.New(db).Get
	}

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	report, err := build(ctx, lookup, positionals[0])
	if err != nil {
		return reportCallError(err)
	}
	fmt.Print(report)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runExecutorSimulate(args []string) int {
	fs := flag.NewFlagSet("executor simulate", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	name := fs.String("name", "Untitled", "Document name of the simulated canvas")
	id := fs.String("id", "", "Executor id reported on register (default: random)")
	concurrency := fs.Int("concurrency", 4, "Tasks handled at once")
	pollInterval := fs.Duration("poll-interval", time.Second, "Pause between pulls")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *id == "" {
		*id = "simulator-" + uuid.NewString()[:8]
	}

	logger := slog.New(log.NewHandler(log.Options{Level: *logLevel, Format: "console", Output: os.Stderr})).
		With("component", "executor")
	canvas := executor.NewCanvas(*name)
	poller := executor.NewPoller(
		executor.NewClient(remote.baseURL(), remote.token, nil),
		canvas,
		executor.PollerOptions{
			ID:           *id,
			Version:      version,
			PollInterval: *pollInterval,
			Concurrency:  *concurrency,
			Logger:       logger,
		},
	)

	ctx, cancel := signalContext()
	defer cancel()
	logger.Info("simulated executor polling", "url", remote.baseURL(), "id", *id, "operations", len(canvas.Operations()))
	if err := poller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("executor stopped", "error", err)
		return 1
	}
	logger.Info("simulated executor stopped")
	return 0
}

func runProxy(args []string) int {
	return runProxyWith(args, os.Stdin, os.Stdout)
}

func runProxyWith(args []string, in io.Reader, out io.Writer) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	logLevel := fs.String("log-level", "warn", "Log level (logs go to stderr)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	// stdout carries protocol frames only.
	logger := slog.New(log.NewHandler(log.Options{Level: *logLevel, Format: "json", Output: os.Stderr})).
		With("component", "proxy")
	p := proxy.New(remote.client(), protocol.ServerInfo{Name: "canvas-bridge-proxy", Version: version}, logger)

	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Serve(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("proxy stopped", "error", err)
		return 1
	}
	return 0
}
