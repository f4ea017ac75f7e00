package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/canvas-bridge/internal/api"
	"github.com/mattjoyce/canvas-bridge/internal/client"
	"github.com/mattjoyce/canvas-bridge/internal/config"
	"github.com/mattjoyce/canvas-bridge/internal/doctor"
	"github.com/mattjoyce/canvas-bridge/internal/executor"
	"github.com/mattjoyce/canvas-bridge/internal/lock"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed, color.Bold).SprintFunc()
	dimText  = color.New(color.Faint).SprintFunc()
)

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	resolved, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	// The simulator's catalog stands in for the executor here.
	result := doctor.New(cfg, executor.NewCanvas("check").Operations()).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	resolved, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	report, err := config.Lock(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		for _, name := range report.Files {
			fmt.Printf("HASH %s: %s\n", name, report.Hashes[name])
		}
		fmt.Printf("WROTE %s: %s\n", config.ChecksumFile, report.ChecksumPath)
	}
	fmt.Printf("Successfully locked configuration (%d file(s))\n", len(report.Files))
	return 0
}

func runConfigShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	shown := cfg.Redacted()

	if jsonOut {
		data, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	data, err := yaml.Marshal(shown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	if cfg.SourcePath != "" {
		fmt.Printf("# %s\n", cfg.SourcePath)
	} else {
		fmt.Println("# built-in defaults")
	}
	fmt.Print(string(data))
	return 0
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy    bool                `json:"healthy"`
	ConfigPath string              `json:"config_path,omitempty"`
	BridgeURL  string              `json:"bridge_url"`
	Checks     []statusCheck       `json:"checks"`
	Bridge     *api.StatusResponse `json:"bridge,omitempty"`
}

func runSystemStatus(args []string) int {
	var configPath, bridgeURL, token string
	var jsonOut bool

	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&bridgeURL, "url", os.Getenv(envBridgeURL), "Bridge URL (default: derived from api.listen)")
	fs.StringVar(&token, "token", os.Getenv(envBridgeToken), "Bearer token (default: api.auth.api_key)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{Healthy: true}
	fail := func(name, detail string) {
		report.Healthy = false
		report.Checks = append(report.Checks, statusCheck{Name: name, Detail: detail})
	}
	pass := func(name, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: true, Detail: detail})
	}

	cfg, err := config.LoadOrDefault(configPath)
	switch {
	case err != nil:
		fail("config", err.Error())
		cfg = config.Defaults()
	case cfg.SourcePath == "":
		pass("config", "no config file; using built-in defaults")
	default:
		report.ConfigPath = cfg.SourcePath
		pass("config", "loaded "+cfg.SourcePath)
	}

	pidPath := lock.PathFor(cfg.State.Path)
	if pid, held, err := lock.Holder(pidPath); err != nil {
		fail("pid_lock", err.Error())
	} else if held {
		pass("pid_lock", fmt.Sprintf("held by pid %d (%s)", pid, pidPath))
	} else {
		pass("pid_lock", "not held; no local bridge running")
	}

	if bridgeURL == "" {
		bridgeURL = urlForListen(cfg.API.Listen)
	}
	if token == "" {
		token = cfg.API.Auth.APIKey
	}
	report.BridgeURL = bridgeURL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := client.New(bridgeURL, token, nil).Status(ctx)
	if err != nil {
		fail("bridge", err.Error())
	} else {
		report.Bridge = st
		executorState := "no executor connected"
		if st.Connected {
			executorState = "executor " + st.ExecutorID + " connected"
		}
		pass("bridge", fmt.Sprintf("%s; %d pending, %d in flight", executorState, st.PendingTaskCount, st.InFlightCount))
	}

	if jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("canvas-bridge status %s\n", dimText(bridgeURL))
		for _, c := range report.Checks {
			mark := okMark("OK  ")
			if !c.OK {
				mark = failMark("FAIL")
			}
			fmt.Printf("  %s %-9s %s\n", mark, c.Name, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// urlForListen turns an api.listen address into a URL a local client can dial.
func urlForListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return defaultBridgeURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	positionals, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: canvas-bridge config get <path> [--config PATH] [--json]")
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	val, err := cfg.Redacted().GetPath(positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render value JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	switch v := val.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render value: %v\n", err)
			return 1
		}
		fmt.Print(string(data))
	default:
		fmt.Println(v)
	}
	return 0
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	apply := fs.Bool("apply", false, "Write the change (default is a dry run)")
	dryRun := fs.Bool("dry-run", false, "Validate the change without writing")
	positionals, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 || !strings.Contains(positionals[0], "=") {
		fmt.Fprintln(os.Stderr, "Usage: canvas-bridge config set <path>=<value> [--config PATH] [--dry-run | --apply]")
		return 1
	}
	if *apply && *dryRun {
		fmt.Fprintln(os.Stderr, "Error: use only one of --dry-run or --apply")
		return 1
	}
	path, value, _ := strings.Cut(positionals[0], "=")

	resolved, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := cfg.SetPath(path, value, *apply); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !*apply {
		fmt.Printf("Dry run: %s = %s is valid (use --apply to write %s)\n", path, value, cfg.SourcePath)
		return 0
	}
	fmt.Printf("Set %s = %s in %s\n", path, value, cfg.SourcePath)
	if _, err := config.LoadChecksums(filepath.Dir(cfg.SourcePath)); err == nil {
		fmt.Println("Config is locked; run 'canvas-bridge config lock' to authorize the change.")
	}
	return 0
}
