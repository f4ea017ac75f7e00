package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/api"
	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/events"
	"github.com/mattjoyce/canvas-bridge/internal/executor"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
	"github.com/mattjoyce/canvas-bridge/internal/storage"
)

const testKey = "cli-test-key"

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot fill the pipe and block run.
	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

func disableColor(t *testing.T) {
	t.Helper()
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startBridge serves a full bridge with a simulated executor attached.
func startBridge(t *testing.T) string {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(64)
	calls := journal.New(db)
	b := broker.New(broker.Options{
		Catalog:     protocol.NewCatalog(nil),
		CallTimeout: 3 * time.Second,
		Journal:     calls,
		Events:      hub,
		Logger:      logger,
	})
	ts := httptest.NewServer(api.New(api.Config{APIKey: testKey}, b, hub, calls, logger).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	poller := executor.NewPoller(
		executor.NewClient(ts.URL, testKey, nil),
		executor.NewCanvas("CLI Test"),
		executor.PollerOptions{PollInterval: 10 * time.Millisecond, Logger: logger},
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = poller.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for !b.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("executor never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ts.URL
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-01-02T03:04:05+02:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI(--version) code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "canvas-bridge 1.2.3") {
		t.Fatalf("stdout missing version: %s", stdout)
	}
	if !strings.Contains(stdout, "commit: 0123456789ab\n") {
		t.Fatalf("stdout missing shortened commit: %s", stdout)
	}
	if !strings.Contains(stdout, "built_at: 2026-01-02T01:04:05Z") {
		t.Fatalf("stdout missing UTC build time: %s", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "not-a-time")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" || info.BuildTime != "unknown" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestPrintUsageUsesActionTerminology(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"help"})
	})
	if code != 0 {
		t.Fatalf("runCLI(help) code = %d", code)
	}
	for _, want := range []string{"canvas-bridge <noun> <action>", "system start", "executor simulate", "proxy"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("usage missing %q: %s", want, stdout)
		}
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("runCLI() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr missing unknown command: %s", stderr)
	}
}

func TestNounActionHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"system", "status", "--help"}, "Usage: canvas-bridge system status"},
		{[]string{"system", "watch", "-h"}, "Usage: canvas-bridge system watch"},
		{[]string{"config", "check", "--help"}, "Usage: canvas-bridge config check"},
		{[]string{"config", "--help"}, "Usage: canvas-bridge config <action>"},
		{[]string{"calls", "inspect", "--help"}, "Usage: canvas-bridge calls inspect"},
		{[]string{"executor", "help"}, "Actions: simulate"},
		{[]string{"call", "--help"}, "Usage: canvas-bridge call <operation>"},
		{[]string{"proxy", "--help"}, "Usage: canvas-bridge proxy"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			code, stdout, stderr := captureOutputWithExitCode(t, func() int {
				return runCLI(tt.args)
			})
			if code != 0 {
				t.Fatalf("code = %d, stderr: %s", code, stderr)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("stdout missing %q: %s", tt.want, stdout)
			}
		})
	}
}

func TestNounWithoutActionFails(t *testing.T) {
	for _, noun := range []string{"system", "config", "tools", "calls", "executor"} {
		code, _, stderr := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{noun})
		})
		if code != 1 {
			t.Fatalf("%s: code = %d, want 1", noun, code)
		}
		if !strings.Contains(stderr, "Usage: canvas-bridge "+noun) {
			t.Fatalf("%s: stderr missing usage: %s", noun, stderr)
		}
	}
}

func TestRunConfigLockThenCheck(t *testing.T) {
	disableColor(t)
	configPath := writeConfig(t, "api:\n  listen: 127.0.0.1:3999\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath, "-v"})
	})
	if code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if !regexp.MustCompile(`HASH config\.yaml: [a-f0-9]{64}`).MatchString(stdout) {
		t.Fatalf("stdout missing hash line: %s", stdout)
	}
	if !strings.Contains(stdout, "Successfully locked configuration (1 file(s))") {
		t.Fatalf("stdout missing success summary: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); err != nil {
		t.Fatalf("expected .checksums to be written: %v", err)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("stdout missing valid summary: %s", stdout)
	}
	if strings.Contains(stdout, "not locked") {
		t.Fatalf("locked config still reported unlocked: %s", stdout)
	}

	// An open loopback bridge is a warning, which --strict escalates.
	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--strict"})
	})
	if code != 2 {
		t.Fatalf("runConfigCheck(--strict) code = %d, want 2", code)
	}
}

func TestRunConfigCheckTamperedConfig(t *testing.T) {
	configPath := writeConfig(t, "api:\n  listen: 127.0.0.1:3999\n")
	if code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath})
	}); code != 0 {
		t.Fatalf("runConfigLock() code = %d, stderr: %s", code, stderr)
	}
	if err := os.WriteFile(configPath, []byte("api:\n  listen: 0.0.0.0:3999\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("runConfigCheck() code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Config load error") {
		t.Fatalf("stderr missing load error: %s", stderr)
	}
}

func TestRunConfigCheckRejectsExposedBridgeJSON(t *testing.T) {
	configPath := writeConfig(t, "api:\n  listen: 0.0.0.0:3015\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"check", "--config", configPath, "--json"})
	})
	if code != 1 {
		t.Fatalf("runConfigNoun(check) code = %d, want 1; stderr: %s", code, stderr)
	}

	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Category string `json:"category"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("check output is not JSON: %v\n%s", err, stdout)
	}
	if result.Valid || len(result.Errors) == 0 {
		t.Fatalf("expected errors, got %+v", result)
	}
}

func TestRunConfigShowMasksSecrets(t *testing.T) {
	configPath := writeConfig(t, `
api:
  listen: 127.0.0.1:3999
  auth:
    api_key: supersecret-key-value
executor:
  token: executor-secret-token
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigShow() code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "supersecret") || strings.Contains(stdout, "executor-secret") {
		t.Fatalf("secrets leaked: %s", stdout)
	}
	if !strings.Contains(stdout, "********") || !strings.Contains(stdout, "127.0.0.1:3999") {
		t.Fatalf("unexpected config output: %s", stdout)
	}
	if !strings.Contains(stdout, "call_timeout: 1m0s") {
		t.Fatalf("defaults not rendered: %s", stdout)
	}
}

func TestRunConfigGetAndSet(t *testing.T) {
	configPath := writeConfig(t, "api:\n  listen: 127.0.0.1:3999\n  auth:\n    api_key: supersecret-key-value\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"api.listen", "--config", configPath})
	})
	if code != 0 || strings.TrimSpace(stdout) != "127.0.0.1:3999" {
		t.Fatalf("config get api.listen = %d %q, stderr: %s", code, stdout, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"--config", configPath, "api.auth.api_key"})
	})
	if code != 0 || strings.Contains(stdout, "supersecret") {
		t.Fatalf("config get leaked secret: %d %q", code, stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"bridge.max_pending=25", "--config", configPath})
	})
	if code != 0 || !strings.Contains(stdout, "Dry run") {
		t.Fatalf("config set dry run = %d %q, stderr: %s", code, stdout, stderr)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"bridge.max_pending=25", "--config", configPath, "--apply"})
	})
	if code != 0 || !strings.Contains(stdout, "Set bridge.max_pending = 25") {
		t.Fatalf("config set --apply = %d %q, stderr: %s", code, stdout, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"bridge.max_pending", "--config", configPath})
	})
	if code != 0 || strings.TrimSpace(stdout) != "25" {
		t.Fatalf("value not persisted: %d %q", code, stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"service.log_level=verbose", "--config", configPath, "--apply"})
	})
	if code != 1 || !strings.Contains(stderr, "validation failed") {
		t.Fatalf("invalid set = %d, stderr: %s", code, stderr)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runConfigSet([]string{"bridge.max_pending", "--config", configPath})
	})
	if code != 1 {
		t.Fatalf("set without '=' code = %d, want 1", code)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.StatusResponse{
			Server:           "canvas-bridge",
			Running:          true,
			Connected:        true,
			ExecutorID:       "figma-1",
			PendingTaskCount: 2,
		})
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	configPath := writeConfig(t, "state:\n  path: "+filepath.Join(dir, "bridge.db")+"\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--url", srv.URL, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, stdout)
	}
	if !report.Healthy || report.Bridge == nil || report.Bridge.ExecutorID != "figma-1" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("checks = %+v, want config, pid_lock, bridge", report.Checks)
	}
}

func TestRunSystemStatusUnreachableBridge(t *testing.T) {
	disableColor(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	configPath := writeConfig(t, "state:\n  path: "+filepath.Join(t.TempDir(), "bridge.db")+"\n")
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--url", url})
	})
	if code != 1 {
		t.Fatalf("runSystemStatus() code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "FAIL bridge") {
		t.Fatalf("stdout missing bridge failure: %s", stdout)
	}
}

func TestCallToolsAndCallsAgainstBridge(t *testing.T) {
	disableColor(t)
	url := startBridge(t)
	remote := []string{"--url", url, "--token", testKey}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI(append([]string{"tools", "list"}, remote...))
	})
	if code != 0 {
		t.Fatalf("tools list code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "get_document_info") || !strings.Contains(stdout, "search_nodes") {
		t.Fatalf("tools list missing operations: %s", stdout)
	}

	// Flags after positionals still apply.
	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI(append([]string{"call", "create_frame", `{"name":"Hero","width":320}`}, remote...))
	})
	if code != 0 {
		t.Fatalf("call code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"name": "Hero"`) {
		t.Fatalf("call output missing frame: %s", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI(append([]string{"pages"}, remote...))
	})
	if code != 0 {
		t.Fatalf("pages code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Page 1") {
		t.Fatalf("pages output missing default page: %s", stdout)
	}

	var calls []struct {
		TaskID    string `json:"taskId"`
		Operation string `json:"operation"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		code, stdout, stderr = captureOutputWithExitCode(t, func() int {
			return runCLI(append([]string{"calls", "list", "--json"}, remote...))
		})
		if code != 0 {
			t.Fatalf("calls list code = %d, stderr: %s", code, stderr)
		}
		if err := json.Unmarshal([]byte(stdout), &calls); err != nil {
			t.Fatalf("calls list output is not JSON: %v\n%s", err, stdout)
		}
		if len(calls) == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(calls) != 2 || calls[1].Operation != "create_frame" {
		t.Fatalf("unexpected calls: %+v", calls)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI(append([]string{"calls", "inspect", calls[1].TaskID}, remote...))
	})
	if code != 0 {
		t.Fatalf("calls inspect code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, calls[1].TaskID) || !strings.Contains(stdout, `"Hero"`) {
		t.Fatalf("inspect output missing call: %s", stdout)
	}
}

func TestCallReportsBridgeErrors(t *testing.T) {
	disableColor(t)
	url := startBridge(t)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCall([]string{"get_node_properties", `{"nodeId":"9:9"}`, "--url", url, "--token", testKey})
	})
	if code != 1 {
		t.Fatalf("call code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Node not found") {
		t.Fatalf("stderr missing executor error: %s", stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCall([]string{"create_frame", `[1,2]`, "--url", url})
	})
	if code != 1 || !strings.Contains(stderr, "must be a JSON object") {
		t.Fatalf("array args accepted: code %d, stderr: %s", code, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCall([]string{"get_pages", "--url", url, "--token", "wrong"})
	})
	if code != 1 || !strings.Contains(stderr, "401") {
		t.Fatalf("bad token accepted: code %d, stderr: %s", code, stderr)
	}
}

func TestRunProxyRelaysLines(t *testing.T) {
	url := startBridge(t)
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_document_info","arguments":{}}}`,
	}, "\n"))
	var out bytes.Buffer

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runProxyWith([]string{"--url", url, "--token", testKey}, in, &out)
	})
	if code != 0 {
		t.Fatalf("runProxyWith() code = %d, stderr: %s", code, stderr)
	}

	var lines []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d reply lines, want 2: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"canvas-bridge-proxy"`) {
		t.Fatalf("initialize not answered locally: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"id":2`) || !strings.Contains(lines[1], `CLI Test`) {
		t.Fatalf("tools/call not relayed: %s", lines[1])
	}
}

func TestBuildArguments(t *testing.T) {
	got, err := buildArguments(`{"parentId":"1:1"}`, []string{"name=Hero", "size.width=320", "visible=true"})
	if err != nil {
		t.Fatalf("buildArguments: %v", err)
	}
	want := `{"parentId":"1:1","name":"Hero","size":{"width":320},"visible":true}`
	if string(got) != want {
		t.Fatalf("buildArguments = %s, want %s", got, want)
	}

	if _, err := buildArguments(`[1,2]`, nil); err == nil {
		t.Fatal("expected error for non-object base")
	}
	if got, err := buildArguments("", nil); err != nil || string(got) != "{}" {
		t.Fatalf("empty base = %s, %v", got, err)
	}
}

func TestSplitFlagsAndPositionals(t *testing.T) {
	flags, positionals := splitFlagsAndPositionals(
		[]string{"create_text", "--url", "http://x", `{"text":"-"}`, "--token=abc", "-v"},
		map[string]bool{"--url": true, "--token": true},
	)
	if strings.Join(flags, " ") != "--url http://x --token=abc -v" {
		t.Fatalf("flags = %q", flags)
	}
	if len(positionals) != 2 || positionals[0] != "create_text" || positionals[1] != `{"text":"-"}` {
		t.Fatalf("positionals = %q", positionals)
	}
}

func TestURLForListen(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:3015": "http://127.0.0.1:3015",
		"0.0.0.0:8080":   "http://127.0.0.1:8080",
		":9000":          "http://127.0.0.1:9000",
		"[::1]:3015":     "http://[::1]:3015",
		"garbage":        defaultBridgeURL,
	}
	for listen, want := range tests {
		if got := urlForListen(listen); got != want {
			t.Errorf("urlForListen(%q) = %q, want %q", listen, got, want)
		}
	}
}
