// Package doctor checks a canvas-bridge configuration for policy problems
// that parse-time validation does not catch.
package doctor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/auth"
	"github.com/mattjoyce/canvas-bridge/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config against the operations an executor implements.
type Doctor struct {
	cfg        *config.Config
	executable map[string]bool
}

// New creates a Doctor. executable lists the operations the executor can
// run; nil skips the catalog check.
func New(cfg *config.Config, executable []string) *Doctor {
	d := &Doctor{cfg: cfg}
	if executable != nil {
		d.executable = make(map[string]bool, len(executable))
		for _, op := range executable {
			d.executable[op] = true
		}
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateExposure(r)
	d.validateTokens(r)
	d.validateExecutor(r)
	d.warnCatalog(r)
	d.warnTimings(r)
	d.warnIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks that the journal database can be created.
func (d *Doctor) validateState(r *Result) {
	path := d.cfg.State.Path
	if path == ":memory:" {
		d.addWarning(r, "state", "state.path", "in-memory journal is lost on restart")
		return
	}
	dir := filepath.Dir(path)
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				d.addError(r, "state", "state.path", fmt.Sprintf("%s is not a directory", dir))
			}
			return
		}
		if !errors.Is(err, os.ErrNotExist) {
			d.addError(r, "state", "state.path", fmt.Sprintf("cannot access %s: %v", dir, err))
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// validateExposure flags a bridge reachable off-host without authentication.
func (d *Doctor) validateExposure(r *Result) {
	authOn := d.cfg.API.Auth.APIKey != "" || len(d.cfg.API.Auth.Tokens) > 0
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", err.Error())
		return
	}
	if authOn {
		return
	}
	if isLoopback(host) {
		d.addWarning(r, "api", "api.auth", "authentication disabled; any local process can drive the canvas")
		return
	}
	d.addError(r, "api", "api.auth",
		fmt.Sprintf("api.listen %q is reachable off-host but no api_key or tokens are configured", d.cfg.API.Listen))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateTokens checks that the configured tokens can actually run the bridge.
func (d *Doctor) validateTokens(r *Result) {
	a := d.cfg.API.Auth
	if a.APIKey != "" && len(a.Tokens) > 0 {
		d.addWarning(r, "tokens", "api.auth",
			"both api_key and tokens configured; api_key grants full access")
	}
	if len(a.Tokens) == 0 {
		return
	}

	seen := make(map[string]int)
	var canCall, canExecute bool
	for i, tok := range a.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if prev, dup := seen[tok.Token]; dup {
			d.addError(r, "tokens", field+".token",
				fmt.Sprintf("token value duplicates api.auth.tokens[%d]", prev))
		}
		seen[tok.Token] = i
		if tok.Token == a.APIKey {
			d.addError(r, "tokens", field+".token", "token value duplicates api.auth.api_key")
		}
		if len(tok.Token) < 16 {
			d.addWarning(r, "tokens", field+".token", "token is shorter than 16 characters")
		}
		p := auth.NewPrincipal(tok.Token, tok.Scopes)
		canCall = canCall || auth.HasAnyScope(p, auth.ScopeCallsRW)
		canExecute = canExecute || auth.HasAnyScope(p, auth.ScopeExecutorRW)
	}
	if a.APIKey != "" {
		return
	}
	if !canCall {
		d.addWarning(r, "tokens", "api.auth.tokens", "no token grants calls:rw; callers cannot submit operations")
	}
	if !canExecute {
		d.addWarning(r, "tokens", "api.auth.tokens", "no token grants executor:rw; the executor cannot connect")
	}
}

// validateExecutor checks the built-in executor settings.
func (d *Doctor) validateExecutor(r *Result) {
	u, err := url.Parse(d.cfg.Executor.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		d.addError(r, "executor", "executor.url",
			fmt.Sprintf("executor.url %q must be an http(s) URL", d.cfg.Executor.URL))
	}
	authOn := d.cfg.API.Auth.APIKey != "" || len(d.cfg.API.Auth.Tokens) > 0
	if authOn && d.cfg.Executor.Token == "" {
		d.addWarning(r, "executor", "executor.token", "authentication is on but executor.token is empty")
	}
}

// warnCatalog flags operations the bridge accepts but the executor cannot run.
func (d *Doctor) warnCatalog(r *Result) {
	if d.executable == nil {
		return
	}
	for i, op := range d.cfg.Bridge.Operations {
		if !d.executable[op] {
			d.addWarning(r, "catalog", fmt.Sprintf("bridge.operations[%d]", i),
				fmt.Sprintf("operation %q is not implemented by the built-in executor", op))
		}
	}
}

// warnTimings flags interval combinations that behave poorly.
func (d *Doctor) warnTimings(r *Result) {
	b := d.cfg.Bridge
	if b.CallTimeout < 2*b.PollInterval {
		d.addWarning(r, "timing", "bridge.call_timeout",
			fmt.Sprintf("call_timeout %s is under two poll intervals (%s); calls may time out before they are pulled", b.CallTimeout, b.PollInterval))
	}
	if b.SweepInterval > b.CallTimeout {
		d.addWarning(r, "timing", "bridge.sweep_interval",
			fmt.Sprintf("sweep_interval %s exceeds call_timeout %s", b.SweepInterval, b.CallTimeout))
	}
	if b.MaxPending == 0 {
		d.addWarning(r, "timing", "bridge.max_pending", "pending calls are unbounded")
	}
	if d.cfg.Executor.PollInterval > b.PollInterval {
		d.addWarning(r, "timing", "executor.poll_interval",
			fmt.Sprintf("executor polls every %s but the bridge advertises %s", d.cfg.Executor.PollInterval, b.PollInterval))
	}
}

// warnIntegrity notes a config that was never locked.
func (d *Doctor) warnIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	if _, err := config.LoadChecksums(filepath.Dir(d.cfg.SourcePath)); errors.Is(err, config.ErrNoManifest) {
		d.addWarning(r, "integrity", config.ChecksumFile, "config is not locked; run 'canvas-bridge config lock'")
	} else if err != nil {
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
	}
}

var (
	errLabel  = color.New(color.FgRed, color.Bold).SprintFunc()
	warnLabel = color.New(color.FgYellow).SprintFunc()
	okLabel   = color.New(color.FgGreen).SprintFunc()
)

// FormatHuman returns a human-readable validation report. Labels are
// colored when stdout is a terminal.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString(okLabel("Configuration valid.") + "\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "%s (%d warning(s))\n", okLabel("Configuration valid"), len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, errLabel("ERROR"), e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, warnLabel("WARN "), w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
