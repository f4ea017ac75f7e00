package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/canvas-bridge/internal/config"
	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(t.TempDir(), "data", "bridge.db")
	cfg.API.Auth.APIKey = "0123456789abcdef0123"
	cfg.Executor.Token = cfg.API.Auth.APIKey
	return cfg
}

func assertHasError(t *testing.T, r *Result, category, field string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && e.Field == field {
			return
		}
	}
	t.Fatalf("expected error [%s] %s, got %+v", category, field, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, field string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && w.Field == field {
			return
		}
	}
	t.Fatalf("expected warning [%s] %s, got %+v", category, field, r.Warnings)
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), protocol.DefaultOperations).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_ExposedWithoutAuth(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.APIKey = ""
	cfg.Executor.Token = ""
	cfg.API.Listen = "0.0.0.0:3015"

	r := New(cfg, nil).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "api", "api.auth")
}

func TestValidate_LoopbackWithoutAuthWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.APIKey = ""
	cfg.Executor.Token = ""

	r := New(cfg, nil).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "api", "api.auth")
}

func TestValidate_TokenCoverage(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.APIKey = ""
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "caller-token-0123456789", Scopes: []string{"calls:rw"}},
		{Token: "caller-token-0123456789", Scopes: []string{"events:ro"}},
		{Token: "short", Scopes: []string{"calls:ro"}},
	}

	r := New(cfg, nil).Validate()
	assertHasError(t, r, "tokens", "api.auth.tokens[1].token")
	assertHasWarning(t, r, "tokens", "api.auth.tokens[2].token")
	assertHasWarning(t, r, "tokens", "api.auth.tokens")
	for _, w := range r.Warnings {
		if strings.Contains(w.Message, "calls:rw") {
			t.Fatalf("calls:rw is granted, got warning %q", w.Message)
		}
	}
}

func TestValidate_ExecutorURL(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Executor.URL = "localhost:3015"

	r := New(cfg, nil).Validate()
	assertHasError(t, r, "executor", "executor.url")
}

func TestValidate_StatePathIsFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.State.Path = filepath.Join(file, "bridge.db")

	r := New(cfg, nil).Validate()
	assertHasError(t, r, "state", "state.path")
}

func TestValidate_UnimplementedOperation(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Bridge.Operations = []string{"get_pages", "export_png"}

	r := New(cfg, protocol.DefaultOperations).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "catalog", "bridge.operations[1]")
}

func TestValidate_Timings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Bridge.CallTimeout = time.Second
	cfg.Bridge.SweepInterval = 5 * time.Second
	cfg.Executor.PollInterval = 3 * time.Second

	r := New(cfg, nil).Validate()
	assertHasWarning(t, r, "timing", "bridge.call_timeout")
	assertHasWarning(t, r, "timing", "bridge.sweep_interval")
	assertHasWarning(t, r, "timing", "executor.poll_interval")
}

func TestValidate_UnlockedConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("api:\n  auth:\n    api_key: 0123456789abcdef0123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Executor.Token = cfg.API.Auth.APIKey

	r := New(cfg, nil).Validate()
	assertHasWarning(t, r, "integrity", config.ChecksumFile)

	if _, err := config.Lock(path); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	r = New(cfg, nil).Validate()
	for _, w := range r.Warnings {
		if w.Category == "integrity" {
			t.Fatalf("unexpected integrity warning after lock: %v", w)
		}
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "api", Field: "api.auth", Message: "exposed"}},
		Warnings: []Issue{{Category: "state", Message: "in-memory"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{"Configuration invalid (1 error(s), 1 warning(s))", "[api] api.auth: exposed", "[state] in-memory"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	if got := FormatHuman(&Result{Valid: true}); !strings.Contains(got, "Configuration valid.") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON %s", out)
	}
}
