package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"livebus/internal/infra/config"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", nil)
	result := fn(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, cfgPath, "gateway: {{yaml"); err != nil {
		t.Fatal(err)
	}

	fn := checkConfigFile(cfgPath, &config.ValidationError{Errors: []string{"bad yaml"}})
	if result := fn(nil); result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, cfgPath, "gateway:\n  addr: 127.0.0.1:8072\n"); err != nil {
		t.Fatal(err)
	}

	fn := checkConfigFile(cfgPath, nil)
	if result := fn(nil); result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestWriteReport_ConfigNotLoaded(t *testing.T) {
	ran := false
	probes := []probe{
		{name: "needs", needsConfig: true, run: func(*config.Config) CheckResult {
			ran = true
			return CheckResult{Status: StatusPass}
		}},
		{name: "free", run: func(*config.Config) CheckResult {
			return CheckResult{Status: StatusWarn, Message: "w", Fix: "do it"}
		}},
	}

	var buf bytes.Buffer
	err := writeReport(&buf, probes, nil)
	if err == nil || err.Error() != "1 check(s) failed" {
		t.Fatalf("err = %v", err)
	}
	if ran {
		t.Error("probe needing config ran without one")
	}
	out := buf.String()
	for _, want := range []string{
		"[FAIL] needs: config not loaded",
		"[WARN] free: w",
		"Fix: do it",
		"Results: 0 passed, 1 warnings, 1 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestWriteReport_AllPass(t *testing.T) {
	probes := []probe{{name: "ok", run: func(*config.Config) CheckResult {
		return CheckResult{Status: StatusPass, Message: "fine", Fix: "never shown"}
	}}}
	var buf bytes.Buffer
	if err := writeReport(&buf, probes, config.Defaults()); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	if strings.Contains(buf.String(), "never shown") {
		t.Error("fix printed for a passing probe")
	}
	if !strings.Contains(buf.String(), "All checks passed.") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
}

func TestCheckScheduler(t *testing.T) {
	cfg := config.Defaults()
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Tasks = []config.ScheduledTaskConfig{{Name: "gc", Schedule: "1h", Action: "notification_gc"}}
	if res := checkScheduler(cfg); res.Status != StatusPass || !strings.Contains(res.Message, "local") {
		t.Errorf("memory transport: %+v", res)
	}

	cfg.Bus.Transport.Type = "redis"
	if res := checkScheduler(cfg); !strings.Contains(res.Message, "leased") {
		t.Errorf("redis transport: %+v", res)
	}

	cfg.Audit.Enabled = false
	cfg.Scheduler.Tasks = append(cfg.Scheduler.Tasks, config.ScheduledTaskConfig{Name: "prune", Schedule: "24h", Action: "audit_retention"})
	if res := checkScheduler(cfg); res.Status != StatusWarn {
		t.Errorf("audit retention without audit: %+v", res)
	}
}

func TestCheckAudit(t *testing.T) {
	cfg := config.Defaults()
	cfg.Audit.Enabled = false
	if res := checkAudit(cfg); res.Status != StatusPass {
		t.Errorf("disabled: %+v", res)
	}

	cfg.Audit.Enabled = true
	cfg.Audit.MaxSize = "huge"
	if res := checkAudit(cfg); res.Status != StatusFail {
		t.Errorf("bad max_size: %+v", res)
	}

	cfg.Audit.MaxSize = "1MB"
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.jsonl")
	if res := checkAudit(cfg); res.Status != StatusPass || !strings.Contains(res.Message, "will be created") {
		t.Errorf("new file: %+v", res)
	}
	if err := writeTestFile(t, cfg.Audit.Path, ""); err != nil {
		t.Fatal(err)
	}
	if res := checkAudit(cfg); res.Status != StatusPass || !strings.Contains(res.Message, "appending") {
		t.Errorf("existing file: %+v", res)
	}
}

func TestCheckTokens(t *testing.T) {
	cfg := config.Defaults()
	if result := checkTokens(cfg); result.Status != StatusWarn {
		t.Errorf("expected WARN without tokens, got %s", result.Status)
	}

	cfg.Gateway.Auth.Tokens = []config.TokenConfig{
		{Token: "a", Tenant: "acme"},
		{Token: "b", Tenant: "acme"},
		{Token: "c", Tenant: "globex"},
	}
	result := checkTokens(cfg)
	if result.Status != StatusPass {
		t.Fatalf("expected PASS, got %s", result.Status)
	}
	if result.Message != "3 token(s) across 2 tenant(s)" {
		t.Errorf("message = %q", result.Message)
	}
}

func TestCheckAdminToken(t *testing.T) {
	cfg := config.Defaults()
	if result := checkAdminToken(cfg); result.Status != StatusWarn {
		t.Errorf("expected WARN without admin token, got %s", result.Status)
	}
	cfg.Gateway.Auth.AdminToken = "short"
	if result := checkAdminToken(cfg); result.Status != StatusWarn {
		t.Errorf("expected WARN for short admin token, got %s", result.Status)
	}
	cfg.Gateway.Auth.AdminToken = "0123456789abcdef0123"
	if result := checkAdminToken(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS, got %s", result.Status)
	}
}

func TestCheckListenAddr_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := config.Defaults()
	cfg.Gateway.Addr = ln.Addr().String()
	if result := checkListenAddr(cfg); result.Status != StatusFail {
		t.Errorf("expected FAIL for a taken port, got %s", result.Status)
	}

	cfg.Gateway.Addr = "127.0.0.1:0"
	if result := checkListenAddr(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(t.TempDir(), "bus.db")
	result := checkStore(cfg)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}

	cfg.Store.Path = filepath.Join(t.TempDir(), "missing", "bus.db")
	if result := checkStore(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS for a missing data dir, got %s", result.Status)
	}
}

func TestCheckTransport_Memory(t *testing.T) {
	if result := checkTransport(config.Defaults()); result.Status != StatusPass {
		t.Errorf("expected PASS for memory transport, got %s", result.Status)
	}
}

func TestCheckTransport_InvalidRedisURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bus.Transport.Type = "redis"
	cfg.Bus.Transport.RedisURL = "http://nope"
	if result := checkTransport(cfg); result.Status != StatusFail {
		t.Errorf("expected FAIL, got %s", result.Status)
	}
}

func TestCheckDiskSpace_NonexistentDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Path = "/nonexistent/livebus/bus.db"
	if result := checkDiskSpace(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS (skipped), got %s", result.Status)
	}
}

func TestParseDF(t *testing.T) {
	tests := []struct {
		out  string
		want CheckStatus
	}{
		{"Filesystem Size Used Avail Use% Mounted\n/dev/sda1 100G 40G 60G 40% /", StatusPass},
		{"Filesystem Size Used Avail Use% Mounted\n/dev/sda1 100G 90G 10G 90% /", StatusWarn},
		{"Filesystem Size Used Avail Use% Mounted\n/dev/sda1 100G 97G 3G 97% /", StatusFail},
		{"garbage", StatusWarn},
	}
	for _, tt := range tests {
		if got := parseDF(tt.out).Status; got != tt.want {
			t.Errorf("parseDF(%q) = %s, want %s", tt.out, got, tt.want)
		}
	}
}

func TestStatusIcon(t *testing.T) {
	tests := map[CheckStatus]string{
		StatusPass:       "[PASS]",
		StatusWarn:       "[WARN]",
		StatusFail:       "[FAIL]",
		CheckStatus("?"): "[????]",
	}
	for s, want := range tests {
		if got := statusIcon(s); got != want {
			t.Errorf("statusIcon(%s) = %q, want %q", s, got, want)
		}
	}
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv("LIVEBUS_CONFIG_KEY", "")
	if err := runEncrypt([]string{"x"}); err == nil {
		t.Error("expected error without LIVEBUS_CONFIG_KEY")
	}

	t.Setenv("LIVEBUS_CONFIG_KEY", "passphrase")
	if err := runEncrypt(nil); err == nil {
		t.Error("expected usage error without values")
	}
	if err := runEncrypt([]string{"s3cret"}); err != nil {
		t.Errorf("runEncrypt: %v", err)
	}
}

func writeTestFile(t *testing.T, path, content string) error {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return errors.Join(errors.New("write test file"), err)
	}
	return nil
}
