package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"livebus/internal/adapter/store"
	"livebus/internal/adapter/transport"
	"livebus/internal/infra/config"
	"livebus/internal/security"
	"livebus/internal/usecase/scheduling"
)

// CheckStatus is the verdict of one doctor probe.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult is what a probe reports. Fix is printed under failing or
// warning lines when set.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// probe is one line of the doctor report. Probes with needsConfig are
// failed without running when the configuration did not load.
type probe struct {
	name        string
	needsConfig bool
	run         func(*config.Config) CheckResult
}

// report tallies probe verdicts.
type report struct {
	counts map[CheckStatus]int
}

func (r *report) add(s CheckStatus) {
	if r.counts == nil {
		r.counts = make(map[CheckStatus]int)
	}
	r.counts[s]++
}

func (r *report) summary() string {
	return fmt.Sprintf("Results: %d passed, %d warnings, %d failed",
		r.counts[StatusPass], r.counts[StatusWarn], r.counts[StatusFail])
}

func pass(format string, args ...any) CheckResult {
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}

func warn(fix, format string, args ...any) CheckResult {
	return CheckResult{Status: StatusWarn, Message: fmt.Sprintf(format, args...), Fix: fix}
}

func fail(fix, format string, args ...any) CheckResult {
	return CheckResult{Status: StatusFail, Message: fmt.Sprintf(format, args...), Fix: fix}
}

func doctorProbes(cfgPath string, cfgErr error) []probe {
	return []probe{
		{name: "Config file", run: checkConfigFile(cfgPath, cfgErr)},
		{name: "Client tokens", needsConfig: true, run: checkTokens},
		{name: "Admin API", needsConfig: true, run: checkAdminToken},
		{name: "Listen address", needsConfig: true, run: checkListenAddr},
		{name: "Notification store", needsConfig: true, run: checkStore},
		{name: "Transport", needsConfig: true, run: checkTransport},
		{name: "Scheduler", needsConfig: true, run: checkScheduler},
		{name: "Audit trail", needsConfig: true, run: checkAudit},
		{name: "Disk space", run: checkDiskSpace},
	}
}

// runDoctor loads the configuration, runs every probe against it and prints
// the report to stdout. Probes that do not need a config still run when
// loading fails.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)
	return writeReport(os.Stdout, doctorProbes(cfgPath, cfgErr), cfg)
}

func writeReport(w io.Writer, probes []probe, cfg *config.Config) error {
	fmt.Fprintf(w, "livebus doctor\n%s\n\n", strings.Repeat("=", 50))

	var rep report
	for _, p := range probes {
		res := CheckResult{Status: StatusFail, Message: "config not loaded"}
		if cfg != nil || !p.needsConfig {
			res = p.run(cfg)
		}
		res.Name = p.name
		rep.add(res.Status)

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(res.Status), res.Name, res.Message)
		if res.Fix != "" && res.Status != StatusPass {
			fmt.Fprintf(w, "      Fix: %s\n", res.Fix)
		}
	}

	fmt.Fprintf(w, "\n%s\n%s\n", strings.Repeat("-", 50), rep.summary())
	if n := rep.counts[StatusFail]; n > 0 {
		return fmt.Errorf("%d check(s) failed", n)
	}
	if rep.counts[StatusWarn] > 0 {
		fmt.Fprintln(w, "\nlivebus will start, but review the warnings above.")
	} else {
		fmt.Fprintln(w, "\nAll checks passed.")
	}
	return nil
}

var statusIcons = map[CheckStatus]string{
	StatusPass: "[PASS]",
	StatusWarn: "[WARN]",
	StatusFail: "[FAIL]",
}

func statusIcon(s CheckStatus) string {
	if icon, ok := statusIcons[s]; ok {
		return icon
	}
	return "[????]"
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if cfgErr != nil {
			return fail("Fix the values reported above in "+cfgPath, "config error: %v", cfgErr)
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return warn("Copy config.example.yaml to config.yaml", "no config file at %s, running on defaults", cfgPath)
		}
		return pass("loaded %s", cfgPath)
	}
}

func checkTokens(cfg *config.Config) CheckResult {
	tokens := cfg.Gateway.Auth.Tokens
	if len(tokens) == 0 {
		return warn("Add entries under gateway.auth.tokens", "no client tokens configured; only existing sessions can connect")
	}
	tenants := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tenants[t.Tenant] = struct{}{}
	}
	return pass("%d token(s) across %d tenant(s)", len(tokens), len(tenants))
}

func checkAdminToken(cfg *config.Config) CheckResult {
	switch tok := cfg.Gateway.Auth.AdminToken; {
	case tok == "":
		return warn("Set gateway.auth.admin_token or LIVEBUS_GATEWAY_ADMIN_TOKEN", "admin token not set; /api/v1 endpoints are disabled")
	case len(tok) < 16:
		return warn("Use `livebus encrypt` to store a longer token", "admin token is shorter than 16 characters")
	}
	return pass("admin API enabled")
}

func checkListenAddr(cfg *config.Config) CheckResult {
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return fail("Stop the process holding the port or change gateway.addr", "cannot listen on %s: %v", cfg.Gateway.Addr, err)
	}
	ln.Close()
	return pass("%s is available", cfg.Gateway.Addr)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// checkStore opens the notification store and reads its high-water mark.
func checkStore(cfg *config.Config) CheckResult {
	if _, err := os.Stat(filepath.Dir(cfg.Store.Path)); errors.Is(err, os.ErrNotExist) {
		return pass("data directory will be created on start")
	}

	log := discardLogger()
	st, err := store.Open(cfg.Store.Path, transport.NewMemory(log), store.WithLogger(log))
	if err != nil {
		return fail("Check store.path and its permissions", "cannot open %s: %v", cfg.Store.Path, err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	maxID, err := st.MaxID(ctx)
	if err != nil {
		return fail("", "store query failed: %v", err)
	}
	return pass("%s (last notification id %d)", cfg.Store.Path, maxID)
}

func checkTransport(cfg *config.Config) CheckResult {
	tc := cfg.Bus.Transport
	if tc.Type != "redis" {
		return pass("in-process transport (single instance)")
	}

	r, err := transport.NewRedis(tc.RedisURL, tc.Channel, discardLogger())
	if err != nil {
		return fail("Check bus.transport.redis_url", "invalid redis config: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		return fail("Start Redis or switch bus.transport.type to memory", "redis unreachable: %v", err)
	}
	return pass("redis reachable, channel %q", tc.Channel)
}

// checkScheduler reports the configured tasks and whether they run under a
// cross-process lease.
func checkScheduler(cfg *config.Config) CheckResult {
	sc := cfg.Scheduler
	if !sc.Enabled || len(sc.Tasks) == 0 {
		return pass("no scheduled tasks; expired rows and stale presence are not collected")
	}
	for _, t := range sc.Tasks {
		if scheduling.Action(t.Action) == scheduling.ActionAuditRetention && !cfg.Audit.Enabled {
			return warn("Enable audit or drop the task", "task %q prunes the audit trail but audit is disabled", t.Name)
		}
	}
	mode := "local"
	if cfg.Bus.Transport.Type == "redis" {
		mode = "leased for " + sc.LockTTL.String()
	}
	return pass("%d task(s), %s", len(sc.Tasks), mode)
}

// checkAudit verifies the audit file can be appended to.
func checkAudit(cfg *config.Config) CheckResult {
	ac := cfg.Audit
	if !ac.Enabled {
		return pass("disabled")
	}
	if _, err := security.ParseSize(ac.MaxSize); err != nil {
		return fail("Use a size like 100MB for audit.max_size", "%v", err)
	}

	dir := filepath.Dir(ac.Path)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return pass("%s will be created on start", ac.Path)
	}
	if _, err := os.Stat(ac.Path); err == nil {
		f, err := os.OpenFile(ac.Path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return fail("Check audit.path permissions", "cannot append to %s: %v", ac.Path, err)
		}
		f.Close()
		return pass("appending to %s", ac.Path)
	}
	tmp, err := os.CreateTemp(dir, ".audit-probe-*")
	if err != nil {
		return fail("Check permissions on "+dir, "cannot create files in %s: %v", dir, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return pass("%s will be created on start", ac.Path)
}

// checkDiskSpace runs df against the directory holding the store.
func checkDiskSpace(cfg *config.Config) CheckResult {
	dataDir := "./data"
	if cfg != nil && cfg.Store.Path != "" {
		dataDir = filepath.Dir(cfg.Store.Path)
	}
	abs, _ := filepath.Abs(dataDir)
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return pass("data directory does not exist yet, space check skipped")
	}

	out, err := exec.Command("df", "-h", abs).Output()
	if err != nil {
		return warn("", "could not determine disk space (df failed)")
	}
	return parseDF(string(out))
}

// parseDF reads the last row of `df -h` output for a single path.
func parseDF(out string) CheckResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var fields []string
	if len(lines) >= 2 {
		fields = strings.Fields(lines[len(lines)-1])
	}
	if len(fields) < 5 {
		return warn("", "unexpected df output format")
	}

	avail, use := fields[3], fields[4]
	pct, _ := strconv.Atoi(strings.TrimSuffix(use, "%"))
	switch {
	case pct >= 95:
		return fail("Free space, lower store.retention or move store.path", "disk almost full: %s used, %s available", use, avail)
	case pct >= 85:
		return warn("", "disk usage high: %s used, %s available", use, avail)
	}
	return pass("disk usage: %s used, %s available", use, avail)
}
