package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"livebus/internal/infra/config"
	"livebus/internal/infra/metrics"
)

func TestInitRuntimeServes(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Addr = "127.0.0.1:0"
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "data", "bus.db")
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(dir, "audit", "audit.jsonl")
	cfg.Scheduler.Tasks = append(cfg.Scheduler.Tasks, config.ScheduledTaskConfig{
		Name: "audit-retention", Schedule: "24h", Action: "audit_retention",
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waker, err := initTransport(ctx, cfg.Bus.Transport, log)
	if err != nil {
		t.Fatalf("initTransport: %v", err)
	}
	defer waker.Close()

	st, storeCloser, err := initStore(cfg, waker, metrics.New(), log)
	if err != nil {
		t.Fatalf("initStore: %v", err)
	}
	defer storeCloser()

	rt, cleanup, err := initRuntime(cfg, st, waker, metrics.New(), log)
	if err != nil {
		t.Fatalf("initRuntime: %v", err)
	}
	if rt.Dispatcher == nil || rt.Scheduler == nil {
		t.Fatal("dispatcher and scheduler are enabled by default")
	}
	if rt.Audit == nil {
		t.Fatal("audit trail not opened")
	}
	if err := rt.Scheduler.Start(ctx); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	for _, task := range cfg.Scheduler.Tasks {
		if _, ok := rt.Scheduler.NextRun(task.Name); !ok {
			t.Errorf("task %q not scheduled", task.Name)
		}
	}

	done := make(chan error, 1)
	go func() { done <- rt.Gateway.Start(ctx) }()
	deadline := time.Now().Add(3 * time.Second)
	for rt.Gateway.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("gateway did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + rt.Gateway.BoundAddr() + "/websocket/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	if err := cleanup(stopCtx); err != nil {
		t.Errorf("cleanup: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cleanup")
	}
}

func TestInitAuditRejectsBadSize(t *testing.T) {
	_, err := initAudit(config.AuditConfig{Path: filepath.Join(t.TempDir(), "a.jsonl"), MaxSize: "huge"})
	if err == nil {
		t.Error("expected error for unparsable max_size")
	}
}

func TestInitTransportRejectsUnknown(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := initTransport(context.Background(), config.TransportConfig{Type: "carrier-pigeon"}, log); err == nil {
		t.Error("expected error for unknown transport")
	}
}
