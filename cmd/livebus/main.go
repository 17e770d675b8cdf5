package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"livebus/internal/infra/config"
	"livebus/internal/infra/logger"
	"livebus/internal/infra/metrics"
	"livebus/internal/infra/tracer"
)

const usage = `livebus - websocket notification bus

USAGE:
    livebus [COMMAND] [--config PATH]

COMMANDS:
    run         Serve the bus (default when no command is given)
    doctor      Check the configuration and the backends it points at
    encrypt     Print the enc: form of each argument (needs LIVEBUS_CONFIG_KEY)
    help        Show this message

CONFIGURATION:
    --config PATH or LIVEBUS_CONFIG selects the file (default ./config.yaml).
    LIVEBUS_* variables override file values. Values prefixed with "enc:"
    are decrypted at startup with LIVEBUS_CONFIG_KEY.

EXAMPLES:
    livebus --config /etc/livebus/config.yaml
    LIVEBUS_CONFIG_KEY=... livebus encrypt s3cret
    livebus doctor
`

var commands = map[string]func(args []string) error{
	"run":     func([]string) error { return run() },
	"doctor":  func([]string) error { return runDoctor() },
	"encrypt": runEncrypt,
	"help": func([]string) error {
		fmt.Print(usage)
		return nil
	},
}

func main() {
	name, args := "run", os.Args[1:]
	if len(args) > 0 {
		switch {
		case args[0] == "-h" || args[0] == "--help":
			name, args = "help", nil
		case !strings.HasPrefix(args[0], "-"):
			name, args = args[0], args[1:]
		}
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}
	if err := cmd(args); err != nil {
		fmt.Fprintf(os.Stderr, "livebus %s: %v\n", name, err)
		os.Exit(1)
	}
}

// configPath resolves --config, then LIVEBUS_CONFIG, then ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	if p := os.Getenv("LIVEBUS_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.WithoutCancel(ctx))

	m := metrics.New()

	waker, err := initTransport(ctx, cfg.Bus.Transport, log)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer waker.Close()

	st, closeStore, err := initStore(cfg, waker, m, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	rt, cleanup, err := initRuntime(cfg, st, waker, m, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cleanup(drainCtx); err != nil {
			log.Error("shutdown incomplete", "error", err)
		}
	}()

	if rt.Scheduler != nil {
		if err := rt.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	log.Info("livebus starting",
		"addr", cfg.Gateway.Addr,
		"transport", cfg.Bus.Transport.Type,
		"store", cfg.Store.Path,
		"dispatcher", rt.Dispatcher != nil,
		"scheduler", rt.Scheduler != nil,
		"audit", rt.Audit != nil,
		"tokens", len(cfg.Gateway.Auth.Tokens),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Gateway.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// runEncrypt prints the enc: form of each argument.
func runEncrypt(args []string) error {
	passphrase := os.Getenv("LIVEBUS_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("LIVEBUS_CONFIG_KEY is not set")
	}
	if len(args) == 0 {
		return errors.New("usage: livebus encrypt <value>...")
	}
	for _, a := range args {
		sealed, err := config.EncryptValue(a, passphrase)
		if err != nil {
			return err
		}
		fmt.Println("enc:" + sealed)
	}
	return nil
}
