package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gatewaykit/internal/adapter/loopback"
	"gatewaykit/internal/infra/config"
	"gatewaykit/internal/infra/logger"
)

type loopbackFlags struct {
	Addr       string
	Interval   time.Duration
	Tick       time.Duration
	Tokens     []string
	LookupRate int // endpoint lookups per client per minute
}

// parseLoopbackFlags reads the loopback subcommand flags. --token may repeat.
func parseLoopbackFlags(args []string) (loopbackFlags, error) {
	flags := loopbackFlags{Addr: "127.0.0.1:8765"}
	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s needs a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		name, _, _ := strings.Cut(args[i], "=")
		switch name {
		case "--addr":
			v, err := value(&i, name)
			if err != nil {
				return flags, err
			}
			flags.Addr = v
		case "--interval", "--tick":
			v, err := value(&i, name)
			if err != nil {
				return flags, err
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return flags, fmt.Errorf("%s: %w", name, err)
			}
			if name == "--interval" {
				flags.Interval = d
			} else {
				flags.Tick = d
			}
		case "--lookup-rate":
			v, err := value(&i, name)
			if err != nil {
				return flags, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return flags, fmt.Errorf("%s: want a non-negative integer, got %q", name, v)
			}
			flags.LookupRate = n
		case "--token":
			v, err := value(&i, name)
			if err != nil {
				return flags, err
			}
			flags.Tokens = append(flags.Tokens, v)
		case "--config":
			// Read by configPath.
			if !strings.Contains(args[i], "=") {
				i++
			}
		default:
			return flags, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	return flags, nil
}

func runLoopback(args []string) error {
	flags, err := parseLoopbackFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		// The server needs no token; fall back to defaults for logging.
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	srv := loopback.New(loopback.Options{
		Addr:              flags.Addr,
		Tokens:            flags.Tokens,
		HeartbeatInterval: flags.Interval,
		APIVersion:        cfg.Gateway.APIVersion,
		LookupPerMinute:   flags.LookupRate,
	}, log)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "loopback gateway on %s\n  GATEWAYKIT_GATEWAY_API_BASE_URL=%s/api\n", srv.Addr(), srv.URL())

	if flags.Tick > 0 {
		go tick(ctx, srv, flags.Tick)
	}
	return srv.Serve(ctx)
}

// tick dispatches a counter event to every session once per period.
func tick(ctx context.Context, srv *loopback.Server, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			srv.Dispatch(ctx, "LOOPBACK_TICK", map[string]int{"n": n})
		}
	}
}
