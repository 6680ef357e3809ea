package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gatewaykit/internal/adapter/store"
	"gatewaykit/internal/domain"
	"gatewaykit/internal/infra/config"
	"gatewaykit/internal/infra/logger"
	"gatewaykit/internal/infra/tracer"
	"gatewaykit/internal/usecase/eventbus"
	"gatewaykit/pkg/gatewayclient"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "loopback":
		err = runLoopback(os.Args[2:])
	case "doctor":
		err = runDoctor()
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "intents":
		fmt.Println(strings.Join(config.IntentNames(), "\n"))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'gatewayd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`gatewayd - push gateway client daemon

USAGE:
    gatewayd [COMMAND] [FLAGS]

COMMANDS:
    loopback    Run a local gateway server for offline testing
                Flags: --addr ADDR, --interval DURATION, --tick DURATION, --token TOKEN,
                       --lookup-rate N
    doctor      Check configuration, endpoint and session store
    encrypt     Encrypt a value for config.yaml (needs GATEWAYKIT_CONFIG_KEY)
    intents     List intent names accepted in gateway.intents

    (no command) - Connect and log dispatches until interrupted

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml or $GATEWAYKIT_CONFIG
    Environment: GATEWAYKIT_* variables override config

EXAMPLES:
    GATEWAYKIT_TOKEN=... gatewayd
    gatewayd loopback --addr 127.0.0.1:8765 --tick 5s
    GATEWAYKIT_GATEWAY_API_BASE_URL=http://127.0.0.1:8765/api GATEWAYKIT_TOKEN=dev gatewayd`)
}

// configPath returns the --config flag, $GATEWAYKIT_CONFIG or ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	if v := os.Getenv("GATEWAYKIT_CONFIG"); v != "" {
		return v
	}
	return "./config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	intents, err := config.ParseIntents(cfg.Gateway.Intents)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Session store
	sessions, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer sessions.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()
	unsub := bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Info("gateway lifecycle", "event", string(ev.Type), "session_id", ev.SessionID, "detail", string(ev.Payload))
	})
	defer unsub()

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 6. Gateway
	runner := gatewayclient.NewRunner(
		gatewayclient.Credentials{Token: cfg.Gateway.Token, Privileged: cfg.Gateway.Privileged},
		intents,
		gatewayclient.WithConfig(cfg.Gateway),
		gatewayclient.WithReconnect(cfg.Reconnect),
		gatewayclient.WithStore(sessions, cfg.Store.Key),
		gatewayclient.WithBus(bus),
		gatewayclient.WithLogger(logger.Component(log, "gateway")),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	log.Info("gatewayd started", "intents", intents, "store", cfg.Store.Driver)
	for env := range runner.Events() {
		seq, _ := env.Sequence()
		log.Info("dispatch", "event", env.EventName, "seq", seq)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info("gatewayd stopped")
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gatewayd encrypt VALUE")
	}
	passphrase := os.Getenv("GATEWAYKIT_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("GATEWAYKIT_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
