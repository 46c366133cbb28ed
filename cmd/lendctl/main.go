package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"

	"lendctl/artifacts"
	"lendctl/chain"
	"lendctl/config"
	"lendctl/errs"
	"lendctl/observability"
	"lendctl/observability/logging"
	telemetry "lendctl/observability/otel"
	"lendctl/plan"
	"lendctl/rates"
	"lendctl/registry"
	"lendctl/sequencer"
)

const (
	serviceName   = "lendctl"
	defaultConfig = "./lendctl.toml"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 1
	}
	var err error
	switch args[0] {
	case "deploy":
		err = runDeploy(ctx, args[1:], stdout, stderr, false)
	case "diff":
		err = runDeploy(ctx, args[1:], stdout, stderr, true)
	case "rate":
		err = runRate(args[1:], stdout, stderr)
	case "registry":
		err = runRegistry(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 1
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: lendctl <command> [flags]

commands:
  deploy            deploy and configure the plan's contracts
  diff              report what deploy would change, without sending transactions
  rate              convert a borrow APY into a per-block rate
  registry show     print the recorded addresses of a network`)
}

func runDeploy(ctx context.Context, args []string, stdout, stderr io.Writer, dryRun bool) error {
	name := "deploy"
	if dryRun {
		name = "diff"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the lendctl config file")
	planPath := fs.String("plan", "", "Plan file overriding the configured PlanFile")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *planPath != "" {
		cfg.PlanFile = *planPath
	}
	p, err := plan.Load(cfg.PlanFile)
	if err != nil {
		return err
	}

	logger, closeLog := logging.Setup(serviceName, logging.Options{
		Env:        logEnv(cfg.Log, p.Network.Name),
		Debug:      cfg.Log.Debug,
		Writer:     stderr,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer closeLog()
	logger.Info("starting", slog.String("config", cfg.Summary()),
		slog.String("rpc", cfg.RPCURL), slog.Bool("dry_run", dryRun))

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Network:     p.Network.Name,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.OTLPHeaders),
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	metrics := observability.Deploy()
	if addr := cfg.Telemetry.MetricsListen; addr != "" {
		stopMetrics := serveMetrics(addr, logger)
		defer stopMetrics()
	}

	key, err := loadSigner(cfg.Signer)
	if err != nil {
		return err
	}
	feeCap, tipCap, err := cfg.Tx.FeeCaps()
	if err != nil {
		return errs.Wrap(errs.ErrConfiguration, "config", "tx", err)
	}
	client, backend, err := chain.Dial(cfg.RPCURL, key, chain.Options{
		Confirmations:  cfg.Tx.Confirmations,
		ConfirmTimeout: cfg.Tx.ConfirmTimeout.Duration,
		PollInterval:   cfg.Tx.PollInterval.Duration,
		GasFeeCap:      feeCap,
		GasTipCap:      tipCap,
		ReadsPerSecond: cfg.Tx.ReadsPerSecond,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	resolver, err := artifacts.Open(cfg.ArtifactsDir, p.Network.Artifacts)
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg.Registry, p.Network.Name)
	if err != nil {
		return err
	}
	defer closeReg()

	report, runErr := sequencer.New(p, client, reg, resolver, sequencer.Options{
		DryRun:  dryRun,
		Logger:  logger,
		Metrics: metrics,
	}).Run(ctx)
	if err := report.WriteJSON(stdout); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// logEnv is the env tag of log records: the configured one, else the
// network being deployed.
func logEnv(cfg config.LogConfig, network string) string {
	if env := strings.TrimSpace(cfg.Env); env != "" {
		return env
	}
	return network
}

func runRate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apy := fs.String("apy", "", "Annual yield ratio, e.g. 1.05 for 5%")
	blocks := fs.Uint64("blocks", 2102400, "Blocks per year of the target network")
	if err := fs.Parse(args); err != nil {
		return err
	}
	parsed, err := rates.ParseAPY(*apy)
	if err != nil {
		return err
	}
	rate, err := rates.APYToPerBlockRate(parsed, *blocks)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, rate.String())
	return nil
}

func runRegistry(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 || args[0] != "show" {
		return fmt.Errorf("usage: lendctl registry show -network <name>")
	}
	fs := flag.NewFlagSet("registry show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the lendctl config file")
	network := fs.String("network", "", "Network whose registry to print")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg.Registry, *network)
	if err != nil {
		return err
	}
	defer closeReg()

	snapshot := reg.Snapshot()
	slots := make([]string, 0, len(snapshot))
	for slot := range snapshot {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	out := make(map[string]string, len(slots))
	for _, slot := range slots {
		out[slot] = snapshot[slot].Hex()
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func openRegistry(cfg config.RegistryConfig, network string) (*registry.Registry, func(), error) {
	switch cfg.Backend {
	case config.RegistryBolt:
		store, err := registry.NewBoltStore(cfg.Path, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, err
		}
		reg, err := registry.Open(store, network)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return reg, func() { store.Close() }, nil
	default:
		store, err := registry.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		reg, err := registry.Open(store, network)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", slog.Any("error", err))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
