// Command fisml is the File Integrity and Secret Leakage Monitor agent. It
// loads a YAML configuration file and dispatches to one of several
// subcommands: init-config, baseline, watch, verify-chain,
// verify-signatures, list-events, and export-json.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisml/agent/internal/agent"
	"github.com/fisml/agent/internal/baseline"
	"github.com/fisml/agent/internal/config"
	"github.com/fisml/agent/internal/hashing"
	"github.com/fisml/agent/internal/keys"
	"github.com/fisml/agent/internal/metrics"
	"github.com/fisml/agent/internal/secrets"
	"github.com/fisml/agent/internal/store"
	"github.com/fisml/agent/internal/verify"
	"github.com/fisml/agent/internal/watcher"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init-config":
		err = runInitConfig(args)
	case "baseline":
		err = runBaseline(args)
	case "watch":
		err = runWatch(args)
	case "verify-chain":
		err = runVerifyChain(args)
	case "verify-signatures":
		err = runVerifySignatures(args)
	case "list-events":
		err = runListEvents(args)
	case "export-json":
		err = runExportJSON(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "fisml: unknown subcommand %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fisml: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fisml <command> [flags]

commands:
  init-config        write a default configuration file
  baseline           run one reconciliation pass and exit
  watch              run the live filesystem watcher
  verify-chain       verify the event hash chain's integrity
  verify-signatures  verify every event's Ed25519 signature
  list-events        print recorded events
  export-json        export recorded events as a JSON array`)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to write the default configuration file")
	fs.Parse(args)

	if err := config.WriteDefault(*configPath); err != nil {
		return err
	}
	fmt.Printf("wrote default configuration to %s\n", *configPath)
	return nil
}

func runBaseline(args []string) error {
	fs := flag.NewFlagSet("baseline", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to the FISML agent YAML configuration file")
	scanSecrets := fs.Bool("secrets", false, "scan changed files for likely secrets")
	fs.Parse(args)

	cfg, logger, err := loadConfigAndLogger(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sign, err := signerFor(cfg)
	if err != nil {
		return err
	}

	hasher := hashing.ForName(cfg.HashAlgorithm)
	scanner := secrets.New(cfg.EntropyThreshold)

	res, err := baseline.Run(st, hasher, scanner, baseline.Options{
		Paths:       cfg.Paths,
		IgnoreGlobs: cfg.IgnoreGlobs,
		ScanSecrets: *scanSecrets || cfg.ScanSecrets,
		Sign:        sign,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("baseline complete",
		slog.Int("scanned", res.Scanned),
		slog.Int("new", res.NewCount),
		slog.Int("modified", res.ModCount),
		slog.Int("deleted", res.DeletedCount),
		slog.Int("secrets_found", res.SecretCount),
	)
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to the FISML agent YAML configuration file")
	scanSecrets := fs.Bool("secrets", false, "scan changed files for likely secrets")
	fs.Parse(args)

	cfg, logger, err := loadConfigAndLogger(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sign, err := signerFor(cfg)
	if err != nil {
		return err
	}

	hasher := hashing.ForName(cfg.HashAlgorithm)
	scanner := secrets.New(cfg.EntropyThreshold)

	w, err := watcher.New(st, hasher, scanner, watcher.Options{
		Paths:       cfg.Paths,
		IgnoreGlobs: cfg.IgnoreGlobs,
		ScanSecrets: *scanSecrets || cfg.ScanSecrets,
		Sign:        sign,
	}, logger)
	if err != nil {
		return err
	}

	var agentOpts []agent.Option
	agentOpts = append(agentOpts, agent.WithWatcher(w))

	var reg *metrics.Registry
	if cfg.EnableMetrics {
		reg = metrics.NewRegistry()
		agentOpts = append(agentOpts, agent.WithMetrics(reg))
	}

	ag := agent.New(cfg, logger, agentOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)
	if h := ag.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("fisml agent exited cleanly")
	return nil
}

func runVerifyChain(args []string) error {
	fs := flag.NewFlagSet("verify-chain", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to the FISML agent YAML configuration file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.AllEvents()
	if err != nil {
		return err
	}

	if err := verify.VerifyChain(events); err != nil {
		fmt.Printf("chain INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("chain valid: %d events\n", len(events))
	return nil
}

func runVerifySignatures(args []string) error {
	fs := flag.NewFlagSet("verify-signatures", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to the FISML agent YAML configuration file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.EnableSigning {
		return fmt.Errorf("signing is not enabled in %s", *configPath)
	}

	km, err := keys.LoadOrGenerate(cfg.SigningKeyPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.AllEvents()
	if err != nil {
		return err
	}

	failing := verify.VerifySignatures(events, km.PublicKey())
	if len(failing) > 0 {
		fmt.Printf("signatures INVALID for events: %v\n", failing)
		os.Exit(1)
	}
	fmt.Printf("signatures valid: %d events\n", len(events))
	return nil
}

func runListEvents(args []string) error {
	fs := flag.NewFlagSet("list-events", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to the FISML agent YAML configuration file")
	limit := fs.Int("limit", 50, "maximum number of events to print (0 for all)")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.ListEvents(*limit)
	if err != nil {
		return err
	}

	for _, ev := range events {
		fmt.Printf("%d  %s  %-8s  %s  secrets=%d\n",
			ev.ID, ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Path, ev.SecretCount)
	}
	return nil
}

func runExportJSON(args []string) error {
	fs := flag.NewFlagSet("export-json", flag.ExitOnError)
	configPath := fs.String("config", "fisml.yaml", "path to the FISML agent YAML configuration file")
	outputPath := fs.String("output", "", "file to write JSON to (default: stdout)")
	limit := fs.Int("limit", 0, "maximum number of events to export (0 for all)")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.ListEvents(*limit)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("export-json: marshal events: %w", err)
	}

	if *outputPath == "" {
		_, err = os.Stdout.Write(append(raw, '\n'))
		return err
	}
	return os.WriteFile(*outputPath, raw, 0o644)
}

func loadConfigAndLogger(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("config_path", configPath), slog.Int("num_paths", len(cfg.Paths)))
	return cfg, logger, nil
}

// signerFor returns a signing function bound to cfg's key when signing is
// enabled, or nil otherwise.
func signerFor(cfg *config.Config) (func(string) []byte, error) {
	if !cfg.EnableSigning {
		return nil, nil
	}
	km, err := keys.LoadOrGenerate(cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	return km.SignHash, nil
}
