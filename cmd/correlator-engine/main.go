// Command correlator-engine runs one correlation engine instance: it
// consumes the ingest stream, fans each record through its tenants'
// modules, emits events onto the event stream, and checkpoints the full
// store+offset snapshot after every envelope that produced one.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dagainz/correlator/internal/appconfig"
	"github.com/dagainz/correlator/internal/engine"
	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/metrics"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/tracing"
	"github.com/dagainz/correlator/internal/wiring"
)

func main() {
	var (
		id           string
		configFile   string
		debug        bool
		reset        bool
		dumpConfig   bool
		ingestKey    string
		eventKey     string
		redisAddr    string
		redisPass    string
		redisDB      int
		pgDSN        string
		snapshotDir  string
		metricsAddr  string
		otlpEndpoint string
		overrides    []string
	)

	cmd := &cobra.Command{
		Use:   "correlator-engine",
		Short: "Run one correlation engine instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("correlator-engine: --id is required")
			}

			level := "info"
			if debug {
				level = "debug"
			}
			logging.InitStructured(os.Getenv("LOG_FORMAT"), level)

			cfg := runtimeconfig.New()

			path := wiring.ResolveConfigFile(configFile)
			var engineSpec appconfig.EngineSpec
			if path != "" {
				topo, err := appconfig.Load(path)
				if err != nil {
					return err
				}
				spec, ok := topo.Engines[id]
				if !ok {
					return fmt.Errorf("correlator-engine: no engine %q in %s", id, path)
				}
				engineSpec = spec
			}
			for _, raw := range overrides {
				if err := appconfig.ApplyOverride(cfg, raw); err != nil {
					return err
				}
			}
			if err := engine.Register(cfg, id); err != nil {
				return err
			}
			engCfg, err := engine.Load(cfg, id)
			if err != nil {
				return err
			}

			if dumpConfig {
				for _, e := range cfg.Dump() {
					fmt.Printf("%s\t%s\t%v\t(default %v)\n", e.Key, e.Type, e.Value, e.Default)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics.Init("correlator")
			if metricsAddr != "" {
				go func() {
					if err := metrics.ServeHTTP(metricsAddr); err != nil {
						logging.Op().Warn("metrics server stopped", "engine", id, "error", err)
					}
				}()
			}

			shutdownTracing, err := tracing.Init(ctx, "correlator-engine", otlpEndpoint)
			if err != nil {
				return fmt.Errorf("correlator-engine %s: init tracing: %w", id, err)
			}
			defer shutdownTracing(ctx)

			redisClient := wiring.NewRedisClient(wiring.RedisOptions{Addr: redisAddr, Password: redisPass, DB: redisDB})
			defer redisClient.Close()

			ik := ingestKey
			if ik == "" {
				ik = wiring.DefaultIngestStreamKey(id)
			}
			ek := eventKey
			if ek == "" {
				ek = wiring.DefaultEventStreamKey(id)
			}
			ingest := stream.NewRedis(redisClient, ik)
			defer ingest.Close()
			events := stream.NewRedis(redisClient, ek)
			defer events.Close()

			backend, err := wiring.BuildPersistenceBackend(ctx, wiring.PersistenceOptions{PostgresDSN: pgDSN, SnapshotDir: snapshotDir})
			if err != nil {
				return err
			}
			defer backend.Close()

			if reset {
				if err := backend.Reset(ctx, id); err != nil {
					return fmt.Errorf("correlator-engine %s: reset snapshot: %w", id, err)
				}
				logging.Op().Info("snapshot reset", "engine", id)
			}

			eng := engine.New(engCfg, map[string]*engine.Tenant{}, ingest, events, backend)
			tenants, err := appconfig.BuildEngineTenants(cfg, engineSpec, eng)
			if err != nil {
				return err
			}
			eng.SetTenants(tenants)

			if err := eng.Start(ctx, cfg); err != nil {
				return fmt.Errorf("correlator-engine %s: start: %w", id, err)
			}

			logging.Op().Info("engine running", "engine", id, "ingest_stream", ik, "event_stream", ek)
			return eng.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "engine instance id (required)")
	cmd.Flags().StringVar(&configFile, "config_file", "", "topology config file (JSON or YAML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete prior snapshot before starting")
	cmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "print resolved configuration and exit")
	cmd.Flags().StringVar(&ingestKey, "ingest-stream", "", "ingest stream key (default correlator:ingest:<id>)")
	cmd.Flags().StringVar(&eventKey, "event-stream", "", "event stream key (default correlator:events:<id>)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "ingest/event broker address")
	cmd.Flags().StringVar(&redisPass, "redis-pass", "", "broker password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "broker database index")
	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN for snapshot storage (default: local file)")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "./data", "directory for file-backed snapshots")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP tracing collector endpoint (disabled if empty)")
	cmd.Flags().StringArrayVar(&overrides, "option", nil, "option.path=value override, repeatable")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
