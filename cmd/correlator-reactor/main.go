// Command correlator-reactor runs one reactor instance: it consumes the
// event stream, fans each event out to every tenant's matching handlers,
// and stores its offset after each dispatch so a restart never replays
// delivered history.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dagainz/correlator/internal/appconfig"
	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/metrics"
	"github.com/dagainz/correlator/internal/reactor"
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
		rerun        string
		eventKey     string
		offsetDir    string
		redisAddr    string
		redisPass    string
		redisDB      int
		secretsKey   string
		metricsAddr  string
		otlpEndpoint string
		overrides    []string
	)

	cmd := &cobra.Command{
		Use:   "correlator-reactor",
		Short: "Run one event-stream reactor instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("correlator-reactor: --id is required")
			}

			level := "info"
			if debug {
				level = "debug"
			}
			logging.InitStructured(os.Getenv("LOG_FORMAT"), level)

			cfg := runtimeconfig.New()
			path := wiring.ResolveConfigFile(configFile)
			var reactorSpec appconfig.ReactorSpec
			if path != "" {
				topo, err := appconfig.Load(path)
				if err != nil {
					return err
				}
				spec, ok := topo.Reactors[id]
				if !ok {
					return fmt.Errorf("correlator-reactor: no reactor %q in %s", id, path)
				}
				reactorSpec = spec
			}
			for _, raw := range overrides {
				if err := appconfig.ApplyOverride(cfg, raw); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics.Init("correlator")
			if metricsAddr != "" {
				go func() {
					if err := metrics.ServeHTTP(metricsAddr); err != nil {
						logging.Op().Warn("metrics server stopped", "reactor", id, "error", err)
					}
				}()
			}

			shutdownTracing, err := tracing.Init(ctx, "correlator-reactor", otlpEndpoint)
			if err != nil {
				return fmt.Errorf("correlator-reactor %s: init tracing: %w", id, err)
			}
			defer shutdownTracing(ctx)

			redisClient := wiring.NewRedisClient(wiring.RedisOptions{Addr: redisAddr, Password: redisPass, DB: redisDB})
			defer redisClient.Close()

			secretsStore, err := wiring.BuildSecretsStore(redisClient, secretsKey)
			if err != nil {
				return err
			}

			ek := eventKey
			if ek == "" {
				ek = wiring.DefaultEventStreamKey(id)
			}
			events := stream.NewRedis(redisClient, ek)
			defer events.Close()

			offsets, err := reactor.NewFileOffsetStore(offsetDir)
			if err != nil {
				return err
			}
			defer offsets.Close()

			tenants, err := appconfig.BuildReactorTenants(ctx, reactorSpec, secretsStore)
			if err != nil {
				return err
			}

			r := reactor.New(reactor.Config{ReactorID: id}, tenants, events, offsets, nil)
			if err := r.Start(ctx); err != nil {
				return fmt.Errorf("correlator-reactor %s: start: %w", id, err)
			}

			if rerun != "" {
				start, end, err := parseRerunRange(rerun)
				if err != nil {
					return fmt.Errorf("correlator-reactor %s: --rerun: %w", id, err)
				}
				logging.Op().Info("reactor re-run starting", "reactor", id, "start", start, "end", end)
				return r.RunRange(ctx, start, end)
			}

			logging.Op().Info("reactor running", "reactor", id, "event_stream", ek)
			return r.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "reactor instance id (required)")
	cmd.Flags().StringVar(&configFile, "config_file", "", "topology config file (JSON or YAML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().StringVar(&rerun, "rerun", "", "re-run over an [start-end] (or single) offset range, read-only")
	cmd.Flags().StringVar(&eventKey, "event-stream", "", "event stream key (default correlator:events:<id>)")
	cmd.Flags().StringVar(&offsetDir, "offset-dir", "./data", "directory for the reactor's stored offset")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "ingest/event broker address")
	cmd.Flags().StringVar(&redisPass, "redis-pass", "", "broker password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "broker database index")
	cmd.Flags().StringVar(&secretsKey, "secrets-key-file", "", "hex-encoded AES-256 key file for the secrets store")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP tracing collector endpoint (disabled if empty)")
	cmd.Flags().StringArrayVar(&overrides, "option", nil, "option.path=value override, repeatable")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseRerunRange parses the "A[-B]" re-run offset range. A bare "A"
// reruns exactly offset A.
func parseRerunRange(raw string) (start, end int64, err error) {
	parts := strings.SplitN(raw, "-", 2)
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q", parts[0])
	}
	if len(parts) == 1 {
		return start, start, nil
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end %q", parts[1])
	}
	return start, end, nil
}
