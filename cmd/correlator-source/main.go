// Command correlator-source runs one TCP syslog source connector: it
// binds a listener, reframes inbound bytes by the discovered trailer,
// and forwards every WireEnvelope it produces, either straight onto the
// ingest stream or over gRPC to the input gateway.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dagainz/correlator/internal/appconfig"
	"github.com/dagainz/correlator/internal/ingestrpc"
	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/metrics"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/source"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/wiring"
)

func main() {
	var (
		id         string
		configFile string
		debug      bool
		streamKey  string
		redisAddr  string
		redisPass  string
		redisDB    int
		overrides  []string
	)

	cmd := &cobra.Command{
		Use:   "correlator-source",
		Short: "Run one TCP syslog source connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("correlator-source: --id is required")
			}

			level := "info"
			if debug {
				level = "debug"
			}
			format := os.Getenv("LOG_FORMAT")
			logging.InitStructured(format, level)

			cfg := runtimeconfig.New()

			path := wiring.ResolveConfigFile(configFile)
			if path != "" {
				topo, err := appconfig.Load(path)
				if err != nil {
					return err
				}
				if spec, ok := topo.SourceSpecByID(id); ok {
					appconfig.StageComponentConfig(cfg, "sources", id, spec.Config)
				}
			}
			for _, raw := range overrides {
				if err := appconfig.ApplyOverride(cfg, raw); err != nil {
					return err
				}
			}
			if err := source.Register(cfg, id); err != nil {
				return err
			}
			srcCfg, err := source.Load(cfg, id)
			if err != nil {
				return err
			}

			metrics.Init("correlator")

			src := source.New(srcCfg, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// A source either pushes envelopes to the input gateway over
			// gRPC (grpc_host set) or appends straight to the ingest
			// stream itself (the single-host deployment shape).
			var emit func(source.WireEnvelope)
			if srcCfg.GRPCHost != "" {
				fwd, fwdErr := ingestrpc.NewForwarder(srcCfg.GRPCHost, srcCfg.GRPCPort)
				if fwdErr != nil {
					return fmt.Errorf("correlator-source %s: %w", id, fwdErr)
				}
				defer fwd.Close()

				logging.Op().Info("source starting", "source", id,
					"gateway", fmt.Sprintf("%s:%d", srcCfg.GRPCHost, srcCfg.GRPCPort))
				emit = func(env source.WireEnvelope) {
					if pushErr := fwd.Push(ctx, env); pushErr != nil {
						logging.Op().Error("push envelope failed", "source", id, "error", pushErr)
					}
				}
			} else {
				redisClient := wiring.NewRedisClient(wiring.RedisOptions{Addr: redisAddr, Password: redisPass, DB: redisDB})
				defer redisClient.Close()

				key := streamKey
				if key == "" {
					key = wiring.DefaultIngestStreamKey(id)
				}
				ingest := stream.NewRedis(redisClient, key)
				defer ingest.Close()

				if err := ingest.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("correlator-source %s: ping ingest stream: %w", id, err)
				}

				logging.Op().Info("source starting", "source", id, "stream", key)
				emit = func(env source.WireEnvelope) {
					blob, encErr := env.Encode()
					if encErr != nil {
						logging.Op().Error("encode envelope failed", "source", id, "error", encErr)
						return
					}
					if _, appendErr := ingest.Append(ctx, blob); appendErr != nil {
						logging.Op().Error("append envelope failed", "source", id, "error", appendErr)
					}
				}
			}

			err = src.Run(ctx, emit)
			if ctx.Err() != nil {
				logging.Op().Info("source shut down cleanly", "source", id)
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "source instance id (required)")
	cmd.Flags().StringVar(&configFile, "config_file", "", "topology config file (JSON or YAML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().StringVar(&streamKey, "stream", "", "ingest stream key (default correlator:ingest:<id>)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "ingest/event broker address")
	cmd.Flags().StringVar(&redisPass, "redis-pass", "", "broker password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "broker database index")
	cmd.Flags().StringArrayVar(&overrides, "option", nil, "option.path=value override, repeatable")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
