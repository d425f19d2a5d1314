// Command correlator-gateway runs the input gateway: a gRPC server that
// source connectors push WireEnvelopes to, appending each one to the
// ingest stream the engine consumes.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dagainz/correlator/internal/appconfig"
	"github.com/dagainz/correlator/internal/ingestrpc"
	"github.com/dagainz/correlator/internal/logging"
	"github.com/dagainz/correlator/internal/metrics"
	"github.com/dagainz/correlator/internal/runtimeconfig"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/wiring"
)

func main() {
	var (
		configFile  string
		debug       bool
		streamKey   string
		redisAddr   string
		redisPass   string
		redisDB     int
		metricsAddr string
		overrides   []string
	)

	cmd := &cobra.Command{
		Use:   "correlator-gateway",
		Short: "Run the gRPC input gateway feeding the ingest stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if debug {
				level = "debug"
			}
			logging.InitStructured(os.Getenv("LOG_FORMAT"), level)

			cfg := runtimeconfig.New()

			path := wiring.ResolveConfigFile(configFile)
			if path != "" {
				topo, err := appconfig.Load(path)
				if err != nil {
					return err
				}
				appconfig.StageComponentConfig(cfg, "input_processor", "", topo.InputProcessor)
			}
			for _, raw := range overrides {
				if err := appconfig.ApplyOverride(cfg, raw); err != nil {
					return err
				}
			}
			if err := ingestrpc.Register(cfg); err != nil {
				return err
			}
			gwCfg, err := ingestrpc.LoadConfig(cfg)
			if err != nil {
				return err
			}

			metrics.Init("correlator")
			if metricsAddr != "" {
				go func() {
					if err := metrics.ServeHTTP(metricsAddr); err != nil {
						logging.Op().Warn("metrics server stopped", "error", err)
					}
				}()
			}

			redisClient := wiring.NewRedisClient(wiring.RedisOptions{Addr: redisAddr, Password: redisPass, DB: redisDB})
			defer redisClient.Close()

			key := streamKey
			if key == "" {
				key = gwCfg.InputStream
			}
			ingest := stream.NewRedis(redisClient, key)
			defer ingest.Close()

			if err := ingest.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("correlator-gateway: ping ingest stream: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			addr := net.JoinHostPort(gwCfg.ListenAddress, fmt.Sprintf("%d", gwCfg.ListenPort))
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("correlator-gateway: listen %s: %w", addr, err)
			}

			gw := ingestrpc.NewGateway(ingest)
			logging.Op().Info("gateway starting", "addr", addr, "stream", key)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return gw.Serve(lis) })
			g.Go(func() error {
				<-ctx.Done()
				gw.Stop()
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}
			logging.Op().Info("gateway shut down cleanly")
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config_file", "", "topology config file (JSON or YAML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().StringVar(&streamKey, "stream", "", "ingest stream key (default from input_processor.input_stream)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "ingest/event broker address")
	cmd.Flags().StringVar(&redisPass, "redis-pass", "", "broker password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "broker database index")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	cmd.Flags().StringArrayVar(&overrides, "option", nil, "option.path=value override, repeatable")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
