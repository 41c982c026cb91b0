package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabstir/host-agent/internal/agent"
	"github.com/fabstir/host-agent/internal/api"
	"github.com/fabstir/host-agent/internal/config"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host        string
		port        int
		spawnChild  bool
		corsOrigins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent and its management API in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := flags.openStore()
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig(store)
			if err != nil {
				return err
			}
			logs, err := flags.setupLogging(store, true)
			if err != nil {
				return err
			}
			defer logs.Close()

			a, err := agent.Initialize(agent.Options{
				Store:     store,
				Config:    cfg,
				Logs:      logs,
				RedisAddr: os.Getenv(config.EnvRedisAddr),
			})
			if err != nil {
				return withCode(exitNetwork, err)
			}

			// Key material is optional at serve time; signing operations
			// stay locked until it shows up.
			if config.PrivateKeyFromEnv() != "" {
				if err := a.Authenticate(agent.AuthEnvVar, config.EnvHostPrivateKey); err != nil {
					return withCode(exitAuth, err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.Run(ctx)

			metrics := api.NewMetrics(a)
			go metrics.Observe(ctx)

			origins := cfg.AllowedOrigins
			if len(corsOrigins) > 0 {
				origins = corsOrigins
			}
			srv := api.NewServer(api.ServerConfig{
				Host:           host,
				Port:           port,
				APIKey:         cfg.APIKey,
				AllowedOrigins: origins,
			}, a, metrics, logs.Component("api"))

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Start() }()

			if spawnChild {
				if _, err := a.StartInference(ctx, false); err != nil {
					agentLog := logs.Component("agent")
					agentLog.Error().Err(err).Msg("initial inference spawn failed")
				}
			}

			select {
			case err := <-serveErr:
				a.Shutdown(context.Background())
				return withCode(exitUnexpected, err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			a.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "management API bind address")
	cmd.Flags().IntVar(&port, "port", 8888, "management API port")
	cmd.Flags().BoolVar(&spawnChild, "spawn", false, "start the inference process immediately")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors", nil, "allowed browser origin (repeatable, overrides config)")
	return cmd
}
