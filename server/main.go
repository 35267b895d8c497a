package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puyokura/hallmesh/config"
	"github.com/puyokura/hallmesh/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const programName = "hallpeer"

var (
	globalFlags = struct {
		debug   bool
		console bool
	}{}
	configFile string
)

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger, logFile, err := setupLogging(cfg.LogDir, cfg.Debug || globalFlags.debug)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() {
		logFile.Close()
		if err := compressLog(cfg.LogDir, logger); err != nil {
			fmt.Fprintf(os.Stderr, "log compression failed: %v\n", err)
		}
	}()
	userID, role := cfg.Self()
	logger = logger.With("component", programName)
	logger.Info("starting", "user_id", userID, "role", role.String(), "data_dir", cfg.DataDir)

	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	n := newNode(gctx, g, cfg, db, logger, prometheus.DefaultRegisterer, os.Stdout)
	halls, err := cfg.HallIDs()
	if err != nil {
		return err
	}
	for _, id := range halls {
		if _, err := n.join(id); err != nil {
			return err
		}
	}
	if cfg.AutoConnect {
		g.Go(func() error {
			n.autoConnect(gctx)
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving prometheus metrics", "address", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if globalFlags.console {
		// Not part of the group: a blocked stdin read must not hold up shutdown.
		go func() {
			if newConsole(n).run(gctx, os.Stdin) {
				stop()
			}
		}()
	}

	<-gctx.Done()
	logger.Info("shutting down")
	return g.Wait()
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hall peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, config.FromContext(cmd.Context()))
		},
	}
}

func newHallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new-hall",
		Short: "Create a hall id and add it to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			id := uuid.New()
			cfg.Halls = append(cfg.Halls, id.String())
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(config.FromContext(cmd.Context()))
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Peer-hosted hall chat member",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, config.FromContext(cmd.Context()))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to config file")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.console, "console", true, "read operator commands from stdin")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(newHallCommand())
	rootCmd.AddCommand(configCommand())

	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
