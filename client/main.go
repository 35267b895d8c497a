package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puyokura/hallmesh/config"
	"github.com/puyokura/hallmesh/election"
	"github.com/puyokura/hallmesh/host"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/session"
	"github.com/puyokura/hallmesh/store"
	"github.com/spf13/cobra"
)

var (
	configFile string
	hallFlag   string
	inviteFlag string
)

// pickHall resolves the hall from an invite, the --hall flag or the first
// configured hall, in that order.
func pickHall(cfg *config.Config, hall, invite string) (uuid.UUID, error) {
	if invite != "" {
		u, err := model.ParseInvite(invite)
		if err != nil {
			return uuid.Nil, err
		}
		return u.HallID, nil
	}
	if hall != "" {
		return uuid.Parse(hall)
	}
	ids, err := cfg.HallIDs()
	if err != nil {
		return uuid.Nil, err
	}
	if len(ids) == 0 {
		return uuid.Nil, errors.New("no hall given: use --hall, --invite or add one to the config file")
	}
	return ids[0], nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	hallID, err := pickHall(cfg, hallFlag, inviteFlag)
	if err != nil {
		return err
	}

	// The terminal belongs to the UI, so logs only go to a file.
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "hallchat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}))

	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	userID, role := cfg.Self()
	reg := prometheus.NewRegistry()
	s, err := session.New(session.Config{
		HallID:   hallID,
		Settings: cfg,
		Store:    db,
		Coordinator: election.NewCoordinator(election.Config{
			Self:         election.Candidate{UserID: userID, Role: role},
			Store:        db,
			Logger:       logger,
			PromRegistry: reg,
		}),
		Logger:      logger,
		Metrics:     session.NewMetrics(reg),
		HostMetrics: host.NewMetrics(reg),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	switch {
	case inviteFlag != "":
		err = s.ConnectInvite(ctx, inviteFlag)
	case cfg.AutoConnect:
		_, err = s.AutoConnect(ctx)
	}
	if err != nil {
		logger.Warn("initial connect failed", "error", err)
	}

	p := tea.NewProgram(initialModel(s, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := p.Run()
	cancel()
	if err := <-done; err != nil {
		return err
	}
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		return uiErr
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "hallchat",
		Short:        "Terminal chat for a peer-hosted hall",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to config file")
	rootCmd.Flags().StringVar(&hallFlag, "hall", "", "hall id to open")
	rootCmd.Flags().StringVar(&inviteFlag, "invite", "", "hall:// invite to join")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
