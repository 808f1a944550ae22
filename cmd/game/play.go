package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/engine"
	"github.com/tatianab/storyforge/internal/gemini"
	"github.com/tatianab/storyforge/internal/registry"
	"github.com/tatianab/storyforge/internal/retry"
	"github.com/tatianab/storyforge/internal/session"
	"github.com/tatianab/storyforge/internal/setup"
	"github.com/tatianab/storyforge/internal/store"
	"github.com/tatianab/storyforge/internal/tui"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Start a new story",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlay(cmd.Context(), 0)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [record-id]",
	Short: "Continue a saved story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		return runPlay(cmd.Context(), id)
	},
}

// app holds every long-lived service of an interactive game.
type app struct {
	store    *store.Store
	backend  *gemini.Client
	styles   *artstyle.Catalog
	sessions *registry.Registry[*session.Session]
	flows    *registry.Registry[*setup.Flow]
	manager  *session.Manager
	turns    *engine.TurnEngine
	setup    *setup.Cache
}

func newApp(ctx context.Context) (*app, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	backend, err := gemini.New(ctx, gemini.Config{
		APIKey:     cfg.GeminiAPIKey,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.ImageModel,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("error creating engine: %w", err)
	}

	policy := retry.Default()
	policy.Attempts = cfg.RetryAttempts
	policy.Logger = logger.Named("retry")

	styles := artstyle.Default()
	eng := engine.NewEngine(backend,
		engine.WithRetryPolicy(policy),
		engine.WithWorldCache(st),
		engine.WithLogger(logger.Named("engine")))

	a := &app{
		store:    st,
		backend:  backend,
		styles:   styles,
		sessions: registry.New[*session.Session]("session", cfg.SessionTimeout, registry.WithLogger(logger)),
		flows:    registry.New[*setup.Flow]("setup", cfg.SetupTimeout, registry.WithLogger(logger)),
	}
	a.manager = session.NewManager(eng, st, a.sessions,
		session.WithStyles(styles),
		session.WithLogger(logger.Named("session")))
	a.turns = engine.NewTurnEngine(eng, a.manager)
	a.setup = setup.NewCache(a.flows, eng, styles, logger.Named("setup"))
	return a, nil
}

func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		logger.Warn("Failed to close backend", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
}

// run drives the UI while the registries sweep idle entries in the background.
func (a *app) run(ctx context.Context, resumed *tui.Resumed) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessions.Run(gctx, cfg.SweepInterval) })
	g.Go(func() error { return a.flows.Run(gctx, cfg.SweepInterval) })
	g.Go(func() error {
		defer cancel()
		err := tui.Run(gctx, tui.Deps{
			Setup:   a.setup,
			Manager: a.manager,
			Turns:   a.turns,
			Styles:  a.styles,
			Player:  cfg.Player(),
			SaveDir: cfg.SaveDir,
			Logger:  logger.Named("tui"),
		}, resumed)
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func runPlay(ctx context.Context, recordID int64) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var resumed *tui.Resumed
	if recordID != 0 {
		id, transcript, current, err := a.manager.Resume(ctx, cfg.Player(), recordID)
		if err != nil {
			return fmt.Errorf("resume game %d: %w", recordID, err)
		}
		rec, err := a.store.GetGameRecord(ctx, recordID)
		if err != nil {
			return fmt.Errorf("load game %d: %w", recordID, err)
		}
		resumed = &tui.Resumed{
			SessionID:  id,
			World:      rec.World,
			Character:  rec.Character,
			Transcript: transcript,
			Current:    current,
		}
	}

	logger.Info("Starting game", zap.Bool("anonymous", cfg.Player().Anonymous), zap.Int64("resume", recordID))
	if err := a.run(ctx, resumed); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
