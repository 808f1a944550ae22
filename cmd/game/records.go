package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List your saved stories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		player, err := namedPlayer()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		records, err := st.ListGameRecords(cmd.Context(), player.ID)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No saved stories.")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%4d  %-12s  %s as %s  (%s)\n",
				rec.ID, rec.Status, rec.World, rec.Character, rec.UpdatedAt.Format("2006-01-02 15:04"))
			if rec.Summary != "" {
				fmt.Printf("      %s\n", rec.Summary)
			}
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [record-id] [file]",
	Short: "Write a saved story and its transcript to a YAML file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid record id %q", args[0])
		}
		path := filepath.Join(cfg.SaveDir, fmt.Sprintf("record-%d.yaml", id))
		if len(args) == 2 {
			path = args[1]
		}

		player, err := namedPlayer()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		game, err := exportRecord(cmd.Context(), st, player, id)
		if err != nil {
			return err
		}
		if err := game.Save(path); err != nil {
			return fmt.Errorf("failed to save game: %w", err)
		}
		fmt.Printf("Saved %s as %s to %s\n", game.Record.World, game.Record.Character, path)
		return nil
	},
}

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List exported story files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := models.ListSavedGames(cfg.SaveDir)
		if err != nil {
			return fmt.Errorf("failed to list saved games: %w", err)
		}
		if len(files) == 0 {
			fmt.Println("No exported stories in", cfg.SaveDir)
			return nil
		}
		for _, name := range files {
			fmt.Println(filepath.Join(cfg.SaveDir, name))
		}
		return nil
	},
}

var stylesCmd = &cobra.Command{
	Use:   "styles",
	Short: "List the art styles available for portraits and scenes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, style := range artstyle.Default().All() {
			fmt.Printf("%-18s %s\n", style.ID, style.Name)
		}
		return nil
	},
}

func namedPlayer() (models.Player, error) {
	player := cfg.Player()
	if player.Anonymous {
		return player, fmt.Errorf("set STORY_PLAYER_ID or player_id to keep saved stories")
	}
	return player, nil
}

// exportRecord rebuilds the transcript of one of the player's records.
func exportRecord(ctx context.Context, st *store.Store, player models.Player, id int64) (*models.SavedGame, error) {
	rec, err := st.GetGameRecord(ctx, id)
	if err != nil || rec.UserID != player.ID {
		return nil, gameerr.New(gameerr.CodeResumeNotFound, "no saved story %d", id)
	}
	rounds, err := st.ListRounds(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}
	transcript, current, err := models.ReplayRounds(rounds)
	if err != nil {
		return nil, gameerr.Wrap(gameerr.CodeResumeNotFound, err, "story %d has no rounds", id)
	}
	return &models.SavedGame{Record: rec, Transcript: transcript, Current: current}, nil
}
