package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tatianab/storyforge/internal/models"
)

const recordColumns = `id, user_id, world, character_name, mode, profile, visual_description,
	art_style_id, starting_node, status, summary, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGameRecord(row rowScanner) (models.GameRecord, error) {
	var (
		rec       models.GameRecord
		mode      string
		status    int
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.World,
		&rec.Character,
		&mode,
		&rec.Profile,
		&rec.VisualDescription,
		&rec.ArtStyleID,
		&rec.StartingNode,
		&status,
		&rec.Summary,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.GameRecord{}, err
	}
	rec.Mode = models.CharacterMode(mode)
	rec.Status = models.RecordStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// CreateGameRecord inserts a new in-progress record and returns it with its id.
func (s *Store) CreateGameRecord(ctx context.Context, rec models.GameRecord) (models.GameRecord, error) {
	if rec.UserID == "" {
		return models.GameRecord{}, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO game_records (user_id, world, character_name, mode, profile, visual_description,
			art_style_id, starting_node, status, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		rec.UserID, rec.World, rec.Character, string(rec.Mode), rec.Profile, rec.VisualDescription,
		rec.ArtStyleID, rec.StartingNode, int(models.RecordInProgress), toMillis(now), toMillis(now))
	if err != nil {
		return models.GameRecord{}, fmt.Errorf("insert game record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.GameRecord{}, fmt.Errorf("game record id: %w", err)
	}

	rec.ID = id
	rec.Status = models.RecordInProgress
	rec.Summary = ""
	rec.CreatedAt = fromMillis(toMillis(now))
	rec.UpdatedAt = rec.CreatedAt
	return rec, nil
}

// GetGameRecord loads a record by id.
func (s *Store) GetGameRecord(ctx context.Context, id int64) (models.GameRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM game_records WHERE id = ?`, id)
	rec, err := scanGameRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GameRecord{}, ErrNotFound
		}
		return models.GameRecord{}, fmt.Errorf("get game record: %w", err)
	}
	return rec, nil
}

// ListGameRecords returns a user's records, newest first.
func (s *Store) ListGameRecords(ctx context.Context, userID string) ([]models.GameRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM game_records WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list game records: %w", err)
	}
	defer rows.Close()

	var records []models.GameRecord
	for rows.Next() {
		rec, err := scanGameRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateGameRecordStatus sets a record's status. A non-empty summary replaces the
// stored closing summary.
func (s *Store) UpdateGameRecordStatus(ctx context.Context, id int64, status models.RecordStatus, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE game_records SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{int(status), toMillis(s.now()), id}
	if summary != "" {
		query = `UPDATE game_records SET status = ?, summary = ?, updated_at = ? WHERE id = ?`
		args = []any{int(status), summary, toMillis(s.now()), id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update game record status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AbandonInProgress marks every in-progress record of a user as abandoned.
func (s *Store) AbandonInProgress(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE game_records SET status = ?, updated_at = ? WHERE user_id = ? AND status = ?`,
		int(models.RecordAbandoned), toMillis(s.now()), userID, int(models.RecordInProgress))
	if err != nil {
		return fmt.Errorf("abandon in-progress records: %w", err)
	}
	return nil
}

// CreateRound records a generated turn. The player's choice stays null until
// UpdateRoundChoice is called.
func (s *Store) CreateRound(ctx context.Context, recordID int64, number int, turn models.Turn) (int64, error) {
	choices, err := encodeChoices(turn.Choices)
	if err != nil {
		return 0, err
	}
	status := turn.Status
	if status == "" {
		status = models.StatusContinue
	}
	if !status.Valid() {
		return 0, fmt.Errorf("round %d has unknown status %q", number, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO game_rounds (game_record_id, round_number, narrative, choices, status,
			character_label, character_analysis, user_choice, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		recordID, number, turn.Narrative, choices, string(status),
		turn.CharacterLabel, turn.CharacterAnalysis, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert round %d: %w", number, err)
	}
	return res.LastInsertId()
}

// UpdateRoundChoice stores the action the player took in a round.
func (s *Store) UpdateRoundChoice(ctx context.Context, roundID int64, choice string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE game_rounds SET user_choice = ?, updated_at = ? WHERE id = ?`,
		choice, toMillis(s.now()), roundID)
	if err != nil {
		return fmt.Errorf("update round choice: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRounds returns the rounds of a record ordered by round number.
func (s *Store) ListRounds(ctx context.Context, recordID int64) ([]models.RoundRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_record_id, round_number, narrative, choices, status,
			character_label, character_analysis, user_choice, created_at
		FROM game_rounds WHERE game_record_id = ? ORDER BY round_number ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []models.RoundRecord
	for rows.Next() {
		var (
			r          models.RoundRecord
			choicesRaw string
			status     string
			userChoice sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&r.ID, &r.GameRecordID, &r.Number, &r.Narrative, &choicesRaw, &status,
			&r.CharacterLabel, &r.CharacterAnalysis, &userChoice, &createdAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if r.Choices, err = decodeChoices(choicesRaw); err != nil {
			return nil, err
		}
		if userChoice.Valid {
			choice := userChoice.String
			r.UserChoice = &choice
		}
		r.Status = models.Status(status)
		r.CreatedAt = fromMillis(createdAt)
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}
